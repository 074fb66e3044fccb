package message

import (
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/inmembro/internal/domain/errs"
)

func TestDecodeDataAndKey(t *testing.T) {
	msg, err := Decode([]byte(`{"data":{"n":1},"key":"x"}`))
	require.NoError(t, err)
	key, ok := msg.KeyValue()
	require.True(t, ok)
	require.Equal(t, "x", key)
	require.JSONEq(t, `{"n":1}`, string(msg.Data))
}

func TestDecodeWithoutData(t *testing.T) {
	msg, err := Decode([]byte(`{"key":"x"}`))
	require.NoError(t, err)
	require.Nil(t, msg.Data)

	out, err := msg.Compact()
	require.NoError(t, err)
	require.JSONEq(t, `{"data":null,"key":"x"}`, string(out))
}

func TestDecodeNullDataOmitsKey(t *testing.T) {
	msg, err := Decode([]byte(`{"data":null}`))
	require.NoError(t, err)
	_, ok := msg.KeyValue()
	require.False(t, ok)

	out, err := msg.Compact()
	require.NoError(t, err)
	require.JSONEq(t, `{"data":null}`, string(out))
	require.NotContains(t, string(out), "key")
}

func TestDecodeMalformed(t *testing.T) {
	for _, raw := range []string{`{"data":`, `5`, `{"key":7}`, ``, `null`, ` null `, `[1,"k"]`, `"x"`} {
		_, err := Decode([]byte(raw))
		require.Error(t, err, raw)
		require.True(t, errs.IsCode(err, errs.CodeInvalid), raw)
	}
}

func TestDecodeNullDescribesInput(t *testing.T) {
	_, err := Decode([]byte("null"))
	require.Error(t, err)
	require.Equal(t, "expected a JSON object, got null", errs.Describe(err))
}

func TestEncodingKeepsHTMLCharacters(t *testing.T) {
	msg, err := Decode([]byte(`{"data":"<b>&</b>"}`))
	require.NoError(t, err)

	pretty, err := msg.Pretty()
	require.NoError(t, err)
	require.Equal(t, "{\n  \"data\": \"<b>&</b>\"\n}", pretty)

	compact, err := msg.Compact()
	require.NoError(t, err)
	require.Equal(t, `{"data":"<b>&</b>"}`, string(compact))
}

func TestPrettyRoundTrips(t *testing.T) {
	key := "k"
	msg := New(json.RawMessage(`[1,2]`), &key)
	pretty, err := msg.Pretty()
	require.NoError(t, err)
	require.Contains(t, pretty, "\n")
	require.JSONEq(t, `{"data":[1,2],"key":"k"}`, pretty)
}

func TestNewCopiesInputs(t *testing.T) {
	key := "a"
	data := json.RawMessage(`1`)
	msg := New(data, &key)
	key = "b"
	data[0] = '2'
	got, _ := msg.KeyValue()
	require.Equal(t, "a", got)
	require.Equal(t, "1", string(msg.Data))
}

func TestQueuedJSONView(t *testing.T) {
	q := NewQueuedAt(New(json.RawMessage(`"hello"`), nil), time.Now().Add(-1500*time.Millisecond))
	out, err := json.Marshal(q)
	require.NoError(t, err)

	var view struct {
		Content  map[string]any `json:"content"`
		LivesFor string         `json:"lives_for"`
	}
	require.NoError(t, json.Unmarshal(out, &view))
	require.Equal(t, "hello", view.Content["data"])
	require.True(t, strings.HasPrefix(view.LivesFor, "1.5"), view.LivesFor)
}

func TestQueuedYAMLView(t *testing.T) {
	key := "x"
	q := NewQueued(New(json.RawMessage(`{"a":1}`), &key))
	out, err := yaml.Marshal(NewQueue(q))
	require.NoError(t, err)
	require.Contains(t, string(out), "content:")
	require.Contains(t, string(out), "key: x")
	require.Contains(t, string(out), "lives_for:")
}

func TestFormatElapsed(t *testing.T) {
	require.Equal(t, "0s", FormatElapsed(-time.Second))
	require.Equal(t, "1.234s", FormatElapsed(1234*time.Millisecond+999*time.Microsecond))
	require.Equal(t, "250ms", FormatElapsed(250*time.Millisecond))
}

// Package message defines the broker's message model and the retention and
// compaction aware queue that stores it.
package message

import (
	"bytes"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/inmembro/internal/domain/errs"
)

var nullJSON = json.RawMessage("null")

// Message is the producer payload: optional JSON data plus an optional compaction key.
// A Message is never mutated after construction.
type Message struct {
	Data json.RawMessage
	Key  *string
}

type wireMessage struct {
	Data json.RawMessage `json:"data"`
	Key  *string         `json:"key,omitempty"`
}

// New builds a message from already-encoded JSON data and an optional key.
func New(data json.RawMessage, key *string) Message {
	m := Message{Key: key}
	if len(data) > 0 && !bytes.Equal(data, nullJSON) {
		m.Data = append(json.RawMessage(nil), data...)
	}
	if key != nil {
		k := *key
		m.Key = &k
	}
	return m
}

// Decode parses a JSON producer payload such as {"data": 1, "key": "x"}.
// The payload must be a JSON object.
func Decode(raw []byte) (Message, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, errs.New("message/decode", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("expected a JSON object, got %s", describeToken(trimmed))))
	}
	var wire wireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Message{}, errs.New("message/decode", errs.CodeInvalid, errs.WithCause(err))
	}
	return New(wire.Data, wire.Key), nil
}

// KeyValue returns the compaction key when present.
func (m Message) KeyValue() (string, bool) {
	if m.Key == nil {
		return "", false
	}
	return *m.Key, true
}

// MarshalJSON always emits data (null when absent) and omits an absent key.
func (m Message) MarshalJSON() ([]byte, error) {
	data := m.Data
	if len(data) == 0 {
		data = nullJSON
	}
	return encode(wireMessage{Data: data, Key: m.Key}, "")
}

// encode writes v without HTML escaping so payload text reaches clients verbatim.
func encode(v any, indent string) ([]byte, error) {
	buf := &bytes.Buffer{}
	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)
	if indent != "" {
		encoder.SetIndent("", indent)
	}
	if err := encoder.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func describeToken(raw []byte) string {
	switch {
	case len(raw) == 0:
		return "empty input"
	case bytes.Equal(raw, nullJSON):
		return "null"
	case raw[0] == '[':
		return "an array"
	case raw[0] == '"':
		return "a string"
	default:
		return "a scalar"
	}
}

// UnmarshalJSON decodes the producer wire form.
func (m *Message) UnmarshalJSON(raw []byte) error {
	var wire wireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	*m = New(wire.Data, wire.Key)
	return nil
}

// MarshalYAML renders data as a decoded value so diagnostic dumps stay readable.
func (m Message) MarshalYAML() (interface{}, error) {
	var data any
	if len(m.Data) > 0 {
		if err := json.Unmarshal(m.Data, &data); err != nil {
			return nil, fmt.Errorf("decode message data: %w", err)
		}
	}
	return struct {
		Data any     `yaml:"data"`
		Key  *string `yaml:"key,omitempty"`
	}{Data: data, Key: m.Key}, nil
}

// Pretty renders the message as two-space indented JSON.
func (m Message) Pretty() (string, error) {
	out, err := encode(m, "  ")
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	return string(out), nil
}

// Compact renders the message as single-line JSON.
func (m Message) Compact() ([]byte, error) {
	out, err := encode(m, "")
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return out, nil
}

// Queued is a message stamped with its enqueue time. Queues share *Queued
// values by pointer; a Queued is never mutated.
type Queued struct {
	content   Message
	createdAt time.Time
}

// NewQueued stamps m with the current monotonic time.
func NewQueued(m Message) *Queued {
	return NewQueuedAt(m, time.Now())
}

// NewQueuedAt stamps m with the supplied creation time.
func NewQueuedAt(m Message, createdAt time.Time) *Queued {
	return &Queued{content: m, createdAt: createdAt}
}

// Content returns the wrapped message.
func (q *Queued) Content() Message { return q.content }

// Elapsed returns how long the message has been queued.
func (q *Queued) Elapsed() time.Duration { return time.Since(q.createdAt) }

type queuedView struct {
	Content  Message `json:"content" yaml:"content"`
	LivesFor string  `json:"lives_for" yaml:"lives_for"`
}

func (q *Queued) view() queuedView {
	return queuedView{Content: q.content, LivesFor: FormatElapsed(q.Elapsed())}
}

// MarshalJSON renders {"content": <Message>, "lives_for": "<elapsed>"}.
func (q *Queued) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.view())
}

// MarshalYAML mirrors MarshalJSON for status pages.
func (q *Queued) MarshalYAML() (interface{}, error) {
	return q.view(), nil
}

// FormatElapsed renders an age with millisecond precision, e.g. "1.234s".
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Truncate(time.Millisecond).String()
}

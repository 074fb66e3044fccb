package message

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func keyed(data, key string) *Queued {
	k := key
	return NewQueued(New(json.RawMessage(data), &k))
}

func plain(data string) *Queued {
	return NewQueued(New(json.RawMessage(data), nil))
}

func boolPtr(v bool) *bool    { return &v }
func u64Ptr(v uint64) *uint64 { return &v }
func drain(q *Queue, cfg *TopicConfig) []string {
	var out []string
	for {
		m, _ := q.Pop(cfg)
		if m == nil {
			return out
		}
		out = append(out, string(m.Content().Data))
	}
}

func TestQueuePreservesOrder(t *testing.T) {
	var q Queue
	for _, d := range []string{"1", "2", "3"} {
		require.Zero(t, q.Push(plain(d), nil))
	}
	require.Equal(t, 3, q.Len())
	require.Equal(t, []string{"1", "2", "3"}, drain(&q, nil))
	require.Zero(t, q.Len())
}

func TestQueuePopEmpty(t *testing.T) {
	var q Queue
	m, expired := q.Pop(&TopicConfig{RetentionMillis: u64Ptr(10)})
	require.Nil(t, m)
	require.Zero(t, expired)
}

func TestQueueCompactionRemovesSameKey(t *testing.T) {
	cfg := &TopicConfig{Compaction: boolPtr(true)}
	var q Queue
	q.Push(keyed(`"a"`, "x"), cfg)
	q.Push(keyed(`"b"`, "y"), cfg)
	q.Push(plain(`"free"`), cfg)
	removed := q.Push(keyed(`"c"`, "x"), cfg)

	require.Equal(t, 1, removed)
	require.Equal(t, []string{`"b"`, `"free"`, `"c"`}, drain(&q, cfg))
}

func TestQueueCompactionRemovesAllMatches(t *testing.T) {
	var q Queue
	q.Push(keyed(`1`, "x"), nil)
	q.Push(keyed(`2`, "x"), nil)
	q.Push(keyed(`3`, "y"), nil)

	removed := q.Push(keyed(`4`, "x"), &TopicConfig{Compaction: boolPtr(true)})
	require.Equal(t, 2, removed)
	require.Equal(t, []string{"3", "4"}, drain(&q, nil))
}

func TestQueueCompactionDisabled(t *testing.T) {
	for name, cfg := range map[string]*TopicConfig{
		"nil":      nil,
		"absent":   {},
		"disabled": {Compaction: boolPtr(false)},
	} {
		t.Run(name, func(t *testing.T) {
			var q Queue
			q.Push(keyed(`1`, "x"), cfg)
			require.Zero(t, q.Push(keyed(`2`, "x"), cfg))
			require.Equal(t, 2, q.Len())
		})
	}
}

func TestQueueCompactionIgnoresUnkeyed(t *testing.T) {
	cfg := &TopicConfig{Compaction: boolPtr(true)}
	var q Queue
	q.Push(plain(`1`), cfg)
	require.Zero(t, q.Push(plain(`2`), cfg))
	require.Equal(t, 2, q.Len())
}

func TestQueueRetentionDropsExpiredHeads(t *testing.T) {
	cfg := &TopicConfig{RetentionMillis: u64Ptr(50)}
	old := time.Now().Add(-time.Second)
	q := NewQueue(
		NewQueuedAt(New(json.RawMessage(`1`), nil), old),
		NewQueuedAt(New(json.RawMessage(`2`), nil), old),
		plain(`3`),
	)

	m, expired := q.Pop(cfg)
	require.NotNil(t, m)
	require.Equal(t, "3", string(m.Content().Data))
	require.Equal(t, 2, expired)
	require.Zero(t, q.Len())
}

func TestQueueRetentionAbsentReturnsHead(t *testing.T) {
	q := NewQueue(NewQueuedAt(New(json.RawMessage(`1`), nil), time.Now().Add(-time.Hour)))
	m, expired := q.Pop(&TopicConfig{})
	require.NotNil(t, m)
	require.Zero(t, expired)
}

func TestQueueRetentionBoundHolds(t *testing.T) {
	cfg := &TopicConfig{RetentionMillis: u64Ptr(20)}
	var q Queue
	for i := 0; i < 5; i++ {
		q.Push(NewQueuedAt(New(json.RawMessage(`0`), nil), time.Now().Add(-time.Duration(i*10)*time.Millisecond)), cfg)
	}
	for {
		m, _ := q.Pop(cfg)
		if m == nil {
			break
		}
		require.LessOrEqual(t, m.Elapsed().Milliseconds(), int64(20))
	}
}

func TestQueueTake(t *testing.T) {
	q := NewQueue(plain(`1`), plain(`2`))
	taken := q.Take()
	require.Zero(t, q.Len())
	require.Equal(t, 2, taken.Len())
	require.Equal(t, []string{"1", "2"}, drain(&taken, nil))
}

func TestQueueItemsIsSnapshot(t *testing.T) {
	q := NewQueue(plain(`1`))
	items := q.Items()
	items[0] = nil
	require.NotNil(t, q.Items()[0])
}

func TestQueueJSON(t *testing.T) {
	var empty Queue
	out, err := json.Marshal(empty)
	require.NoError(t, err)
	require.Equal(t, "[]", string(out))

	q := NewQueue(plain(`7`))
	out, err = json.Marshal(q)
	require.NoError(t, err)
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.Len(t, decoded, 1)
	require.Contains(t, decoded[0], "lives_for")
}

func TestTopicConfigHelpers(t *testing.T) {
	var nilCfg *TopicConfig
	require.False(t, nilCfg.CompactionEnabled())
	_, ok := nilCfg.Retention()
	require.False(t, ok)

	cfg := &TopicConfig{RetentionMillis: u64Ptr(5), Compaction: boolPtr(true)}
	clone := cfg.Clone()
	*cfg.RetentionMillis = 9
	r, ok := clone.Retention()
	require.True(t, ok)
	require.Equal(t, uint64(5), r)
	require.True(t, clone.CompactionEnabled())
	require.NotNil(t, nilCfg.Clone())
}

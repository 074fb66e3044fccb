package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/inmembro/internal/domain/message"
)

func bufferedItems(t *testing.T, topic *Topic) []string {
	t.Helper()
	topic.mu.Lock()
	defer topic.mu.Unlock()
	require.Equal(t, stateBuffered, topic.state)
	var out []string
	for _, q := range topic.buffer.Items() {
		out = append(out, compact(t, q.Content()))
	}
	return out
}

func TestTopicBuffersWithoutSubscribers(t *testing.T) {
	topic := newTestTopic(message.TopicConfig{})
	push(t, topic, `{"data":1}`)
	push(t, topic, `{"data":2}`)

	require.Equal(t, "buffered", topic.Mode())
	require.Equal(t, []string{`{"data":1}`, `{"data":2}`}, bufferedItems(t, topic))
}

func TestTopicBufferCompacts(t *testing.T) {
	topic := newTestTopic(message.TopicConfig{Compaction: boolPtr(true)})
	push(t, topic, `{"data":"a","key":"x"}`)
	push(t, topic, `{"data":"b","key":"y"}`)
	push(t, topic, `{"data":"c","key":"x"}`)

	require.Equal(t, []string{`{"data":"b","key":"y"}`, `{"data":"c","key":"x"}`}, bufferedItems(t, topic))
}

func TestFirstSubscriberReceivesBacklog(t *testing.T) {
	topic := newTestTopic(message.TopicConfig{})
	push(t, topic, `{"data":1}`)
	push(t, topic, `{"data":2}`)

	s := topic.Subscribe(context.Background())
	defer s.Close()

	require.Equal(t, "fanned_out", topic.Mode())
	require.Equal(t, []string{`{"data":1}`, `{"data":2}`}, drainNow(t, s))
}

func TestSecondSubscriberStartsEmpty(t *testing.T) {
	topic := newTestTopic(message.TopicConfig{})
	push(t, topic, `{"data":1}`)

	a := topic.Subscribe(context.Background())
	defer a.Close()
	b := topic.Subscribe(context.Background())
	defer b.Close()

	require.Equal(t, 0, b.Subscriber().Pending())
	require.Equal(t, 1, a.Subscriber().Pending())

	push(t, topic, `{"data":2}`)
	require.Equal(t, []string{`{"data":1}`, `{"data":2}`}, drainNow(t, a))
	require.Equal(t, []string{`{"data":2}`}, drainNow(t, b))
}

func TestFanOutDeliversToEverySubscriber(t *testing.T) {
	topic := newTestTopic(message.TopicConfig{})
	a := topic.Subscribe(context.Background())
	defer a.Close()
	b := topic.Subscribe(context.Background())
	defer b.Close()

	push(t, topic, `{"data":7}`)

	require.Equal(t, []string{`{"data":7}`}, drainNow(t, a))
	require.Equal(t, []string{`{"data":7}`}, drainNow(t, b))
	require.Empty(t, drainNow(t, a))
	require.Empty(t, drainNow(t, b))
}

func TestFanOutSharesMessagesByPointer(t *testing.T) {
	topic := newTestTopic(message.TopicConfig{})
	a := topic.Subscribe(context.Background())
	defer a.Close()
	b := topic.Subscribe(context.Background())
	defer b.Close()

	push(t, topic, `{"data":"shared"}`)

	qa := a.Subscriber().snapshot().Items()
	qb := b.Subscriber().snapshot().Items()
	require.Len(t, qa, 1)
	require.Len(t, qb, 1)
	require.Same(t, qa[0], qb[0])
}

func TestDisconnectSalvagesUndelivered(t *testing.T) {
	topic := newTestTopic(message.TopicConfig{})
	a := topic.Subscribe(context.Background())
	push(t, topic, `{"data":1}`)
	push(t, topic, `{"data":2}`)

	first, ok := a.TryNext()
	require.True(t, ok)
	require.Equal(t, `{"data":1}`, compact(t, first))

	a.Close()
	require.Equal(t, []string{`{"data":2}`}, bufferedItems(t, topic))

	b := topic.Subscribe(context.Background())
	defer b.Close()
	require.Equal(t, []string{`{"data":2}`}, drainNow(t, b))
}

func TestLastLiveDetachSalvagesDespiteDeadPeers(t *testing.T) {
	topic := newTestTopic(message.TopicConfig{})
	a := topic.Subscribe(context.Background())
	b := topic.Subscribe(context.Background())
	push(t, topic, `{"data":1}`)

	// b dies without going through the topic; a's detach must reap it.
	b.Subscriber().kill()
	a.Close()

	require.Equal(t, []string{`{"data":1}`}, bufferedItems(t, topic))
	b.Close()
	require.Equal(t, []string{`{"data":1}`}, bufferedItems(t, topic))
}

func TestDetachKeepsOthersFannedOut(t *testing.T) {
	topic := newTestTopic(message.TopicConfig{})
	a := topic.Subscribe(context.Background())
	b := topic.Subscribe(context.Background())
	defer b.Close()
	c := topic.Subscribe(context.Background())
	defer c.Close()

	a.Close()
	require.Equal(t, "fanned_out", topic.Mode())

	push(t, topic, `{"data":3}`)
	require.Equal(t, []string{`{"data":3}`}, drainNow(t, b))
	require.Equal(t, []string{`{"data":3}`}, drainNow(t, c))

	topic.mu.Lock()
	require.Len(t, topic.subscribers, 2)
	topic.mu.Unlock()
}

func TestDetachReapsDeadSubscribers(t *testing.T) {
	topic := newTestTopic(message.TopicConfig{})
	streams := make([]*Stream, 4)
	for i := range streams {
		streams[i] = topic.Subscribe(context.Background())
	}
	defer func() {
		for _, s := range streams {
			s.Close()
		}
	}()

	streams[1].Subscriber().kill()
	streams[2].Subscriber().kill()

	push(t, topic, `{"data":1}`)
	topic.mu.Lock()
	require.Len(t, topic.subscribers, 4, "push must not reap")
	topic.mu.Unlock()

	streams[0].Close()
	topic.mu.Lock()
	require.Equal(t, stateFannedOut, topic.state)
	require.Len(t, topic.subscribers, 1)
	require.Same(t, streams[3].Subscriber(), topic.subscribers[0])
	topic.mu.Unlock()
}

func TestRemoveSurvivorMismatchRevertsEmpty(t *testing.T) {
	topic := newTestTopic(message.TopicConfig{})
	a := topic.Subscribe(context.Background())
	defer a.Close()
	b := topic.Subscribe(context.Background())
	defer b.Close()
	push(t, topic, `{"data":1}`)

	// a is reaped as dead, b survives but is not the departing subscriber.
	stray := newSubscriber(topic)
	a.Subscriber().kill()
	topic.RemoveSubscriber(stray)

	require.Empty(t, bufferedItems(t, topic))
	require.Equal(t, []string{`{"data":1}`}, drainNow(t, b))

	push(t, topic, `{"data":2}`)
	require.Empty(t, drainNow(t, b))
	require.Equal(t, []string{`{"data":2}`}, bufferedItems(t, topic))
}

func TestRemoveOnBufferedIsNoop(t *testing.T) {
	topic := newTestTopic(message.TopicConfig{})
	push(t, topic, `{"data":1}`)
	topic.RemoveSubscriber(newSubscriber(topic))
	topic.RemoveSubscriber(nil)
	require.Equal(t, []string{`{"data":1}`}, bufferedItems(t, topic))
}

func TestRetentionAppliedOnPop(t *testing.T) {
	topic := newTestTopic(message.TopicConfig{RetentionMillis: u64Ptr(50)})
	topic.Push(context.Background(), message.NewQueuedAt(msg(t, `{"data":1}`), time.Now().Add(-100*time.Millisecond)))
	push(t, topic, `{"data":2}`)

	require.Len(t, bufferedItems(t, topic), 2)

	s := topic.Subscribe(context.Background())
	defer s.Close()
	require.Equal(t, []string{`{"data":2}`}, drainNow(t, s))
}

func TestSubscriberQueueCompacts(t *testing.T) {
	topic := newTestTopic(message.TopicConfig{Compaction: boolPtr(true)})
	s := topic.Subscribe(context.Background())
	defer s.Close()

	push(t, topic, `{"data":"a","key":"x"}`)
	push(t, topic, `{"data":"c","key":"x"}`)
	push(t, topic, `{"data":"c","key":"x"}`)

	require.Equal(t, []string{`{"data":"c","key":"x"}`}, drainNow(t, s))
}

func TestTopicSnapshot(t *testing.T) {
	topic := newTestTopic(message.TopicConfig{Compaction: boolPtr(true)})
	push(t, topic, `{"data":1}`)

	snap := topic.Snapshot()
	require.Equal(t, "buffered", snap.Mode)
	require.NotNil(t, snap.Content.Messages)
	require.Equal(t, 1, snap.Content.Messages.Len())
	require.Nil(t, snap.Content.Subscribers)
	require.True(t, snap.Config.CompactionEnabled())

	a := topic.Subscribe(context.Background())
	defer a.Close()
	b := topic.Subscribe(context.Background())
	b.Subscriber().kill()
	defer b.Close()

	snap = topic.Snapshot()
	require.Equal(t, "fanned_out", snap.Mode)
	require.Nil(t, snap.Content.Messages)
	require.Len(t, snap.Content.Subscribers, 1)
	require.Equal(t, a.ID(), snap.Content.Subscribers[0].ID)
	require.Equal(t, 1, snap.Content.Subscribers[0].Messages.Len())
}

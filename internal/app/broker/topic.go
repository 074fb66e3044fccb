package broker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/inmembro/internal/domain/message"
	"github.com/coachpo/inmembro/internal/infra/telemetry"
)

type contentState uint8

const (
	stateBuffered contentState = iota
	stateFannedOut
)

func (s contentState) String() string {
	if s == stateFannedOut {
		return telemetry.ModeFannedOut
	}
	return telemetry.ModeBuffered
}

// Topic is a named channel. While nobody listens it buffers messages in a
// shared queue; once a subscriber attaches it hands the backlog over and
// fans every later push out to each live subscriber.
type Topic struct {
	name    string
	config  *message.TopicConfig
	metrics *metrics
	logger  *log.Logger

	mu          sync.Mutex
	state       contentState
	buffer      message.Queue
	subscribers []*Subscriber
}

func newTopic(name string, cfg *message.TopicConfig, m *metrics, logger *log.Logger) *Topic {
	if logger == nil {
		logger = log.Default()
	}
	return &Topic{
		name:    name,
		config:  cfg.Clone(),
		metrics: m,
		logger:  logger,
	}
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// Push stores m in the buffer or hands it to every live subscriber.
// Dead subscribers are skipped here and reaped on the next detach.
func (t *Topic) Push(ctx context.Context, m *message.Queued) {
	start := time.Now()
	compacted, fanout := 0, 0

	t.mu.Lock()
	mode := t.state
	switch t.state {
	case stateBuffered:
		compacted = t.buffer.Push(m, t.config)
	case stateFannedOut:
		for _, sub := range t.subscribers {
			if !sub.Alive() {
				continue
			}
			compacted += sub.PushBack(m)
			fanout++
		}
	}
	t.mu.Unlock()

	t.metrics.recordPush(ctx, t.name, mode.String(), fanout, start)
	t.metrics.recordDropped(ctx, t.name, telemetry.ReasonCompaction, compacted)
}

// AddSubscriber attaches s. The first subscriber of a buffering topic
// receives the whole backlog; later ones start with an empty queue.
func (t *Topic) AddSubscriber(s *Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateBuffered {
		s.SetMessages(t.buffer.Take())
		t.subscribers = []*Subscriber{s}
		t.state = stateFannedOut
		return
	}
	t.subscribers = append(t.subscribers, s)
}

// RemoveSubscriber detaches target and reaps dead subscribers. When a single
// subscriber remains the topic falls back to buffering: it keeps the target's
// undelivered messages if the target was that subscriber, and starts empty
// otherwise.
func (t *Topic) RemoveSubscriber(target *Subscriber) {
	if target == nil || !target.Alive() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateBuffered {
		return
	}

	live := t.subscribers[:0]
	for _, sub := range t.subscribers {
		if sub.Alive() {
			live = append(live, sub)
		}
	}
	for i := len(live); i < len(t.subscribers); i++ {
		t.subscribers[i] = nil
	}
	t.subscribers = live

	switch len(live) {
	case 0:
		t.toBuffered(message.Queue{})
	case 1:
		if live[0] == target {
			t.toBuffered(target.TakeMessages())
		} else {
			t.toBuffered(message.Queue{})
		}
	default:
		for i, sub := range live {
			if sub == target {
				t.subscribers = append(live[:i], live[i+1:]...)
				live[len(live)-1] = nil
				break
			}
		}
	}
}

func (t *Topic) toBuffered(q message.Queue) {
	t.state = stateBuffered
	t.buffer = q
	t.subscribers = nil
}

// Subscribe attaches a fresh subscriber and returns the stream owning it.
func (t *Topic) Subscribe(ctx context.Context) *Stream {
	sub := newSubscriber(t)
	t.AddSubscriber(sub)
	t.metrics.recordAttach(ctx, t.name)
	t.logger.Printf("topic'%s': subscriber %s attached", t.name, sub.id)
	return newStream(sub)
}

// Mode reports whether the topic is buffering or fanning out.
func (t *Topic) Mode() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.String()
}

// Snapshot captures the topic content for diagnostics. Only live
// subscribers are listed.
func (t *Topic) Snapshot() TopicSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := TopicSnapshot{Mode: t.state.String(), Config: *t.config.Clone()}
	switch t.state {
	case stateBuffered:
		q := message.NewQueue(t.buffer.Items()...)
		snap.Content.Messages = &q
	case stateFannedOut:
		subs := make([]SubscriberSnapshot, 0, len(t.subscribers))
		for _, sub := range t.subscribers {
			if !sub.Alive() {
				continue
			}
			subs = append(subs, SubscriberSnapshot{ID: sub.id, Messages: sub.snapshot()})
		}
		snap.Content.Subscribers = subs
	}
	return snap
}

// TopicSnapshot is the diagnostic view rendered on the index page.
type TopicSnapshot struct {
	Mode    string              `json:"mode" yaml:"mode"`
	Content ContentSnapshot     `json:"content" yaml:"content"`
	Config  message.TopicConfig `json:"config" yaml:"config"`
}

// ContentSnapshot holds exactly one of the two content variants.
type ContentSnapshot struct {
	Messages    *message.Queue       `json:"Messages,omitempty" yaml:"Messages,omitempty"`
	Subscribers []SubscriberSnapshot `json:"Subscribers,omitempty" yaml:"Subscribers,omitempty"`
}

type SubscriberSnapshot struct {
	ID       uuid.UUID     `json:"id" yaml:"id"`
	Messages message.Queue `json:"messages" yaml:"messages"`
}

package broker

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/coachpo/inmembro/internal/domain/message"
)

// Subscriber is the identity and private queue of one consumer. The Topic
// lists its subscribers, but a subscriber only stays live while the Stream
// owning it is open; a dead subscriber is skipped by fan-out and reaped on
// the next detach.
type Subscriber struct {
	id     uuid.UUID
	topic  *Topic
	config *message.TopicConfig

	mu    sync.Mutex
	queue message.Queue

	notify   chan struct{}
	done     chan struct{}
	dead     atomic.Bool
	killOnce sync.Once
}

func newSubscriber(topic *Topic) *Subscriber {
	return &Subscriber{
		id:     uuid.New(),
		topic:  topic,
		config: topic.config,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// ID returns the subscriber identity used for detach lookup.
func (s *Subscriber) ID() uuid.UUID { return s.id }

// Alive reports whether the owning stream is still open.
func (s *Subscriber) Alive() bool { return !s.dead.Load() }

// PushBack enqueues m under the topic's config and wakes a parked stream.
// It returns the number of messages removed by compaction.
func (s *Subscriber) PushBack(m *message.Queued) int {
	s.mu.Lock()
	removed := s.queue.Push(m, s.config)
	s.mu.Unlock()
	s.signal()
	return removed
}

// TakeMessages swaps the queue with an empty one and returns the previous contents.
func (s *Subscriber) TakeMessages() message.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Take()
}

// SetMessages replaces the queue, typically with a topic's backlog on attach.
func (s *Subscriber) SetMessages(q message.Queue) {
	s.mu.Lock()
	s.queue = q
	pending := s.queue.Len()
	s.mu.Unlock()
	if pending > 0 {
		s.signal()
	}
}

// Pending returns the number of queued messages, including ones that may
// still expire on pop.
func (s *Subscriber) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// pop takes the next retention-valid message and reports how many expired ones were skipped.
func (s *Subscriber) pop() (*message.Queued, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Pop(s.config)
}

func (s *Subscriber) snapshot() message.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return message.NewQueue(s.queue.Items()...)
}

func (s *Subscriber) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscriber) kill() {
	s.killOnce.Do(func() {
		s.dead.Store(true)
		close(s.done)
	})
}

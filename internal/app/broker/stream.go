package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/inmembro/internal/domain/errs"
	"github.com/coachpo/inmembro/internal/domain/message"
	"github.com/coachpo/inmembro/internal/infra/telemetry"
)

// Stream delivers the messages of one subscriber in order. Closing the
// stream is the only way a subscriber leaves its topic.
type Stream struct {
	sub       *Subscriber
	opened    time.Time
	closeOnce sync.Once
}

func newStream(sub *Subscriber) *Stream {
	return &Stream{sub: sub, opened: time.Now()}
}

// ID returns the identity of the underlying subscriber.
func (s *Stream) ID() uuid.UUID { return s.sub.id }

// Subscriber exposes the subscriber owned by the stream.
func (s *Stream) Subscriber() *Subscriber { return s.sub }

// TryNext pops the next retention-valid message without waiting.
func (s *Stream) TryNext() (message.Message, bool) {
	if !s.sub.Alive() {
		return message.Message{}, false
	}
	return s.pop(context.Background())
}

// Next returns the next message, waiting until one is pushed, the stream is
// closed, or ctx is done.
func (s *Stream) Next(ctx context.Context) (message.Message, error) {
	for {
		if !s.sub.Alive() {
			return message.Message{}, errClosed(s.sub)
		}
		if m, ok := s.pop(ctx); ok {
			return m, nil
		}
		select {
		case <-s.sub.notify:
		case <-s.sub.done:
			return message.Message{}, errClosed(s.sub)
		case <-ctx.Done():
			return message.Message{}, ctx.Err()
		}
	}
}

// NextEvent returns the next message rendered as an indented JSON event payload.
func (s *Stream) NextEvent(ctx context.Context) (string, error) {
	m, err := s.Next(ctx)
	if err != nil {
		return "", err
	}
	return m.Pretty()
}

// Close detaches the subscriber from its topic. It is safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		topic := s.sub.topic
		topic.RemoveSubscriber(s.sub)
		s.sub.kill()
		topic.metrics.recordDetach(context.Background(), topic.name, time.Since(s.opened))
		topic.logger.Printf("topic'%s': subscriber %s detached", topic.name, s.sub.id)
	})
}

func (s *Stream) pop(ctx context.Context) (message.Message, bool) {
	q, expired := s.sub.pop()
	topic := s.sub.topic
	topic.metrics.recordDropped(ctx, topic.name, telemetry.ReasonRetention, expired)
	if q == nil {
		return message.Message{}, false
	}
	topic.metrics.recordDelivered(ctx, topic.name)
	return q.Content(), true
}

func errClosed(sub *Subscriber) error {
	return errs.New("broker/stream", errs.CodeUnavailable,
		errs.WithMessage("subscriber "+sub.id.String()+" is closed"))
}

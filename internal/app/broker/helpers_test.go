package broker

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/inmembro/internal/domain/message"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestRegistry(cfg message.TopicConfig) *Registry {
	return NewRegistry(Options{
		Resolver: func(string) message.TopicConfig { return cfg },
		Logger:   quietLogger(),
	})
}

func newTestTopic(cfg message.TopicConfig) *Topic {
	return newTopic("test", &cfg, newMetrics(nil), quietLogger())
}

func msg(t *testing.T, raw string) message.Message {
	t.Helper()
	m, err := message.Decode([]byte(raw))
	require.NoError(t, err)
	return m
}

func push(t *testing.T, topic *Topic, raw string) {
	t.Helper()
	topic.Push(context.Background(), message.NewQueued(msg(t, raw)))
}

func compact(t *testing.T, m message.Message) string {
	t.Helper()
	out, err := m.Compact()
	require.NoError(t, err)
	return string(out)
}

// drainNow pops everything currently deliverable on s.
func drainNow(t *testing.T, s *Stream) []string {
	t.Helper()
	var out []string
	for {
		m, ok := s.TryNext()
		if !ok {
			return out
		}
		out = append(out, compact(t, m))
	}
}

func nextWithin(t *testing.T, s *Stream, d time.Duration) message.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	m, err := s.Next(ctx)
	require.NoError(t, err)
	return m
}

func boolPtr(v bool) *bool    { return &v }
func u64Ptr(v uint64) *uint64 { return &v }

// Package broker implements the in-memory topic state machine: a registry of
// named topics, per-subscriber delivery queues and the streams that drain them.
package broker

import (
	"context"
	"log"
	"net/http"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/inmembro/internal/domain/errs"
	"github.com/coachpo/inmembro/internal/domain/message"
)

// ConfigResolver supplies the config a topic is created with.
type ConfigResolver func(name string) message.TopicConfig

// Options configures a Registry.
type Options struct {
	Resolver ConfigResolver
	Logger   *log.Logger
	Meter    metric.Meter
}

// Registry maps topic names to topics. Topics are created at most once and
// never removed.
type Registry struct {
	mu       sync.RWMutex
	topics   map[string]*Topic
	resolver ConfigResolver
	logger   *log.Logger
	metrics  *metrics
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = func(string) message.TopicConfig { return message.TopicConfig{} }
	}
	return &Registry{
		topics:   make(map[string]*Topic),
		resolver: resolver,
		logger:   logger,
		metrics:  newMetrics(opts.Meter),
	}
}

// Lookup returns the named topic if it exists.
func (r *Registry) Lookup(name string) (*Topic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.topics[name]
	return t, ok
}

// EnsureTopic returns the named topic, creating it when absent. created
// reports whether this call inserted it.
func (r *Registry) EnsureTopic(ctx context.Context, name string) (*Topic, bool, error) {
	if name == "" {
		return nil, false, errs.New("broker/ensure", errs.CodeInvalid,
			errs.WithMessage("topic name must not be empty"), errs.WithHTTP(http.StatusBadRequest))
	}
	if t, ok := r.Lookup(name); ok {
		return t, false, nil
	}

	cfg := r.resolver(name)
	r.mu.Lock()
	if t, ok := r.topics[name]; ok {
		r.mu.Unlock()
		return t, false, nil
	}
	t := newTopic(name, &cfg, r.metrics, r.logger)
	r.topics[name] = t
	r.mu.Unlock()

	r.metrics.recordTopicCreated(ctx, name)
	r.logger.Printf("created topic'%s'", name)
	return t, true, nil
}

// CreateTopic creates the named topic and fails with a conflict when it
// already exists.
func (r *Registry) CreateTopic(ctx context.Context, name string) (*Topic, error) {
	t, created, err := r.EnsureTopic(ctx, name)
	if err != nil {
		return nil, err
	}
	if !created {
		return t, errs.New("broker/create", errs.CodeConflict,
			errs.WithMessage("topic'"+name+"' already exists"), errs.WithHTTP(http.StatusConflict))
	}
	return t, nil
}

// Push publishes msg to the named topic, creating the topic on first use.
func (r *Registry) Push(ctx context.Context, name string, msg message.Message) (bool, error) {
	t, created, err := r.EnsureTopic(ctx, name)
	if err != nil {
		return false, err
	}
	t.Push(ctx, message.NewQueued(msg))
	return created, nil
}

// Subscribe attaches a new stream to the named topic, creating the topic on
// first use. Callers must Close the stream.
func (r *Registry) Subscribe(ctx context.Context, name string) (*Stream, error) {
	t, _, err := r.EnsureTopic(ctx, name)
	if err != nil {
		return nil, err
	}
	return t.Subscribe(ctx), nil
}

// Names returns the topic names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.topics))
	for name := range r.topics {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Len returns the number of topics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

// Snapshot returns the diagnostic view of every topic.
func (r *Registry) Snapshot() map[string]TopicSnapshot {
	r.mu.RLock()
	topics := make([]*Topic, 0, len(r.topics))
	for _, t := range r.topics {
		topics = append(topics, t)
	}
	r.mu.RUnlock()

	out := make(map[string]TopicSnapshot, len(topics))
	for _, t := range topics {
		out[t.name] = t.Snapshot()
	}
	return out
}

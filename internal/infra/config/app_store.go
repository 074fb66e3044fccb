package config

import (
	"reflect"
	"sync"

	"github.com/coachpo/inmembro/internal/domain/message"
)

// AppConfigStore holds the canonical application configuration and allows
// it to be swapped at runtime, for example on reload. Topics already created
// keep the config they were created with.
type AppConfigStore struct {
	mu  sync.RWMutex
	cfg AppConfig
}

// NewAppConfigStore constructs a configuration store seeded with the supplied configuration snapshot.
func NewAppConfigStore(initial AppConfig) (*AppConfigStore, error) {
	clone := initial.Clone()
	if err := clone.normalise(); err != nil {
		return nil, err
	}
	if err := clone.Validate(); err != nil {
		return nil, err
	}
	return &AppConfigStore{cfg: clone}, nil
}

// Snapshot returns a deep copy of the current application configuration.
func (s *AppConfigStore) Snapshot() AppConfig {
	if s == nil {
		return DefaultAppConfig()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// TopicConfigFor resolves a topic config against the current snapshot.
func (s *AppConfigStore) TopicConfigFor(name string) message.TopicConfig {
	if s == nil {
		return message.TopicConfig{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.TopicConfigFor(name)
}

// Replace swaps the entire application configuration snapshot. It reports
// whether the stored configuration changed.
func (s *AppConfigStore) Replace(cfg AppConfig) (bool, error) {
	if s == nil {
		return false, nil
	}
	updated := cfg.Clone()
	if err := updated.normalise(); err != nil {
		return false, err
	}
	if err := updated.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if reflect.DeepEqual(s.cfg, updated) {
		return false, nil
	}
	s.cfg = updated
	return true, nil
}

package message

// TopicConfig holds the per-topic delivery policies. A topic's config is an
// immutable snapshot shared by pointer with all of its subscribers.
type TopicConfig struct {
	// RetentionMillis, when set, is the maximum age a message may reach before
	// it is dropped on pop.
	RetentionMillis *uint64 `json:"retention_millis,omitempty" yaml:"retention_millis,omitempty"`
	// Compaction, when true, keeps only the latest message per key.
	Compaction *bool `json:"compaction,omitempty" yaml:"compaction,omitempty"`
}

// CompactionEnabled reports whether compaction is switched on. Absent means off.
func (c *TopicConfig) CompactionEnabled() bool {
	return c != nil && c.Compaction != nil && *c.Compaction
}

// Retention returns the retention bound in milliseconds when configured.
func (c *TopicConfig) Retention() (uint64, bool) {
	if c == nil || c.RetentionMillis == nil {
		return 0, false
	}
	return *c.RetentionMillis, true
}

// Clone returns a deep copy so callers cannot alias a shared snapshot.
func (c *TopicConfig) Clone() *TopicConfig {
	if c == nil {
		return &TopicConfig{}
	}
	out := &TopicConfig{}
	if c.RetentionMillis != nil {
		v := *c.RetentionMillis
		out.RetentionMillis = &v
	}
	if c.Compaction != nil {
		v := *c.Compaction
		out.Compaction = &v
	}
	return out
}

package message

import json "github.com/goccy/go-json"

// Queue is an ordered buffer of shared queued messages. Insertion order is
// delivery order. The zero value is an empty queue. Queue is not safe for
// concurrent use; owners guard it with their own lock.
type Queue struct {
	items []*Queued
}

// NewQueue builds a queue holding items in order.
func NewQueue(items ...*Queued) Queue {
	return Queue{items: append([]*Queued(nil), items...)}
}

// Len returns the number of queued messages.
func (q *Queue) Len() int { return len(q.items) }

// Items returns a snapshot of the queued messages in delivery order.
func (q *Queue) Items() []*Queued {
	return append([]*Queued(nil), q.items...)
}

// Push appends m. With compaction enabled and a keyed m, every queued message
// sharing that key is removed first. It returns the number of removed messages.
func (q *Queue) Push(m *Queued, cfg *TopicConfig) int {
	removed := 0
	if key, ok := m.content.KeyValue(); ok && cfg.CompactionEnabled() {
		kept := q.items[:0]
		for _, item := range q.items {
			if k, has := item.content.KeyValue(); has && k == key {
				removed++
				continue
			}
			kept = append(kept, item)
		}
		for i := len(kept); i < len(q.items); i++ {
			q.items[i] = nil
		}
		q.items = kept
	}
	q.items = append(q.items, m)
	return removed
}

// Pop removes and returns the head, silently discarding heads older than the
// retention bound. It returns nil once the queue is exhausted, along with the
// number of discarded messages.
func (q *Queue) Pop(cfg *TopicConfig) (*Queued, int) {
	expired := 0
	retention, bounded := cfg.Retention()
	for len(q.items) > 0 {
		head := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		if bounded && uint64(head.Elapsed().Milliseconds()) > retention {
			expired++
			continue
		}
		return head, expired
	}
	q.items = nil
	return nil, expired
}

// Take empties the queue and returns its previous contents.
func (q *Queue) Take() Queue {
	out := Queue{items: q.items}
	q.items = nil
	return out
}

// MarshalJSON renders the queued messages as a JSON array.
func (q Queue) MarshalJSON() ([]byte, error) {
	items := q.items
	if items == nil {
		items = []*Queued{}
	}
	return json.Marshal(items)
}

// MarshalYAML renders the queued messages as a sequence.
func (q Queue) MarshalYAML() (interface{}, error) {
	if q.items == nil {
		return []*Queued{}, nil
	}
	return q.items, nil
}

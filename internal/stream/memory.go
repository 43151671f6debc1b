package stream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryLog is an in-process Log with the same observable semantics as the
// Redis implementation: per-group cursors, at-least-once delivery, and
// ordered entries. Unacknowledged entries are redelivered ahead of new
// ones, which is what the Redis deployment achieves via claim/pending
// handling. Used by tests and by single-process development mode.
type MemoryLog struct {
	mu     sync.Mutex
	topics map[string]*memTopic
}

type memTopic struct {
	entries []Entry
	nextSeq int64
	groups  map[string]*memGroup
}

type memGroup struct {
	cursor  int              // index into entries of the next never-delivered entry
	pending map[string]Entry // delivered but not acknowledged
}

// NewMemoryLog returns an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{topics: make(map[string]*memTopic)}
}

func (l *MemoryLog) topic(name string) *memTopic {
	t, ok := l.topics[name]
	if !ok {
		t = &memTopic{nextSeq: 1, groups: make(map[string]*memGroup)}
		l.topics[name] = t
	}
	return t
}

func (l *MemoryLog) Append(_ context.Context, topic string, fields map[string]string, maxLen int64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.topic(topic)
	id := fmt.Sprintf("%d-0", t.nextSeq)
	t.nextSeq++
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	t.entries = append(t.entries, Entry{ID: id, Fields: copied})

	if maxLen > 0 && int64(len(t.entries)) > maxLen {
		trim := int64(len(t.entries)) - maxLen
		t.entries = t.entries[trim:]
		for _, g := range t.groups {
			g.cursor -= int(trim)
			if g.cursor < 0 {
				g.cursor = 0
			}
		}
	}
	return id, nil
}

func (l *MemoryLog) CreateGroup(_ context.Context, topic, group string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.topic(topic)
	if _, exists := t.groups[group]; exists {
		return nil
	}
	t.groups[group] = &memGroup{cursor: len(t.entries), pending: make(map[string]Entry)}
	return nil
}

func (l *MemoryLog) ReadGroup(ctx context.Context, topic, group, _ string, count int64, block time.Duration) ([]Entry, error) {
	deadline := time.Now().Add(block)
	for {
		entries, err := l.tryReadGroup(topic, group, count)
		if err != nil || len(entries) > 0 {
			return entries, err
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (l *MemoryLog) tryReadGroup(topic, group string, count int64) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.topic(topic)
	g, ok := t.groups[group]
	if !ok {
		return nil, fmt.Errorf("no such group %q on %q", group, topic)
	}

	var out []Entry
	// Redeliver unacknowledged entries first, in id order.
	if len(g.pending) > 0 {
		ids := make([]string, 0, len(g.pending))
		for id := range g.pending {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if int64(len(out)) >= count {
				return out, nil
			}
			out = append(out, g.pending[id])
		}
	}
	for g.cursor < len(t.entries) && int64(len(out)) < count {
		e := t.entries[g.cursor]
		g.cursor++
		g.pending[e.ID] = e
		out = append(out, e)
	}
	return out, nil
}

func (l *MemoryLog) Ack(_ context.Context, topic, group string, ids ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.topic(topic)
	g, ok := t.groups[group]
	if !ok {
		return fmt.Errorf("no such group %q on %q", group, topic)
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (l *MemoryLog) Tail(ctx context.Context, topic, lastID string, count int64, block time.Duration) ([]Entry, string, error) {
	deadline := time.Now().Add(block)
	for {
		entries, next := l.tryTail(topic, lastID, count)
		if len(entries) > 0 {
			return entries, next, nil
		}
		lastID = next
		if time.Now().After(deadline) {
			return nil, lastID, nil
		}
		select {
		case <-ctx.Done():
			return nil, lastID, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (l *MemoryLog) tryTail(topic, lastID string, count int64) ([]Entry, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.topic(topic)
	if lastID == "$" {
		if len(t.entries) == 0 {
			return nil, "0-0"
		}
		return nil, t.entries[len(t.entries)-1].ID
	}

	start := len(t.entries)
	for i, e := range t.entries {
		if idLess(lastID, e.ID) {
			start = i
			break
		}
	}
	var out []Entry
	for i := start; i < len(t.entries) && int64(len(out)) < count; i++ {
		out = append(out, t.entries[i])
	}
	if len(out) > 0 {
		return out, out[len(out)-1].ID
	}
	return nil, lastID
}

// idLess compares "seq-0" style ids numerically.
func idLess(a, b string) bool {
	var as, bs int64
	fmt.Sscanf(a, "%d", &as)
	fmt.Sscanf(b, "%d", &bs)
	return as < bs
}

// UnackedCount reports the pending entry count for a group. Test helper.
func (l *MemoryLog) UnackedCount(topic, group string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.topic(topic)
	if g, ok := t.groups[group]; ok {
		return len(g.pending)
	}
	return 0
}

// Len reports the entry count of a topic. Test helper.
func (l *MemoryLog) Len(topic string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.topic(topic).entries)
}

// Entries returns a snapshot of a topic's entries. Test helper.
func (l *MemoryLog) Entries(topic string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.topic(topic)
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

func (l *MemoryLog) Close() error { return nil }

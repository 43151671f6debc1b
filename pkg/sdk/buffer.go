package sdk

import "sync"

// ringBuffer is a fixed-capacity drop-oldest queue of completed spans.
// Observability must never block the host or grow without bound: at
// capacity the oldest span is discarded, keeping the most recent activity,
// which is what matters during an incident.
type ringBuffer struct {
	mu      sync.Mutex
	items   []*Span
	head    int
	count   int
	dropped int64
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = 2048
	}
	return &ringBuffer{items: make([]*Span, capacity)}
}

// add appends a span, evicting the oldest when full.
func (b *ringBuffer) add(s *Span) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == len(b.items) {
		// overwrite the oldest slot
		b.items[b.head] = s
		b.head = (b.head + 1) % len(b.items)
		b.dropped++
		return
	}
	b.items[(b.head+b.count)%len(b.items)] = s
	b.count++
}

// drain removes and returns all buffered spans in insertion order.
func (b *ringBuffer) drain() []*Span {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return nil
	}
	out := make([]*Span, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.items[(b.head+i)%len(b.items)]
		b.items[(b.head+i)%len(b.items)] = nil
	}
	b.head = 0
	b.count = 0
	return out
}

func (b *ringBuffer) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *ringBuffer) droppedCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

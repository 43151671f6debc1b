package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentstack/agentstack/internal/stream"
)

// recordingHandler acks everything it sees unless failOn matches.
type recordingHandler struct {
	mu      sync.Mutex
	seen    []string
	failOn  map[string]bool
	flushed []string
}

func (h *recordingHandler) Process(_ context.Context, entry stream.Entry) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, entry.ID)
	if h.failOn[entry.ID] {
		return nil, errors.New("induced failure")
	}
	return []string{entry.ID}, nil
}

func (h *recordingHandler) Tick(context.Context) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.flushed
	h.flushed = nil
	return out, nil
}

func (h *recordingHandler) Flush(ctx context.Context) ([]string, error) {
	return h.Tick(ctx)
}

func (h *recordingHandler) seenIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.seen))
	copy(out, h.seen)
	return out
}

func runBriefly(t *testing.T, c *Consumer, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if err := c.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run returned %v", err)
	}
}

func TestConsumer_ProcessAndAck(t *testing.T) {
	log := stream.NewMemoryLog()
	ctx := context.Background()
	log.CreateGroup(ctx, "topic", "g")
	for i := 0; i < 3; i++ {
		log.Append(ctx, "topic", map[string]string{"k": "v"}, 0)
	}

	h := &recordingHandler{}
	c := New(log, Options{
		Topic: "topic", Group: "g", Consumer: "c1",
		BatchSize: 10, PollInterval: 20 * time.Millisecond,
	}, h)
	runBriefly(t, c, 300*time.Millisecond)

	if got := len(h.seenIDs()); got != 3 {
		t.Errorf("handler saw %d entries, want 3", got)
	}
	if n := log.UnackedCount("topic", "g"); n != 0 {
		t.Errorf("UnackedCount = %d, want 0", n)
	}
}

func TestConsumer_FailedEntryStaysPending(t *testing.T) {
	log := stream.NewMemoryLog()
	ctx := context.Background()
	log.CreateGroup(ctx, "topic", "g")
	id, _ := log.Append(ctx, "topic", map[string]string{"k": "v"}, 0)
	log.Append(ctx, "topic", map[string]string{"k": "v"}, 0)

	h := &recordingHandler{failOn: map[string]bool{id: true}}
	c := New(log, Options{
		Topic: "topic", Group: "g", Consumer: "c1",
		BatchSize: 10, PollInterval: 20 * time.Millisecond,
	}, h)
	runBriefly(t, c, 300*time.Millisecond)

	// The failing entry is never acked and keeps getting redelivered.
	if n := log.UnackedCount("topic", "g"); n != 1 {
		t.Errorf("UnackedCount = %d, want 1", n)
	}
	seen := 0
	for _, sid := range h.seenIDs() {
		if sid == id {
			seen++
		}
	}
	if seen < 2 {
		t.Errorf("failing entry delivered %d times, want at least 2", seen)
	}
}

func TestConsumer_TickAcksFlushedIDs(t *testing.T) {
	log := stream.NewMemoryLog()
	ctx := context.Background()
	log.CreateGroup(ctx, "topic", "g")
	id, _ := log.Append(ctx, "topic", map[string]string{"k": "v"}, 0)

	// Handler that defers the ack to its flush, like the batching workers.
	h := &batchingHandler{}
	c := New(log, Options{
		Topic: "topic", Group: "g", Consumer: "c1",
		BatchSize: 10, PollInterval: 20 * time.Millisecond,
	}, h)
	runBriefly(t, c, 300*time.Millisecond)

	if n := log.UnackedCount("topic", "g"); n != 0 {
		t.Errorf("UnackedCount = %d, want 0 (flushed id %s should be acked)", n, id)
	}
}

type batchingHandler struct {
	mu      sync.Mutex
	pending []string
}

func (h *batchingHandler) Process(_ context.Context, entry stream.Entry) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = append(h.pending, entry.ID)
	return nil, nil
}

func (h *batchingHandler) Tick(context.Context) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.pending
	h.pending = nil
	return out, nil
}

func (h *batchingHandler) Flush(ctx context.Context) ([]string, error) {
	return h.Tick(ctx)
}

// holdingHandler buffers everything and only releases ids on the
// shutdown flush, like a batching worker whose batch is still young.
type holdingHandler struct {
	mu      sync.Mutex
	pending []string
}

func (h *holdingHandler) Process(_ context.Context, entry stream.Entry) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = append(h.pending, entry.ID)
	return nil, nil
}

func (h *holdingHandler) Tick(context.Context) ([]string, error) { return nil, nil }

func (h *holdingHandler) Flush(context.Context) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.pending
	h.pending = nil
	return out, nil
}

func TestConsumer_DrainFlushesOnShutdown(t *testing.T) {
	log := stream.NewMemoryLog()
	ctx := context.Background()
	log.CreateGroup(ctx, "topic", "g")
	for i := 0; i < 3; i++ {
		log.Append(ctx, "topic", map[string]string{"k": "v"}, 0)
	}

	// Tick never releases anything, so only the shutdown drain can ack.
	h := &holdingHandler{}
	c := New(log, Options{
		Topic: "topic", Group: "g", Consumer: "c1",
		BatchSize: 10, PollInterval: 20 * time.Millisecond,
	}, h)
	runBriefly(t, c, 200*time.Millisecond)

	if n := log.UnackedCount("topic", "g"); n != 0 {
		t.Errorf("UnackedCount after shutdown = %d, want 0 (drain must force a flush)", n)
	}
}

func TestConsumer_DefaultOptions(t *testing.T) {
	c := New(stream.NewMemoryLog(), Options{Topic: "t", Group: "g"}, &recordingHandler{})
	if c.opts.BatchSize != 10 {
		t.Errorf("BatchSize default = %d, want 10", c.opts.BatchSize)
	}
	if c.opts.PollInterval != time.Second {
		t.Errorf("PollInterval default = %v, want 1s", c.opts.PollInterval)
	}
}

package sdk

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentstack/agentstack/pkg/model"
)

// replayBatchLimit caps how many fallback rows one replay pass re-sends.
const replayBatchLimit = 100

// replayEvery is how many export ticks pass between fallback replays,
// roughly 30s at the default 5s interval.
const replayEvery = 6

// ExporterStats is a snapshot of exporter counters.
type ExporterStats struct {
	Exported int64
	Failed   int64
	Fallback int64
	Buffered int
	Dropped  int64
}

// Exporter is the single background worker that moves ended spans out of
// the process: ring buffer → transport → fallback store → replay.
type Exporter struct {
	buf       *ringBuffer
	transport *Transport
	store     *LocalStore
	batchSize int
	interval  time.Duration

	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool

	// Replay is paced so a recovering collector is not hammered with the
	// whole backlog at once.
	replayLimiter *rate.Limiter

	mu       sync.Mutex
	exported int64
	failed   int64
	fallback int64
}

// NewExporter wires an exporter from its parts. transport and store may
// each be nil: no transport means fallback-only, no store means failures
// are dropped after retries.
func NewExporter(transport *Transport, store *LocalStore, batchSize int, interval time.Duration, queueSize int) *Exporter {
	if batchSize <= 0 {
		batchSize = 64
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Exporter{
		buf:           newRingBuffer(queueSize),
		transport:     transport,
		store:         store,
		batchSize:     batchSize,
		interval:      interval,
		flushCh:       make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		replayLimiter: rate.NewLimiter(rate.Every(time.Second), 2),
	}
}

// Start launches the background loop. Safe to call more than once.
func (e *Exporter) Start() {
	e.startOnce.Do(func() {
		e.started.Store(true)
		go e.loop()
	})
}

// Add queues an ended span and signals a flush once a full batch is ready.
// Returns immediately; never blocks the caller.
func (e *Exporter) Add(s *Span) {
	e.buf.add(s)
	if e.buf.size() >= e.batchSize {
		e.signalFlush()
	}
}

// Flush asks the background loop to export the current buffer contents.
func (e *Exporter) Flush() {
	e.signalFlush()
}

func (e *Exporter) signalFlush() {
	select {
	case e.flushCh <- struct{}{}:
	default:
	}
}

func (e *Exporter) loop() {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-e.stopCh:
			e.exportOnce()
			return
		case <-e.flushCh:
			e.exportOnce()
		case <-ticker.C:
			e.exportOnce()
			ticks++
			if ticks >= replayEvery {
				ticks = 0
				e.replayUnsent()
			}
		}
	}
}

// exportOnce drains the buffer and pushes one batch through the pipeline.
func (e *Exporter) exportOnce() {
	spans := e.buf.drain()
	if len(spans) == 0 {
		return
	}

	records := make([]*model.SpanRecord, 0, len(spans))
	for _, s := range spans {
		records = append(records, s.Record())
	}

	if e.transport != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 40*time.Second)
		res := e.transport.Send(ctx, records)
		cancel()
		if res.Success {
			e.mu.Lock()
			e.exported += int64(len(records))
			e.mu.Unlock()
			return
		}
		slog.Debug("agentstack: export failed, using fallback",
			"spans", len(records), "status", res.StatusCode, "error", res.Err)
		e.mu.Lock()
		e.failed += int64(len(records))
		e.mu.Unlock()
	}

	if e.store != nil {
		saved := e.store.SaveSpans(records)
		e.mu.Lock()
		e.fallback += int64(saved)
		e.mu.Unlock()
	}
}

// replayUnsent re-sends a slice of the fallback backlog and marks
// delivered rows as sent.
func (e *Exporter) replayUnsent() {
	if e.transport == nil || e.store == nil {
		return
	}
	if !e.replayLimiter.Allow() {
		return
	}

	unsent := e.store.GetUnsent(replayBatchLimit)
	if len(unsent) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Second)
	res := e.transport.Send(ctx, unsent)
	cancel()
	if !res.Success {
		return
	}

	ids := make([]string, len(unsent))
	for i, rec := range unsent {
		ids[i] = rec.SpanID
	}
	e.store.MarkSent(ids)
	e.store.DeleteSent()
	e.mu.Lock()
	e.exported += int64(len(ids))
	e.mu.Unlock()
	slog.Debug("agentstack: replayed fallback spans", "count", len(ids))
}

// Shutdown flushes once more and stops the loop, waiting up to timeout.
func (e *Exporter) Shutdown(timeout time.Duration) {
	if !e.started.Load() {
		return
	}
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	select {
	case <-e.doneCh:
	case <-time.After(timeout):
		slog.Warn("agentstack: exporter shutdown timed out")
	}
}

// Stats returns a snapshot of the exporter counters.
func (e *Exporter) Stats() ExporterStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ExporterStats{
		Exported: e.exported,
		Failed:   e.failed,
		Fallback: e.fallback,
		Buffered: e.buf.size(),
		Dropped:  e.buf.droppedCount(),
	}
}

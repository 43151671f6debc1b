// Package workers holds the stream consumers that fan spans out into the
// analytical store: the span writer, the cost meter, and (in the security
// subpackage) the threat detector.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentstack/agentstack/internal/analytics"
	"github.com/agentstack/agentstack/internal/consumer"
	"github.com/agentstack/agentstack/internal/stream"
	"github.com/agentstack/agentstack/pkg/model"
)

const (
	writerGroup      = "writer-group"
	writerBatchLimit = 1000
	writerFlushEvery = time.Second
)

// Writer buffers decoded spans and bulk-inserts them. Entries are only
// acknowledged after their batch lands, so an insert failure keeps the
// whole batch pending for redelivery. The spans table collapses the
// resulting duplicates.
type Writer struct {
	sink      analytics.SpanSink
	batchSize int

	buf       []*model.SpanRecord
	ids       []string
	lastFlush time.Time
}

// NewWriter builds the handler. batchSize <= 0 uses the default.
func NewWriter(sink analytics.SpanSink, batchSize int) *Writer {
	if batchSize <= 0 {
		batchSize = writerBatchLimit
	}
	return &Writer{
		sink:      sink,
		batchSize: batchSize,
		lastFlush: time.Now(),
	}
}

// WriterOptions returns the consumer options the writer runs under.
func WriterOptions(name string) consumer.Options {
	return consumer.Options{
		Topic:        stream.TopicSpans,
		Group:        writerGroup,
		Consumer:     name,
		BatchSize:    writerBatchLimit,
		PollInterval: time.Second,
	}
}

func (w *Writer) Process(_ context.Context, entry stream.Entry) ([]string, error) {
	payload, ok := entry.Fields[stream.SpanField]
	if !ok {
		// Malformed entry; ack so it does not loop forever.
		slog.Warn("span entry missing data field", "entry_id", entry.ID)
		return []string{entry.ID}, nil
	}
	rec, err := model.DecodeSpan([]byte(payload))
	if err != nil {
		slog.Warn("span decode failed", "entry_id", entry.ID, "error", err)
		return []string{entry.ID}, nil
	}
	w.buf = append(w.buf, rec)
	w.ids = append(w.ids, entry.ID)
	return nil, nil
}

func (w *Writer) Tick(ctx context.Context) ([]string, error) {
	if len(w.buf) == 0 {
		w.lastFlush = time.Now()
		return nil, nil
	}
	if len(w.buf) < w.batchSize && time.Since(w.lastFlush) < writerFlushEvery {
		return nil, nil
	}
	return w.flush(ctx)
}

// Flush force-writes the buffer regardless of batch thresholds. The
// consumer calls it once at shutdown.
func (w *Writer) Flush(ctx context.Context) ([]string, error) {
	if len(w.buf) == 0 {
		return nil, nil
	}
	return w.flush(ctx)
}

func (w *Writer) flush(ctx context.Context) ([]string, error) {
	if err := w.sink.InsertSpans(ctx, w.buf); err != nil {
		// Keep the batch; redelivery plus ReplacingMergeTree makes the
		// retry safe.
		return nil, fmt.Errorf("insert spans: %w", err)
	}
	acked := w.ids
	slog.Debug("span batch written", "count", len(w.buf))
	w.buf = nil
	w.ids = nil
	w.lastFlush = time.Now()
	return acked, nil
}

// Pending reports buffered span count. Test helper.
func (w *Writer) Pending() int { return len(w.buf) }

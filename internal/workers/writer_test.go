package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentstack/agentstack/internal/stream"
	"github.com/agentstack/agentstack/pkg/model"
)

type fakeSpanSink struct {
	batches [][]*model.SpanRecord
	fail    bool
}

func (f *fakeSpanSink) InsertSpans(_ context.Context, spans []*model.SpanRecord) error {
	if f.fail {
		return errors.New("clickhouse down")
	}
	f.batches = append(f.batches, spans)
	return nil
}

func spanEntry(t *testing.T, id, spanID string) stream.Entry {
	t.Helper()
	data, err := model.EncodeSpan(&model.SpanRecord{
		TraceID: "t1", SpanID: spanID, Name: "op",
		StartTime: 100, EndTime: 200, Status: model.StatusOK, ProjectID: "p1",
	})
	if err != nil {
		t.Fatalf("EncodeSpan: %v", err)
	}
	return stream.Entry{ID: id, Fields: map[string]string{stream.SpanField: string(data)}}
}

func TestWriter_BuffersUntilFlush(t *testing.T) {
	sink := &fakeSpanSink{}
	w := NewWriter(sink, 1000)
	ctx := context.Background()

	ids, err := w.Process(ctx, spanEntry(t, "1-0", "a"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("Process acked %v before flush", ids)
	}
	if w.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", w.Pending())
	}
}

func TestWriter_FlushOnBatchSize(t *testing.T) {
	sink := &fakeSpanSink{}
	w := NewWriter(sink, 2)
	ctx := context.Background()

	w.Process(ctx, spanEntry(t, "1-0", "a"))
	w.Process(ctx, spanEntry(t, "2-0", "b"))

	acked, err := w.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(acked) != 2 {
		t.Fatalf("acked %d ids, want 2", len(acked))
	}
	if len(sink.batches) != 1 || len(sink.batches[0]) != 2 {
		t.Errorf("sink batches = %v", sink.batches)
	}
	if w.Pending() != 0 {
		t.Errorf("Pending after flush = %d", w.Pending())
	}
}

func TestWriter_FlushOnInterval(t *testing.T) {
	sink := &fakeSpanSink{}
	w := NewWriter(sink, 1000)
	ctx := context.Background()

	w.Process(ctx, spanEntry(t, "1-0", "a"))
	w.lastFlush = time.Now().Add(-2 * writerFlushEvery)

	acked, err := w.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(acked) != 1 {
		t.Errorf("acked %d ids, want 1", len(acked))
	}
}

func TestWriter_RetainsBatchOnInsertFailure(t *testing.T) {
	sink := &fakeSpanSink{fail: true}
	w := NewWriter(sink, 1)
	ctx := context.Background()

	w.Process(ctx, spanEntry(t, "1-0", "a"))
	acked, err := w.Tick(ctx)
	if err == nil {
		t.Fatal("Tick succeeded against a failing sink")
	}
	if len(acked) != 0 {
		t.Errorf("acked %v on failure", acked)
	}
	if w.Pending() != 1 {
		t.Errorf("Pending = %d, batch must be retained", w.Pending())
	}

	// Sink recovers; the retained batch flushes and acks.
	sink.fail = false
	acked, err = w.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick after recovery: %v", err)
	}
	if len(acked) != 1 {
		t.Errorf("acked %d ids after recovery, want 1", len(acked))
	}
}

func TestWriter_ShutdownFlushIgnoresThresholds(t *testing.T) {
	sink := &fakeSpanSink{}
	w := NewWriter(sink, 1000)
	ctx := context.Background()

	// One span: far below the batch size and younger than the interval,
	// so Tick declines but the shutdown flush must not.
	w.Process(ctx, spanEntry(t, "1-0", "a"))
	if acked, _ := w.Tick(ctx); len(acked) != 0 {
		t.Fatalf("Tick flushed a young batch: %v", acked)
	}

	acked, err := w.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(acked) != 1 {
		t.Errorf("acked %d ids, want 1", len(acked))
	}
	if len(sink.batches) != 1 || len(sink.batches[0]) != 1 {
		t.Errorf("sink batches = %v", sink.batches)
	}
	if w.Pending() != 0 {
		t.Errorf("Pending after Flush = %d", w.Pending())
	}

	// Nothing buffered: Flush is a no-op.
	if acked, err := w.Flush(ctx); err != nil || len(acked) != 0 {
		t.Errorf("empty Flush = %v, %v", acked, err)
	}
}

func TestWriter_MalformedEntriesAckedImmediately(t *testing.T) {
	w := NewWriter(&fakeSpanSink{}, 10)
	ctx := context.Background()

	tests := []struct {
		name  string
		entry stream.Entry
	}{
		{"missing field", stream.Entry{ID: "1-0", Fields: map[string]string{}}},
		{"garbage payload", stream.Entry{ID: "2-0", Fields: map[string]string{stream.SpanField: "not msgpack"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, err := w.Process(ctx, tt.entry)
			if err != nil {
				t.Fatalf("Process: %v", err)
			}
			if len(ids) != 1 || ids[0] != tt.entry.ID {
				t.Errorf("acked %v, want [%s]", ids, tt.entry.ID)
			}
		})
	}
	if w.Pending() != 0 {
		t.Errorf("malformed entries buffered: %d", w.Pending())
	}
}

package sdk

import (
	"path/filepath"
	"testing"

	"github.com/agentstack/agentstack/pkg/model"
)

func tempStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := OpenLocalStore(filepath.Join(t.TempDir(), "fallback.db"))
	if err != nil {
		t.Fatalf("OpenLocalStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func record(spanID string) *model.SpanRecord {
	return &model.SpanRecord{
		TraceID: "trace-1", SpanID: spanID, Name: "op",
		StartTime: 1, EndTime: 2, Status: model.StatusOK,
	}
}

func TestLocalStore_SaveAndGetUnsent(t *testing.T) {
	store := tempStore(t)

	saved := store.SaveSpans([]*model.SpanRecord{record("a"), record("b")})
	if saved != 2 {
		t.Fatalf("saved = %d, want 2", saved)
	}
	if n := store.UnsentCount(); n != 2 {
		t.Errorf("UnsentCount = %d, want 2", n)
	}

	unsent := store.GetUnsent(10)
	if len(unsent) != 2 {
		t.Fatalf("GetUnsent returned %d rows", len(unsent))
	}
	if unsent[0].SpanID != "a" || unsent[1].SpanID != "b" {
		t.Errorf("order = %s,%s; want a,b", unsent[0].SpanID, unsent[1].SpanID)
	}
}

func TestLocalStore_UpsertResetsSent(t *testing.T) {
	store := tempStore(t)

	store.SaveSpans([]*model.SpanRecord{record("a")})
	store.MarkSent([]string{"a"})
	if n := store.UnsentCount(); n != 0 {
		t.Fatalf("UnsentCount after MarkSent = %d", n)
	}

	// Re-saving the same span id must make it deliverable again.
	store.SaveSpans([]*model.SpanRecord{record("a")})
	if n := store.UnsentCount(); n != 1 {
		t.Errorf("UnsentCount after re-save = %d, want 1", n)
	}
}

func TestLocalStore_MarkSentAndDelete(t *testing.T) {
	store := tempStore(t)
	store.SaveSpans([]*model.SpanRecord{record("a"), record("b"), record("c")})

	if n := store.MarkSent([]string{"a", "c"}); n != 2 {
		t.Errorf("MarkSent = %d, want 2", n)
	}
	// Idempotent.
	if n := store.MarkSent([]string{"a"}); n != 1 {
		t.Errorf("repeat MarkSent = %d, want 1", n)
	}

	if n := store.DeleteSent(); n != 2 {
		t.Errorf("DeleteSent = %d, want 2", n)
	}
	if n := store.UnsentCount(); n != 1 {
		t.Errorf("UnsentCount = %d, want 1", n)
	}
}

func TestLocalStore_GetUnsentLimit(t *testing.T) {
	store := tempStore(t)
	store.SaveSpans([]*model.SpanRecord{record("a"), record("b"), record("c")})

	if got := store.GetUnsent(2); len(got) != 2 {
		t.Errorf("GetUnsent(2) returned %d rows", len(got))
	}
}

func TestLocalStore_ExportJSON(t *testing.T) {
	store := tempStore(t)
	store.SaveSpans([]*model.SpanRecord{record("a"), record("b")})

	out := filepath.Join(t.TempDir(), "export.json")
	n, err := store.ExportJSON(out)
	if err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}
	if n != 2 {
		t.Errorf("exported %d records, want 2", n)
	}
}

package journal

import (
	"context"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	return store
}

func TestInsertAndRecent(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()

	ctx := context.Background()
	entries := []Entry{
		{Direction: DirectionOutbound, Operation: "getWidget", CorrelationID: "c1", Outcome: "success", Duration: 12 * time.Millisecond},
		{Direction: DirectionInbound, Operation: "getWidget", CorrelationID: "c1", Outcome: "acked_success", Duration: 8 * time.Millisecond},
		{Direction: DirectionOutbound, Operation: "getWidget", CorrelationID: "c2", Outcome: "timeout", Duration: 2 * time.Second},
	}
	for _, e := range entries {
		if err := store.Insert(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	recent, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(recent))
	}
	if recent[0].CorrelationID != "c2" {
		t.Fatalf("expected newest first, got %+v", recent[0])
	}
	if recent[0].Duration != 2*time.Second {
		t.Fatalf("duration lost: %s", recent[0].Duration)
	}
}

func TestCountByOutcome(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := store.Insert(ctx, Entry{Direction: DirectionOutbound, Operation: "op", CorrelationID: "x", Outcome: "success"}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := store.Insert(ctx, Entry{Direction: DirectionOutbound, Operation: "op", CorrelationID: "y", Outcome: "timeout"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	counts, err := store.CountByOutcome(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts["success"] != 3 || counts["timeout"] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestWriterPersistsEntries(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir + "/journal.db")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	w := NewWriter(store)

	for i := 0; i < 50; i++ {
		if !w.Record(Entry{Direction: DirectionOutbound, Operation: "getWidget", CorrelationID: "c9", Outcome: "success"}) {
			t.Fatalf("record %d dropped unexpectedly", i)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(dir + "/journal.db")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	entries, err := reopened.Recent(context.Background(), 100)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 50 {
		t.Fatalf("expected 50 persisted entries after drain, got %d", len(entries))
	}
}

func TestWriterRecordAfterClose(t *testing.T) {
	w := NewWriter(openTestStore(t))
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if w.Record(Entry{Direction: DirectionOutbound, Operation: "op", Outcome: "success"}) {
		t.Fatal("Record reported success on a closed writer")
	}
}

func TestWriterRecordRacingClose(t *testing.T) {
	w := NewWriter(openTestStore(t))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				w.Record(Entry{Direction: DirectionInbound, Operation: "op", Outcome: "acked_success"})
			}
		}()
	}

	// Close while recorders are mid-flight; entries may drop, but nothing
	// may panic.
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	wg.Wait()
}

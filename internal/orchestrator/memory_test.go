package orchestrator

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCycleMemory_RecordAndRecent(t *testing.T) {
	db := newTestDB(t)
	mem, err := NewCycleMemory(db)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// Empty table
	recs, err := mem.Recent(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no records, got %d", len(recs))
	}

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"c1", "c2", "c3"} {
		err := mem.Record(ctx, CycleRecord{
			ID: id, Type: CycleAutomatic, StartedAt: start.Add(time.Duration(i) * time.Minute),
			Duration: 1500 * time.Millisecond, ProposalsGenerated: 1, ProposalsApproved: 1,
			ChangesApplied: i % 2, Outcome: OutcomeCompleted,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	err = mem.Record(ctx, CycleRecord{
		ID: "c4", Type: CycleUserInitiated, StartedAt: start.Add(time.Hour),
		Outcome: OutcomeInterrupted, Partial: true, InterruptReason: "USER_URGENT",
	})
	if err != nil {
		t.Fatal(err)
	}

	recs, err = mem.Recent(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].ID != "c4" || !recs[0].Partial || recs[0].InterruptReason != "USER_URGENT" {
		t.Errorf("unexpected newest record: %+v", recs[0])
	}
	if recs[1].ID != "c3" || recs[1].Duration != 1500*time.Millisecond {
		t.Errorf("unexpected second record: %+v", recs[1])
	}
	if !recs[1].StartedAt.Equal(start.Add(2 * time.Minute)) {
		t.Errorf("started_at round trip: got %v", recs[1].StartedAt)
	}
}

func TestCycleMemory_WrittenOnce(t *testing.T) {
	db := newTestDB(t)
	mem, err := NewCycleMemory(db)
	if err != nil {
		t.Fatal(err)
	}
	rec := CycleRecord{ID: "dup", Type: CycleAutomatic, StartedAt: time.Now(), Outcome: OutcomeCompleted}
	if err := mem.Record(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if err := mem.Record(context.Background(), rec); err == nil {
		t.Fatal("expected duplicate cycle record to fail")
	}
}

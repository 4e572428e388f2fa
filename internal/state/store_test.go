package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/vaseksindelaru/Aipha-0.0.2/internal/proposal"
)

func tempDB(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testProposal(id string) proposal.Proposal {
	return proposal.Proposal{
		ID:             id,
		Title:          "tighten sl_factor 1 -> 0.9",
		Target:         proposal.DefaultTarget,
		Difficulty:     proposal.DifficultyTrivial,
		Priority:       proposal.PriorityHigh,
		Kind:           proposal.KindTighten,
		ExpectedImpact: map[string]float64{"win_rate": 0.06},
		CreatedAt:      time.Now().UTC(),
	}
}

func TestSnapshotStartsEmpty(t *testing.T) {
	s := tempDB(t)
	snap, err := s.LoadSnapshot(context.Background())
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap.TotalCycles != 0 || snap.LastCycleID != "" {
		t.Fatalf("expected zero snapshot, got %+v", snap)
	}
}

func TestAdvanceSnapshot(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := s.AdvanceSnapshot(ctx, CycleSummary{CycleID: "c1", Outcome: "completed", Generated: 1, Approved: 1, Applied: 1, FinishedAt: finished}); err != nil {
		t.Fatalf("AdvanceSnapshot: %v", err)
	}
	snap, err := s.AdvanceSnapshot(ctx, CycleSummary{CycleID: "c2", Outcome: "completed", FinishedAt: finished.Add(time.Minute)})
	if err != nil {
		t.Fatalf("AdvanceSnapshot: %v", err)
	}

	if snap.TotalCycles != 2 {
		t.Fatalf("expected 2 cycles, got %d", snap.TotalCycles)
	}
	if snap.TotalApplied != 1 {
		t.Fatalf("expected 1 applied, got %d", snap.TotalApplied)
	}
	if snap.LastCycleID != "c2" || snap.LastCycleApplied != 0 {
		t.Fatalf("unexpected last cycle: %+v", snap)
	}
	if snap.LastImprovementCycle != finished.Format(time.RFC3339Nano) {
		t.Fatalf("last improvement should stay at c1, got %q", snap.LastImprovementCycle)
	}

	loaded, err := s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if !loaded.LastRunAt.Equal(finished.Add(time.Minute)) {
		t.Fatalf("expected last run %v, got %v", finished.Add(time.Minute), loaded.LastRunAt)
	}
}

func TestHysteresisRoundTrip(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	h, err := s.LoadHysteresis(ctx)
	if err != nil {
		t.Fatalf("LoadHysteresis: %v", err)
	}
	if h.LastType != proposal.KindNone || h.CyclesSince != 0 {
		t.Fatalf("expected empty hysteresis, got %+v", h)
	}

	want := proposal.Hysteresis{LastType: proposal.KindTighten, CyclesSince: 2}
	if err := s.SaveHysteresis(ctx, want); err != nil {
		t.Fatalf("SaveHysteresis: %v", err)
	}
	got, _ := s.LoadHysteresis(ctx)
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestClaimLatestApproved(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	for _, rec := range []struct {
		id     string
		status string
	}{
		{"p1", StatusApproved},
		{"p2", StatusRejected},
		{"p3", StatusApproved},
	} {
		if err := s.RecordProposal(ctx, testProposal(rec.id), rec.status, 0.8, ""); err != nil {
			t.Fatalf("RecordProposal: %v", err)
		}
	}

	p, ok, err := s.ClaimLatestApproved(ctx)
	if err != nil || !ok {
		t.Fatalf("ClaimLatestApproved: ok=%v err=%v", ok, err)
	}
	if p.ID != "p3" {
		t.Fatalf("expected p3, got %s", p.ID)
	}
	if p.Kind != proposal.KindTighten || p.ExpectedImpact["win_rate"] != 0.06 {
		t.Fatalf("proposal did not round-trip: %+v", p)
	}

	claimed, err := s.ClaimProposal(ctx, "p3")
	if err != nil {
		t.Fatalf("ClaimProposal: %v", err)
	}
	if claimed {
		t.Fatal("p3 must not be claimable twice")
	}

	p, ok, _ = s.ClaimLatestApproved(ctx)
	if !ok || p.ID != "p1" {
		t.Fatalf("expected p1 next, got ok=%v id=%s", ok, p.ID)
	}
	_, ok, _ = s.ClaimLatestApproved(ctx)
	if ok {
		t.Fatal("expected nothing left to claim")
	}
}

func TestSetStatusAndList(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	if err := s.RecordProposal(ctx, testProposal("p1"), StatusApproved, 0.81, ""); err != nil {
		t.Fatalf("RecordProposal: %v", err)
	}
	if ok, _ := s.ClaimProposal(ctx, "p1"); !ok {
		t.Fatal("expected claim to succeed")
	}
	if err := s.SetProposalStatus(ctx, "p1", StatusApplied, "committed"); err != nil {
		t.Fatalf("SetProposalStatus: %v", err)
	}
	if err := s.SetProposalStatus(ctx, "missing", StatusFailed, ""); err == nil {
		t.Fatal("expected error for unknown proposal")
	}

	recs, err := s.ListProposals(ctx, StatusApplied, 10)
	if err != nil {
		t.Fatalf("ListProposals: %v", err)
	}
	if len(recs) != 1 || recs[0].Note != "committed" || recs[0].Score != 0.81 {
		t.Fatalf("unexpected records: %+v", recs)
	}

	counts, err := s.CountProposals(ctx)
	if err != nil {
		t.Fatalf("CountProposals: %v", err)
	}
	if counts[StatusApplied] != 1 {
		t.Fatalf("expected one applied, got %v", counts)
	}
}

package requirement

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/proofmeet/backend/internal/model"
	"github.com/proofmeet/backend/internal/store"
)

// A Wednesday; the containing week starts Sunday 2026-03-01.
var evalNow = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func testEngine(st *store.MemoryStore) *Engine {
	e := NewEngine(st, st)
	e.now = func() time.Time { return evalNow }
	return e
}

func seedCard(t *testing.T, st *store.MemoryStore, n int, verdict model.Verdict, program string, generatedAt time.Time) *model.CourtCard {
	t.Helper()
	c := &model.CourtCard{
		ID:            fmt.Sprintf("c%d", n),
		SessionID:     fmt.Sprintf("s%d", n),
		Number:        fmt.Sprintf("CC-2026-00001-%03d", n),
		ParticipantID: "p1",
		MeetingSnapshot: model.MeetingSnapshot{
			MeetingID: "m1", Name: "Meeting", Program: program,
		},
		Verdict:       verdict,
		ChainPosition: n,
		GeneratedAt:   generatedAt,
	}
	if err := st.CreateCard(context.Background(), c); err != nil {
		t.Fatalf("seed card %d: %v", n, err)
	}
	return c
}

func TestAssign_SupersedesActiveRequirement(t *testing.T) {
	st := store.NewMemoryStore()
	e := testEngine(st)
	ctx := context.Background()

	first, err := e.Assign(ctx, &model.Requirement{ParticipantID: "p1", OfficerID: "o1", TotalMeetingsRequired: 10})
	if err != nil {
		t.Fatalf("first Assign: %v", err)
	}
	second, err := e.Assign(ctx, &model.Requirement{ParticipantID: "p1", OfficerID: "o1", MeetingsPerWeek: 2})
	if err != nil {
		t.Fatalf("second Assign: %v", err)
	}

	active, err := st.GetActiveRequirement(ctx, "p1")
	if err != nil {
		t.Fatalf("GetActiveRequirement: %v", err)
	}
	if active.ID != second.ID {
		t.Errorf("active requirement = %s, want the newest %s", active.ID, second.ID)
	}
	all, _ := st.ListRequirements(ctx, "p1")
	for _, r := range all {
		if r.ID == first.ID && r.Active {
			t.Errorf("superseded requirement still active")
		}
	}
}

func TestEvaluate_CumulativeStates(t *testing.T) {
	st := store.NewMemoryStore()
	e := testEngine(st)
	ctx := context.Background()
	p := &model.Participant{ID: "p1", Email: "alice@example.com"}
	if _, err := e.Assign(ctx, &model.Requirement{ParticipantID: "p1", OfficerID: "o1", TotalMeetingsRequired: 3}); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	status, err := e.Evaluate(ctx, p)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if status.Mode != ModeCumulative || status.State != model.ComplianceNotStarted {
		t.Errorf("empty = %s/%s, want CUMULATIVE/NOT_STARTED", status.Mode, status.State)
	}

	seedCard(t, st, 1, model.VerdictPassed, "AA", evalNow.Add(-48*time.Hour))
	status, _ = e.Evaluate(ctx, p)
	if status.State != model.ComplianceInProgress || status.ValidCards != 1 {
		t.Errorf("one card = %s (%d valid), want IN_PROGRESS with 1", status.State, status.ValidCards)
	}

	seedCard(t, st, 2, model.VerdictPassed, "AA", evalNow.Add(-24*time.Hour))
	seedCard(t, st, 3, model.VerdictPassed, "AA", evalNow.Add(-time.Hour))
	status, _ = e.Evaluate(ctx, p)
	if status.State != model.ComplianceCompliant {
		t.Errorf("three of three = %s, want COMPLIANT", status.State)
	}
}

func TestEvaluate_WeeklyCountsCurrentWeekOnly(t *testing.T) {
	st := store.NewMemoryStore()
	e := testEngine(st)
	ctx := context.Background()
	p := &model.Participant{ID: "p1", Email: "alice@example.com"}
	if _, err := e.Assign(ctx, &model.Requirement{ParticipantID: "p1", OfficerID: "o1", MeetingsPerWeek: 2}); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	// Last week's card never counts toward this week.
	seedCard(t, st, 1, model.VerdictPassed, "AA", time.Date(2026, 2, 27, 19, 0, 0, 0, time.UTC))
	status, _ := e.Evaluate(ctx, p)
	if status.Mode != ModeWeekly || status.State != model.ComplianceNonCompliant {
		t.Errorf("stale week = %s/%s, want WEEKLY/NON_COMPLIANT", status.Mode, status.State)
	}
	if status.ThisWeek != 0 || status.ValidCards != 1 {
		t.Errorf("counts = this week %d / valid %d, want 0 / 1", status.ThisWeek, status.ValidCards)
	}
	wantWeekStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if !status.WeekStart.Equal(wantWeekStart) {
		t.Errorf("week start = %s, want Sunday %s", status.WeekStart, wantWeekStart)
	}

	seedCard(t, st, 2, model.VerdictPassed, "AA", time.Date(2026, 3, 2, 19, 0, 0, 0, time.UTC))
	status, _ = e.Evaluate(ctx, p)
	if status.State != model.ComplianceAtRisk {
		t.Errorf("one of two = %s, want AT_RISK", status.State)
	}

	seedCard(t, st, 3, model.VerdictPassed, "AA", time.Date(2026, 3, 3, 19, 0, 0, 0, time.UTC))
	status, _ = e.Evaluate(ctx, p)
	if status.State != model.ComplianceCompliant {
		t.Errorf("two of two = %s, want COMPLIANT", status.State)
	}
}

func TestEvaluate_ExcludesFailedTamperedAndOffProgramCards(t *testing.T) {
	st := store.NewMemoryStore()
	e := testEngine(st)
	ctx := context.Background()
	p := &model.Participant{ID: "p1", Email: "alice@example.com"}
	if _, err := e.Assign(ctx, &model.Requirement{
		ParticipantID: "p1", OfficerID: "o1", TotalMeetingsRequired: 5, RequiredPrograms: []string{"AA"},
	}); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	seedCard(t, st, 1, model.VerdictPassed, "AA", evalNow.Add(-time.Hour))
	seedCard(t, st, 2, model.VerdictFailed, "AA", evalNow.Add(-time.Hour))
	seedCard(t, st, 3, model.VerdictPassed, "NA", evalNow.Add(-time.Hour))
	tampered := seedCard(t, st, 4, model.VerdictPassed, "AA", evalNow.Add(-time.Hour))
	st.SetTampered(ctx, tampered.ID, true)

	status, err := e.Evaluate(ctx, p)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if status.ValidCards != 1 {
		t.Errorf("valid cards = %d, want only the passed, untampered, on-program card", status.ValidCards)
	}
}

package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/proofmeet/backend/internal/events"
	"github.com/proofmeet/backend/internal/model"
	"github.com/proofmeet/backend/internal/monitoring"
	"github.com/proofmeet/backend/internal/store"
)

// stubMailer records sends and fails on demand.
type stubMailer struct {
	mu   sync.Mutex
	sent []Message
	fail bool
}

func (m *stubMailer) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("relay down")
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *stubMailer) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *stubMailer) setFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

// ============================================================================
// CIRCUIT BREAKER
// ============================================================================

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", TripAfter: 3})
	for i := 0; i < 2; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("Allow before trip: %v", err)
		}
		b.Record(false)
	}
	if b.State() != BreakerClosed {
		t.Fatalf("state = %s before the threshold", b.State())
	}
	b.Allow()
	b.Record(false)
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s after 3 consecutive failures, want OPEN", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("Allow on open circuit = %v, want ErrBreakerOpen", err)
	}
}

func TestBreaker_SuccessResetsTheCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{TripAfter: 3})
	b.Record(false)
	b.Record(false)
	b.Record(true)
	b.Record(false)
	b.Record(false)
	if b.State() != BreakerClosed {
		t.Fatalf("state = %s, want CLOSED (success broke the streak)", b.State())
	}
}

func TestBreaker_HalfOpenProbeClosesOnSuccess(t *testing.T) {
	b := NewBreaker(BreakerConfig{TripAfter: 1, Cooldown: time.Minute})
	now := time.Date(2026, 3, 2, 19, 0, 0, 0, time.UTC)
	b.nowFn = func() time.Time { return now }

	b.Allow()
	b.Record(false)
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s, want OPEN", b.State())
	}

	// Cooldown elapses; the next call is the probe.
	now = now.Add(2 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe not admitted: %v", err)
	}
	// A second caller during the probe is still rejected.
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("concurrent probe admitted: %v", err)
	}
	b.Record(true)
	if b.State() != BreakerClosed {
		t.Errorf("state = %s after a successful probe, want CLOSED", b.State())
	}
}

func TestBreaker_HalfOpenProbeReopensOnFailure(t *testing.T) {
	b := NewBreaker(BreakerConfig{TripAfter: 1, Cooldown: time.Minute})
	now := time.Date(2026, 3, 2, 19, 0, 0, 0, time.UTC)
	b.nowFn = func() time.Time { return now }

	b.Allow()
	b.Record(false)
	now = now.Add(2 * time.Minute)
	b.Allow()
	b.Record(false)
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s after a failed probe, want OPEN", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("circuit admitted a call right after re-opening: %v", err)
	}
}

func TestBreakerMailer_FailsFastWhenOpen(t *testing.T) {
	inner := &stubMailer{fail: true}
	m := NewBreakerMailer(inner, NewBreaker(BreakerConfig{TripAfter: 2, Cooldown: time.Hour}))
	ctx := context.Background()
	msg := Message{To: "a@example.com", Subject: "x"}

	m.Send(ctx, msg)
	m.Send(ctx, msg)
	if err := m.Send(ctx, msg); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen after the trip", err)
	}
}

// ============================================================================
// DAILY DIGESTS
// ============================================================================

type digestFixture struct {
	st     *store.MemoryStore
	mailer *stubMailer
	sender *DigestSender
}

func setupDigest(t *testing.T) digestFixture {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	if err := st.CreateOfficer(ctx, &model.Officer{
		ID: "o1", Email: "officer@court.example.gov", LastName: "Reyes",
	}); err != nil {
		t.Fatalf("seed officer: %v", err)
	}
	mailer := &stubMailer{}
	return digestFixture{st: st, mailer: mailer, sender: NewDigestSender(st, st, st, mailer, nil, nil)}
}

func (f digestFixture) seedBatch(t *testing.T, sessions ...string) *model.DigestBatch {
	t.Helper()
	ctx := context.Background()
	batch, err := f.st.GetOrCreateDigest(ctx, "o1", "2026-03-02")
	if err != nil {
		t.Fatalf("GetOrCreateDigest: %v", err)
	}
	for i, sessionID := range sessions {
		if err := f.st.CreateCard(ctx, &model.CourtCard{
			ID: "c-" + sessionID, SessionID: sessionID,
			Number:        fmt.Sprintf("CC-2026-00001-%03d", i+1),
			ParticipantID: "p1", ChainPosition: i + 1,
			ParticipantSnapshot: model.ParticipantSnapshot{Name: "Alice Brown"},
			MeetingSnapshot:     model.MeetingSnapshot{Name: "Tuesday Night AA"},
			Verdict:             model.VerdictPassed,
		}); err != nil {
			t.Fatalf("seed card: %v", err)
		}
	}
	if err := f.st.AddDigestSessions(ctx, batch.ID, sessions); err != nil {
		t.Fatalf("AddDigestSessions: %v", err)
	}
	return batch
}

func TestSendDue_DeliversPendingOnce(t *testing.T) {
	f := setupDigest(t)
	ctx := context.Background()
	f.seedBatch(t, "s1", "s2")

	if err := f.sender.SendDue(ctx); err != nil {
		t.Fatalf("SendDue: %v", err)
	}
	if f.mailer.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1", f.mailer.sentCount())
	}
	if f.mailer.sent[0].To != "officer@court.example.gov" {
		t.Errorf("recipient = %s", f.mailer.sent[0].To)
	}

	// The cutoff fires again after a restart: the SENT batch stays sent.
	if err := f.sender.SendDue(ctx); err != nil {
		t.Fatalf("second SendDue: %v", err)
	}
	if f.mailer.sentCount() != 1 {
		t.Errorf("sent = %d after a repeat tick, want still 1", f.mailer.sentCount())
	}
}

func TestSendDue_EmptyBatchSkipped(t *testing.T) {
	f := setupDigest(t)
	ctx := context.Background()
	f.st.GetOrCreateDigest(ctx, "o1", "2026-03-02")

	if err := f.sender.SendDue(ctx); err != nil {
		t.Fatalf("SendDue: %v", err)
	}
	if f.mailer.sentCount() != 0 {
		t.Errorf("sent = %d for an empty batch, want 0", f.mailer.sentCount())
	}
}

func TestSendDue_FailureRetriesUntilAttemptsExhausted(t *testing.T) {
	f := setupDigest(t)
	ctx := context.Background()
	batch := f.seedBatch(t, "s1")
	f.mailer.setFail(true)

	// Five failing ticks exhaust the attempt budget.
	for i := 0; i < maxDigestAttempts; i++ {
		if err := f.sender.SendDue(ctx); err != nil {
			t.Fatalf("SendDue %d: %v", i, err)
		}
	}
	got, _ := f.st.GetOrCreateDigest(ctx, "o1", "2026-03-02")
	if got.Status != model.DigestFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if got.Attempts != maxDigestAttempts {
		t.Errorf("attempts = %d, want %d", got.Attempts, maxDigestAttempts)
	}

	// The relay recovers, but the exhausted batch stays FAILED for manual
	// follow-up.
	f.mailer.setFail(false)
	if err := f.sender.SendDue(ctx); err != nil {
		t.Fatalf("SendDue after recovery: %v", err)
	}
	if f.mailer.sentCount() != 0 {
		t.Errorf("exhausted batch %s was re-sent", batch.ID)
	}
}

func TestSendDue_FailedBatchRecoversWithinBudget(t *testing.T) {
	f := setupDigest(t)
	ctx := context.Background()
	f.seedBatch(t, "s1")

	f.mailer.setFail(true)
	f.sender.SendDue(ctx)
	f.mailer.setFail(false)
	f.sender.SendDue(ctx)

	got, _ := f.st.GetOrCreateDigest(ctx, "o1", "2026-03-02")
	if got.Status != model.DigestSent {
		t.Fatalf("status = %s, want SENT after recovery", got.Status)
	}
	if f.mailer.sentCount() != 1 {
		t.Errorf("sent = %d, want 1", f.mailer.sentCount())
	}
}

func TestSendDue_LateSessionsAfterDeliveryGetFollowUpBatch(t *testing.T) {
	f := setupDigest(t)
	ctx := context.Background()
	batch := f.seedBatch(t, "s1")

	if err := f.sender.SendDue(ctx); err != nil {
		t.Fatalf("SendDue: %v", err)
	}
	if f.mailer.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1", f.mailer.sentCount())
	}

	// A session finalizes after the day's digest already went out.
	if err := f.st.CreateCard(ctx, &model.CourtCard{
		ID: "c-s2", SessionID: "s2", Number: "CC-2026-00001-002",
		ParticipantID: "p1", ChainPosition: 2,
		ParticipantSnapshot: model.ParticipantSnapshot{Name: "Alice Brown"},
		MeetingSnapshot:     model.MeetingSnapshot{Name: "Tuesday Night AA"},
		Verdict:             model.VerdictPassed,
	}); err != nil {
		t.Fatalf("seed late card: %v", err)
	}
	if err := f.st.AddDigestSessions(ctx, batch.ID, []string{"s2"}); err != nil {
		t.Fatalf("AddDigestSessions: %v", err)
	}

	// The delivered batch is untouched; the late session overflowed.
	base, _ := f.st.GetOrCreateDigest(ctx, "o1", "2026-03-02")
	if base.Status != model.DigestSent || len(base.SessionIDs) != 1 {
		t.Fatalf("delivered batch = %s %v, want SENT with [s1]", base.Status, base.SessionIDs)
	}

	if err := f.sender.SendDue(ctx); err != nil {
		t.Fatalf("second SendDue: %v", err)
	}
	if f.mailer.sentCount() != 2 {
		t.Fatalf("sent = %d, want a follow-up mail", f.mailer.sentCount())
	}
	followUp := f.mailer.sent[1]
	if !strings.Contains(followUp.Subject, "2026-03-02") || strings.Contains(followUp.Subject, "#") {
		t.Errorf("follow-up subject = %q, want the plain day", followUp.Subject)
	}
	if !strings.Contains(followUp.Body, "CC-2026-00001-002") {
		t.Errorf("follow-up body missing the late card:\n%s", followUp.Body)
	}
}

func TestSendDue_CountsDigestOutcomes(t *testing.T) {
	f := setupDigest(t)
	ctx := context.Background()
	f.seedBatch(t, "s1")
	m := monitoring.NewMetricsOn(prometheus.NewRegistry())
	f.sender.metrics = m

	f.mailer.setFail(true)
	f.sender.SendDue(ctx)
	f.mailer.setFail(false)
	f.sender.SendDue(ctx)

	if got := testutil.ToFloat64(m.DigestsSent.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed digests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DigestsSent.WithLabelValues("sent")); got != 1 {
		t.Errorf("sent digests = %v, want 1", got)
	}
}

// ============================================================================
// DISPATCHER
// ============================================================================

func TestDispatcher_MailsParticipantOnCardIssued(t *testing.T) {
	st := store.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := st.CreateParticipant(ctx, &model.Participant{
		ID: "p1", Email: "alice@example.com", FirstName: "Alice", LastName: "Brown",
	}); err != nil {
		t.Fatalf("seed participant: %v", err)
	}

	mailer := &stubMailer{}
	d := NewDispatcher(mailer, st, 2, nil)
	bus := events.NewEventBus()
	go d.ListenCardIssued(ctx, bus)

	// Let the listener subscribe before publishing.
	time.Sleep(20 * time.Millisecond)
	bus.Emit(events.TypeCardIssued, "/cards", "c1", map[string]interface{}{
		"participant_id": "p1",
		"card_number":    "CC-2026-00001-001",
		"verdict":        "PASSED",
	})

	deadline := time.Now().Add(2 * time.Second)
	for mailer.sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	d.Shutdown()

	if mailer.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1 confirmation", mailer.sentCount())
	}
	if mailer.sent[0].To != "alice@example.com" {
		t.Errorf("recipient = %s", mailer.sent[0].To)
	}
}

func TestDispatcher_CountsDeliveryOutcomes(t *testing.T) {
	st := store.NewMemoryStore()
	mailer := &stubMailer{}
	m := monitoring.NewMetricsOn(prometheus.NewRegistry())
	d := NewDispatcher(mailer, st, 1, m)

	d.Enqueue(Message{To: "alice@example.com", Subject: "x"})
	deadline := time.Now().Add(2 * time.Second)
	for mailer.sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	d.Shutdown()

	if got := testutil.ToFloat64(m.MailDeliveries.WithLabelValues("sent")); got != 1 {
		t.Errorf("sent deliveries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MailDeliveries.WithLabelValues("failed")); got != 0 {
		t.Errorf("failed deliveries = %v, want 0", got)
	}
}

package normalize

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/proofmeet/backend/internal/model"
	"github.com/proofmeet/backend/internal/store"
	"github.com/proofmeet/backend/internal/timeline"
)

var serverNow = time.Date(2026, 3, 2, 19, 0, 0, 0, time.UTC)

type fixture struct {
	st *store.MemoryStore
	tl *timeline.Service
	n  *Normalizer
}

func setup(t *testing.T) fixture {
	t.Helper()
	st := store.NewMemoryStore()
	tl := timeline.NewService(st)
	n := New(tl, st, st, st, st)
	n.now = func() time.Time { return serverNow }
	ctx := context.Background()

	if err := st.CreateParticipant(ctx, &model.Participant{
		ID: "p1", Email: "alice@example.com", SupervisingOfficerID: "o1", CaseNumber: "CR-1",
	}); err != nil {
		t.Fatalf("seed participant: %v", err)
	}
	if err := st.CreateMeeting(ctx, &model.ExternalMeeting{
		ID: "m1", ProviderMeetingID: "zoom-123", Name: "Tuesday Night AA", Program: "AA",
		ScheduledStart: serverNow, ScheduledDurationMin: 60,
	}); err != nil {
		t.Fatalf("seed meeting: %v", err)
	}
	if err := st.CreateRequirement(ctx, &model.Requirement{
		ID: "r1", ParticipantID: "p1", OfficerID: "o1",
		TotalMeetingsRequired: 10, RequiredPrograms: []string{"AA"}, Active: true,
	}); err != nil {
		t.Fatalf("seed requirement: %v", err)
	}
	return fixture{st: st, tl: tl, n: n}
}

func joinEvent() ProviderEvent {
	return ProviderEvent{
		Kind:              model.EventJoined,
		ProviderMeetingID: "zoom-123",
		ParticipantEmail:  "alice@example.com",
		Timestamp:         serverNow,
	}
}

func TestFromWebhook_OpensSessionForWarrantedJoin(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	s, err := f.n.FromWebhook(ctx, joinEvent())
	if err != nil {
		t.Fatalf("FromWebhook: %v", err)
	}
	got, _ := f.tl.Get(ctx, s.ID)
	if got.Status != model.SessionInProgress {
		t.Errorf("status = %s, want IN_PROGRESS", got.Status)
	}
	if len(got.Timeline) != 1 || got.Timeline[0].Source != model.SourceWebhook {
		t.Errorf("timeline = %+v, want one webhook JOINED", got.Timeline)
	}
	if got.OfficerID != "o1" {
		t.Errorf("officer = %s, want the supervising officer", got.OfficerID)
	}
}

func TestFromWebhook_UnknownParticipantDropped(t *testing.T) {
	f := setup(t)
	ev := joinEvent()
	ev.ParticipantEmail = "stranger@example.com"
	if _, err := f.n.FromWebhook(context.Background(), ev); !errors.Is(err, Dropped) {
		t.Fatalf("err = %v, want Dropped", err)
	}
}

func TestFromWebhook_LeftWithoutSessionDropped(t *testing.T) {
	f := setup(t)
	ev := joinEvent()
	ev.Kind = model.EventLeft
	if _, err := f.n.FromWebhook(context.Background(), ev); !errors.Is(err, Dropped) {
		t.Fatalf("err = %v, want Dropped", err)
	}
}

func TestFromWebhook_NoActiveRequirementDropped(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.st.DeactivateRequirement(ctx, "r1")
	if _, err := f.n.FromWebhook(ctx, joinEvent()); !errors.Is(err, Dropped) {
		t.Fatalf("err = %v, want Dropped", err)
	}
}

func TestFromWebhook_ProgramMismatchDropped(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.st.CreateMeeting(ctx, &model.ExternalMeeting{
		ID: "m2", ProviderMeetingID: "zoom-999", Name: "Thursday NA", Program: "NA",
		ScheduledStart: serverNow, ScheduledDurationMin: 60,
	})
	ev := joinEvent()
	ev.ProviderMeetingID = "zoom-999"
	if _, err := f.n.FromWebhook(ctx, ev); !errors.Is(err, Dropped) {
		t.Fatalf("err = %v, want Dropped (requirement is AA-only)", err)
	}
}

func TestFromWebhook_CreatesPlaceholderMeeting(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	// Widen the requirement so the unknown meeting's empty program matches.
	f.st.DeactivateRequirement(ctx, "r1")
	f.st.CreateRequirement(ctx, &model.Requirement{
		ID: "r2", ParticipantID: "p1", OfficerID: "o1", TotalMeetingsRequired: 10, Active: true,
	})

	ev := joinEvent()
	ev.ProviderMeetingID = "zoom-unknown"
	if _, err := f.n.FromWebhook(ctx, ev); err != nil {
		t.Fatalf("FromWebhook: %v", err)
	}

	mt, err := f.st.GetMeetingByProviderID(ctx, "zoom-unknown")
	if err != nil {
		t.Fatalf("placeholder meeting missing: %v", err)
	}
	if mt.ScheduledDurationMin != 60 {
		t.Errorf("placeholder duration = %d, want the 60-minute default", mt.ScheduledDurationMin)
	}
}

func TestFromWebhook_LeftCarriesProviderDuration(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s, err := f.n.FromWebhook(ctx, joinEvent())
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	left := joinEvent()
	left.Kind = model.EventLeft
	left.Timestamp = serverNow.Add(time.Minute)
	left.CumulativeDurationSec = 3540
	if _, err := f.n.FromWebhook(ctx, left); err != nil {
		t.Fatalf("left: %v", err)
	}

	got, _ := f.tl.Get(ctx, s.ID)
	last := got.Timeline[len(got.Timeline)-1]
	sec, ok := last.ProviderDurationSec()
	if !ok || sec != 3540 {
		t.Errorf("provider duration = (%d, %v), want 3540", sec, ok)
	}
}

func TestFromWebhook_SkewedTimestampServerStamped(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ev := joinEvent()
	ev.Timestamp = serverNow.Add(-30 * time.Minute)

	s, err := f.n.FromWebhook(ctx, ev)
	if err != nil {
		t.Fatalf("FromWebhook: %v", err)
	}
	got, _ := f.tl.Get(ctx, s.ID)
	if !got.JoinTime.Equal(serverNow) {
		t.Errorf("join time = %s, want server time %s for a 30-minute-skewed source", got.JoinTime, serverNow)
	}
}

func TestFromHeartbeat_RejectsNonEngagementKinds(t *testing.T) {
	f := setup(t)
	if _, err := f.n.FromHeartbeat(context.Background(), "any", model.EventJoined, serverNow, nil); err == nil {
		t.Fatalf("JOINED accepted as a heartbeat kind")
	}
}

func TestFromHeartbeat_AppendsToOpenSession(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s, _ := f.n.FromWebhook(ctx, joinEvent())

	res, err := f.n.FromHeartbeat(ctx, s.ID, model.EventActive, serverNow.Add(30*time.Second), nil)
	if err != nil {
		t.Fatalf("FromHeartbeat: %v", err)
	}
	if res != store.AppendAccepted {
		t.Errorf("result = %s, want accepted", res)
	}
}

func completeSession(t *testing.T, f fixture, id string, leave time.Time) {
	t.Helper()
	s, err := f.st.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if err := f.st.UpdateDerived(context.Background(), id, s.Version, store.DerivedFields{
		Status:    model.SessionCompleted,
		LeaveTime: &leave,
	}); err != nil {
		t.Fatalf("complete session: %v", err)
	}
}

func TestFromHeartbeat_LateActiveWithinWindowAccepted(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s, _ := f.n.FromWebhook(ctx, joinEvent())
	completeSession(t, f, s.ID, serverNow.Add(-5*time.Minute))

	// Five minutes after leave: inside the ten-minute window.
	if _, err := f.n.FromHeartbeat(ctx, s.ID, model.EventActive, serverNow, nil); err != nil {
		t.Fatalf("late ACTIVE rejected: %v", err)
	}
	// Engagement detail kinds are not grandfathered.
	if _, err := f.n.FromHeartbeat(ctx, s.ID, model.EventMouse, serverNow, nil); !errors.Is(err, Dropped) {
		t.Errorf("late MOUSE err = %v, want Dropped", err)
	}
}

func TestFromHeartbeat_LateActivePastWindowDropped(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s, _ := f.n.FromWebhook(ctx, joinEvent())
	completeSession(t, f, s.ID, serverNow.Add(-15*time.Minute))

	if _, err := f.n.FromHeartbeat(ctx, s.ID, model.EventActive, serverNow, nil); !errors.Is(err, Dropped) {
		t.Fatalf("err = %v, want Dropped past the window", err)
	}
}

func TestFromAPI_RejectsCompletedSession(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s, _ := f.n.FromWebhook(ctx, joinEvent())
	completeSession(t, f, s.ID, serverNow.Add(time.Hour))

	if _, err := f.n.FromAPI(ctx, s.ID, model.EventLeft, nil); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestFromAPI_ServerStampsEvents(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s, _ := f.n.FromWebhook(ctx, joinEvent())

	if _, err := f.n.FromAPI(ctx, s.ID, model.EventLeft, nil); err != nil {
		t.Fatalf("FromAPI: %v", err)
	}
	got, _ := f.tl.Get(ctx, s.ID)
	last := got.Timeline[len(got.Timeline)-1]
	if !last.Time.Equal(serverNow) {
		t.Errorf("event time = %s, want the server clock %s", last.Time, serverNow)
	}
	if last.Source != model.SourceAPI {
		t.Errorf("source = %s, want API", last.Source)
	}
}

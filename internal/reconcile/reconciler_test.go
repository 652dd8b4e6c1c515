package reconcile

import (
	"testing"
	"time"

	"github.com/proofmeet/backend/internal/model"
)

var base = time.Date(2026, 3, 2, 19, 0, 0, 0, time.UTC)

func ev(kind model.EventKind, source model.EventSource, offset time.Duration, data map[string]interface{}) model.TimelineEvent {
	return model.TimelineEvent{Time: base.Add(offset), Kind: kind, Source: source, Data: data}
}

func TestReconcile_FullAttendanceWithProviderDuration(t *testing.T) {
	events := []model.TimelineEvent{
		ev(model.EventJoined, model.SourceWebhook, 0, nil),
		ev(model.EventVideoOn, model.SourceHeartbeat, 0, nil),
		ev(model.EventLeft, model.SourceWebhook, 60*time.Minute,
			map[string]interface{}{"provider_duration_sec": 3600}),
	}
	res := Reconcile(events, 60, Config{})

	if res.Totals.TotalDurationMin != 60 {
		t.Errorf("total = %.1f, want 60", res.Totals.TotalDurationMin)
	}
	if res.Totals.ActiveDurationMin != 60 {
		t.Errorf("active = %.1f, want 60", res.Totals.ActiveDurationMin)
	}
	if res.Totals.IdleDurationMin != 0 {
		t.Errorf("idle = %.1f, want 0", res.Totals.IdleDurationMin)
	}
	if res.AttendancePct != 100 {
		t.Errorf("attendance = %.1f%%, want 100%%", res.AttendancePct)
	}
	if res.Totals.VideoOnDurationMin != 60 {
		t.Errorf("video on = %.1f, want 60 (dangling VIDEO_ON closes at leave)", res.Totals.VideoOnDurationMin)
	}
}

func TestReconcile_RejoinWithProviderCumulative(t *testing.T) {
	// Leave at 19:20, rejoin 19:28, final leave 20:00 with 52 cumulative
	// provider minutes. The away period is idle; the provider figure bounds
	// active at total - idle.
	events := []model.TimelineEvent{
		ev(model.EventJoined, model.SourceWebhook, 0, nil),
		ev(model.EventLeft, model.SourceWebhook, 20*time.Minute, nil),
		ev(model.EventJoined, model.SourceWebhook, 28*time.Minute, nil),
		ev(model.EventLeft, model.SourceWebhook, 60*time.Minute,
			map[string]interface{}{"provider_duration_sec": 52 * 60}),
	}
	res := Reconcile(events, 60, Config{})

	if res.Totals.TotalDurationMin != 60 {
		t.Errorf("total = %.1f, want 60 (wall span stands when provider reports)", res.Totals.TotalDurationMin)
	}
	if res.Totals.IdleDurationMin != 8 {
		t.Errorf("idle = %.1f, want 8", res.Totals.IdleDurationMin)
	}
	if res.Totals.ActiveDurationMin != 52 {
		t.Errorf("active = %.1f, want 52", res.Totals.ActiveDurationMin)
	}
	if res.AttendancePct != 100 {
		t.Errorf("attendance = %.1f%%, want 100%%", res.AttendancePct)
	}
	if len(res.LeaveRejoinPeriods) != 1 {
		t.Fatalf("away periods = %d, want 1", len(res.LeaveRejoinPeriods))
	}
	if got := res.LeaveRejoinPeriods[0].Minutes(); got != 8 {
		t.Errorf("away period = %.1f min, want 8", got)
	}
}

func TestReconcile_ProviderDurationBoundedByWallMinusIdle(t *testing.T) {
	// A provider figure larger than total - idle is clamped; active time can
	// never exceed what the away periods leave room for.
	events := []model.TimelineEvent{
		ev(model.EventJoined, model.SourceWebhook, 0, nil),
		ev(model.EventLeft, model.SourceWebhook, 10*time.Minute, nil),
		ev(model.EventJoined, model.SourceWebhook, 20*time.Minute, nil),
		ev(model.EventLeft, model.SourceWebhook, 60*time.Minute,
			map[string]interface{}{"provider_duration_sec": 3600}),
	}
	res := Reconcile(events, 60, Config{})

	if res.Totals.ActiveDurationMin != 50 {
		t.Errorf("active = %.1f, want 50 (clamped to total - idle)", res.Totals.ActiveDurationMin)
	}
}

func TestReconcile_NoProviderDurationUsesWallMinusAway(t *testing.T) {
	events := []model.TimelineEvent{
		ev(model.EventJoined, model.SourceAPI, 0, nil),
		ev(model.EventLeft, model.SourceAPI, 40*time.Minute, nil),
	}
	res := Reconcile(events, 60, Config{})

	if res.Totals.TotalDurationMin != 40 {
		t.Errorf("total = %.1f, want 40", res.Totals.TotalDurationMin)
	}
	if res.ProviderDurationMin >= 0 {
		t.Errorf("provider duration = %.1f, want absent (<0)", res.ProviderDurationMin)
	}
	want := 40.0 / 60.0 * 100
	if res.AttendancePct != want {
		t.Errorf("attendance = %.4f%%, want %.4f%%", res.AttendancePct, want)
	}
}

func TestReconcile_AttendancePctClampedAt100(t *testing.T) {
	events := []model.TimelineEvent{
		ev(model.EventJoined, model.SourceAPI, -5*time.Minute, nil),
		ev(model.EventLeft, model.SourceAPI, 65*time.Minute, nil),
	}
	res := Reconcile(events, 60, Config{})
	if res.AttendancePct != 100 {
		t.Errorf("attendance = %.1f%%, want clamp at 100%%", res.AttendancePct)
	}
}

func TestReconcile_HeartbeatCoverage(t *testing.T) {
	// 40 minutes attended, ACTIVE heartbeats every 30 s for the first 40
	// minutes: 80 heartbeats over an expected 2*40 = 80.
	events := []model.TimelineEvent{
		ev(model.EventJoined, model.SourceAPI, 0, nil),
	}
	for i := 0; i < 80; i++ {
		events = append(events, ev(model.EventActive, model.SourceHeartbeat,
			time.Duration(i)*30*time.Second, nil))
	}
	events = append(events, ev(model.EventLeft, model.SourceAPI, 40*time.Minute, nil))

	res := Reconcile(events, 60, Config{})
	if res.HeartbeatCoverage != 1.0 {
		t.Errorf("coverage = %.3f, want 1.0", res.HeartbeatCoverage)
	}
	if res.VerificationMethod != model.VerifyHeartbeat {
		t.Errorf("verification = %s, want HEARTBEAT (API join/leave is not a webhook)", res.VerificationMethod)
	}
}

func TestReconcile_VisibilityAwayPeriodsDebounced(t *testing.T) {
	hidden := map[string]interface{}{"visibility": "hidden"}
	visible := map[string]interface{}{"visibility": "visible"}
	events := []model.TimelineEvent{
		ev(model.EventJoined, model.SourceAPI, 0, nil),
		// A 3 s hidden blip: below the 5 s debounce, dropped.
		ev(model.EventActive, model.SourceHeartbeat, 10*time.Minute, hidden),
		ev(model.EventActive, model.SourceHeartbeat, 10*time.Minute+3*time.Second, visible),
		// A 2-minute hidden stretch: kept.
		ev(model.EventActive, model.SourceHeartbeat, 20*time.Minute, hidden),
		ev(model.EventActive, model.SourceHeartbeat, 22*time.Minute, visible),
		ev(model.EventLeft, model.SourceAPI, 60*time.Minute, nil),
	}
	res := Reconcile(events, 60, Config{})

	if len(res.LeaveRejoinPeriods) != 1 {
		t.Fatalf("away periods = %d, want 1 (blip debounced)", len(res.LeaveRejoinPeriods))
	}
	if got := res.LeaveRejoinPeriods[0].Minutes(); got != 2 {
		t.Errorf("away period = %.1f min, want 2", got)
	}
}

func TestReconcile_WebhookPresenceSuppressesVisibilityPeriods(t *testing.T) {
	// When webhook join/left signals exist, heartbeat visibility is not
	// double-counted as away time.
	hidden := map[string]interface{}{"visibility": "hidden"}
	visible := map[string]interface{}{"visibility": "visible"}
	events := []model.TimelineEvent{
		ev(model.EventJoined, model.SourceWebhook, 0, nil),
		ev(model.EventActive, model.SourceHeartbeat, 10*time.Minute, hidden),
		ev(model.EventActive, model.SourceHeartbeat, 20*time.Minute, visible),
		ev(model.EventLeft, model.SourceWebhook, 60*time.Minute, nil),
	}
	res := Reconcile(events, 60, Config{})
	if len(res.LeaveRejoinPeriods) != 0 {
		t.Errorf("away periods = %d, want 0 with webhook presence", len(res.LeaveRejoinPeriods))
	}
}

func TestReconcile_SourcePriorityBreaksTimestampTies(t *testing.T) {
	at := 30 * time.Minute
	events := []model.TimelineEvent{
		{Time: base.Add(at), Kind: model.EventActive, Source: model.SourceHeartbeat, Seq: 1},
		{Time: base.Add(at), Kind: model.EventLeft, Source: model.SourceWebhook, Seq: 2},
		{Time: base, Kind: model.EventJoined, Source: model.SourceWebhook, Seq: 0},
	}
	sortEvents(events)
	if events[0].Kind != model.EventJoined {
		t.Fatalf("first event = %s, want JOINED", events[0].Kind)
	}
	if events[1].Source != model.SourceWebhook {
		t.Errorf("tie order = %s first, want WEBHOOK before HEARTBEAT", events[1].Source)
	}
}

func TestReconcile_MergeOverlappingAwayPeriods(t *testing.T) {
	events := []model.TimelineEvent{
		ev(model.EventJoined, model.SourceWebhook, 0, nil),
		ev(model.EventLeft, model.SourceWebhook, 10*time.Minute, nil),
		ev(model.EventJoined, model.SourceWebhook, 20*time.Minute, nil),
		ev(model.EventLeft, model.SourceWebhook, 20*time.Minute, nil),
		ev(model.EventJoined, model.SourceWebhook, 25*time.Minute, nil),
		ev(model.EventLeft, model.SourceWebhook, 60*time.Minute, nil),
	}
	res := Reconcile(events, 60, Config{})
	// 10-20 and 20-25 touch, so they merge into one 15-minute period.
	if len(res.LeaveRejoinPeriods) != 1 {
		t.Fatalf("away periods = %d, want 1 merged", len(res.LeaveRejoinPeriods))
	}
	if got := res.LeaveRejoinPeriods[0].Minutes(); got != 15 {
		t.Errorf("merged period = %.1f min, want 15", got)
	}
}

func TestReconcile_TotalsInvariant(t *testing.T) {
	// active + idle <= total <= leave - join, for a mixed timeline.
	events := []model.TimelineEvent{
		ev(model.EventJoined, model.SourceWebhook, 0, nil),
		ev(model.EventLeft, model.SourceWebhook, 15*time.Minute, nil),
		ev(model.EventJoined, model.SourceWebhook, 25*time.Minute, nil),
		ev(model.EventLeft, model.SourceWebhook, 55*time.Minute,
			map[string]interface{}{"provider_duration_sec": 45 * 60}),
	}
	res := Reconcile(events, 60, Config{})
	total := res.Totals.TotalDurationMin
	wall := res.LeaveTime.Sub(res.JoinTime).Minutes()
	if res.Totals.ActiveDurationMin+res.Totals.IdleDurationMin > total+1e-9 {
		t.Errorf("active %.1f + idle %.1f exceeds total %.1f",
			res.Totals.ActiveDurationMin, res.Totals.IdleDurationMin, total)
	}
	if total > wall+1e-9 {
		t.Errorf("total %.1f exceeds wall span %.1f", total, wall)
	}
}

func TestReconcile_TrailingLeftIsNotAwayPeriod(t *testing.T) {
	events := []model.TimelineEvent{
		ev(model.EventJoined, model.SourceWebhook, 0, nil),
		ev(model.EventLeft, model.SourceWebhook, 45*time.Minute, nil),
	}
	res := Reconcile(events, 60, Config{})
	if len(res.LeaveRejoinPeriods) != 0 {
		t.Errorf("away periods = %d, want 0 (final LEFT ends the session)", len(res.LeaveRejoinPeriods))
	}
}

// Package reconcile folds a session timeline into its derived duration
// metrics. Reconciliation is pure: once the timeline is loaded it never
// touches external resources and cannot fail except on malformed stored data.
package reconcile

import (
	"sort"
	"time"

	"github.com/proofmeet/backend/internal/model"
)

// Config tunes the fold. Zero values fall back to the nominal figures.
type Config struct {
	// HeartbeatPeriodSec is the client heartbeat period H (nominal 30 s).
	HeartbeatPeriodSec int
	// VisibilityDebounce trims flapping on heartbeat-derived away edges.
	VisibilityDebounce time.Duration
}

func (c Config) heartbeatPeriod() time.Duration {
	if c.HeartbeatPeriodSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.HeartbeatPeriodSec) * time.Second
}

func (c Config) debounce() time.Duration {
	if c.VisibilityDebounce <= 0 {
		return 5 * time.Second
	}
	return c.VisibilityDebounce
}

// Result carries every derived figure the validator and the card issuer need.
type Result struct {
	JoinTime  time.Time
	LeaveTime time.Time

	Totals        model.SessionTotals
	AttendancePct float64

	// HeartbeatCoverage is received heartbeats over expected (2 per minute of
	// total duration at the nominal 30 s period).
	HeartbeatCoverage float64

	// LeaveRejoinPeriods are the merged away periods, for display.
	LeaveRejoinPeriods []model.AwayPeriod

	VerificationMethod model.VerificationMethod

	// ProviderDurationMin is the authoritative cumulative duration reported by
	// the conference provider on the final LEFT event; <0 when absent.
	ProviderDurationMin float64
}

// Reconcile folds the timeline against the scheduled window. scheduledDurationMin
// must be positive; the caller validates stored data before reconciling.
func Reconcile(events []model.TimelineEvent, scheduledDurationMin int, cfg Config) Result {
	sorted := make([]model.TimelineEvent, len(events))
	copy(sorted, events)
	sortEvents(sorted)

	res := Result{ProviderDurationMin: -1}

	join, leave := boundaries(sorted)
	res.JoinTime, res.LeaveTime = join, leave
	if leave.Before(join) {
		leave = join
	}
	wall := leave.Sub(join).Minutes()

	// Provider-reported cumulative duration on the last LEFT is authoritative.
	for i := len(sorted) - 1; i >= 0; i-- {
		if sec, ok := sorted[i].ProviderDurationSec(); ok {
			res.ProviderDurationMin = float64(sec) / 60.0
			break
		}
	}

	// Away periods: webhook LEFT/JOINED pairs; heartbeat visibility pairs only
	// when no webhook presence signal exists.
	away := webhookAwayPeriods(sorted, join, leave)
	if len(away) == 0 && !hasWebhookPresence(sorted) {
		away = visibilityAwayPeriods(sorted, join, leave, cfg.debounce())
	}
	away = mergePeriods(away)
	res.LeaveRejoinPeriods = away

	var awayMin float64
	for _, p := range away {
		awayMin += p.Minutes()
	}

	idle := awayMin
	var total, active float64
	if res.ProviderDurationMin >= 0 {
		// The provider already accounts for in-meeting time, so the wall span
		// stands as the total and the provider figure bounds the active time.
		total = wall
		active = res.ProviderDurationMin
		if max := total - idle; active > max {
			active = max
		}
	} else {
		total = wall - awayMin
		if total < 0 {
			total = 0
		}
		active = total - idle
		if active < 0 {
			active = 0
		}

		// Alternate figure from the heartbeat stream; trust whichever source
		// is more complete.
		h := cfg.heartbeatPeriod().Minutes()
		hbActive := float64(countKind(sorted, model.EventActive))*h -
			float64(countKind(sorted, model.EventIdle))*h
		if hbActive > active {
			active = hbActive
		}
		if active > total {
			active = total
		}
	}
	if idle > total {
		idle = total
	}

	res.Totals = model.SessionTotals{
		TotalDurationMin:   total,
		ActiveDurationMin:  active,
		IdleDurationMin:    idle,
		VideoOnDurationMin: videoOnMinutes(sorted, leave, total),
	}

	if scheduledDurationMin > 0 {
		pct := total / float64(scheduledDurationMin) * 100
		if pct > 100 {
			pct = 100
		}
		res.AttendancePct = pct
	}

	if total > 0 {
		expected := 2 * total // 2 heartbeats per minute at the 30 s nominal period
		received := float64(heartbeatCount(sorted))
		res.HeartbeatCoverage = received / expected
	}

	res.VerificationMethod = verificationMethod(sorted)
	return res
}

// sortEvents orders by timestamp; equal timestamps break on source priority
// (WEBHOOK > API > HEARTBEAT), then seq.
func sortEvents(events []model.TimelineEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Time.Equal(b.Time) {
			return a.Time.Before(b.Time)
		}
		if a.Source.Priority() != b.Source.Priority() {
			return a.Source.Priority() > b.Source.Priority()
		}
		return a.Seq < b.Seq
	})
}

func boundaries(sorted []model.TimelineEvent) (join, leave time.Time) {
	for _, ev := range sorted {
		if ev.Kind == model.EventJoined {
			join = ev.Time
			break
		}
	}
	for i := len(sorted) - 1; i >= 0; i-- {
		if sorted[i].Kind == model.EventLeft {
			leave = sorted[i].Time
			break
		}
	}
	if join.IsZero() && len(sorted) > 0 {
		join = sorted[0].Time
	}
	if leave.IsZero() && len(sorted) > 0 {
		leave = sorted[len(sorted)-1].Time
	}
	return join, leave
}

func hasWebhookPresence(sorted []model.TimelineEvent) bool {
	for _, ev := range sorted {
		if ev.Source == model.SourceWebhook &&
			(ev.Kind == model.EventJoined || ev.Kind == model.EventLeft) {
			return true
		}
	}
	return false
}

// webhookAwayPeriods pairs each webhook LEFT with the next webhook JOINED.
// A trailing LEFT with no rejoin is the session end, not an away period.
func webhookAwayPeriods(sorted []model.TimelineEvent, join, leave time.Time) []model.AwayPeriod {
	var periods []model.AwayPeriod
	var openLeft *time.Time
	for _, ev := range sorted {
		if ev.Source != model.SourceWebhook {
			continue
		}
		switch ev.Kind {
		case model.EventLeft:
			if openLeft == nil {
				t := ev.Time
				openLeft = &t
			}
		case model.EventJoined:
			if openLeft != nil {
				periods = append(periods, clipPeriod(*openLeft, ev.Time, join, leave))
				openLeft = nil
			}
		}
	}
	return nonEmpty(periods)
}

// visibilityAwayPeriods derives away periods from heartbeat visibility edges.
// An edge only registers after it persists past the debounce window, which
// both drops sub-debounce hidden blips and bridges sub-debounce reappearances.
func visibilityAwayPeriods(sorted []model.TimelineEvent, join, leave time.Time, debounce time.Duration) []model.AwayPeriod {
	var raw []model.AwayPeriod
	var hiddenSince *time.Time
	for _, ev := range sorted {
		if ev.Source != model.SourceHeartbeat || ev.Data == nil {
			continue
		}
		vis, _ := ev.Data["visibility"].(string)
		switch vis {
		case "hidden":
			if hiddenSince == nil {
				t := ev.Time
				hiddenSince = &t
			}
		case "visible":
			if hiddenSince != nil {
				raw = append(raw, clipPeriod(*hiddenSince, ev.Time, join, leave))
				hiddenSince = nil
			}
		}
	}
	if hiddenSince != nil {
		raw = append(raw, clipPeriod(*hiddenSince, leave, join, leave))
	}

	// Debounce: bridge visible gaps shorter than the window, then drop hidden
	// periods shorter than the window.
	raw = nonEmpty(raw)
	var bridged []model.AwayPeriod
	for _, p := range raw {
		if n := len(bridged); n > 0 && p.Start.Sub(bridged[n-1].End) < debounce {
			bridged[n-1].End = p.End
			continue
		}
		bridged = append(bridged, p)
	}
	var out []model.AwayPeriod
	for _, p := range bridged {
		if p.End.Sub(p.Start) >= debounce {
			out = append(out, p)
		}
	}
	return out
}

func clipPeriod(start, end, join, leave time.Time) model.AwayPeriod {
	if start.Before(join) {
		start = join
	}
	if end.After(leave) {
		end = leave
	}
	return model.AwayPeriod{Start: start, End: end}
}

func nonEmpty(periods []model.AwayPeriod) []model.AwayPeriod {
	var out []model.AwayPeriod
	for _, p := range periods {
		if p.End.After(p.Start) {
			out = append(out, p)
		}
	}
	return out
}

// mergePeriods merges overlapping or touching away periods.
func mergePeriods(periods []model.AwayPeriod) []model.AwayPeriod {
	if len(periods) <= 1 {
		return periods
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].Start.Before(periods[j].Start) })
	out := []model.AwayPeriod{periods[0]}
	for _, p := range periods[1:] {
		last := &out[len(out)-1]
		if !p.Start.After(last.End) {
			if p.End.After(last.End) {
				last.End = p.End
			}
			continue
		}
		out = append(out, p)
	}
	return out
}

// videoOnMinutes sums VIDEO_ON → next VIDEO_OFF intervals, closing a dangling
// VIDEO_ON at the session end, clamped to [0, total].
func videoOnMinutes(sorted []model.TimelineEvent, leave time.Time, total float64) float64 {
	var sum float64
	var onSince *time.Time
	for _, ev := range sorted {
		switch ev.Kind {
		case model.EventVideoOn:
			if onSince == nil {
				t := ev.Time
				onSince = &t
			}
		case model.EventVideoOff:
			if onSince != nil {
				sum += ev.Time.Sub(*onSince).Minutes()
				onSince = nil
			}
		}
	}
	if onSince != nil && leave.After(*onSince) {
		sum += leave.Sub(*onSince).Minutes()
	}
	if sum < 0 {
		sum = 0
	}
	if sum > total {
		sum = total
	}
	return sum
}

func countKind(sorted []model.TimelineEvent, kind model.EventKind) int {
	n := 0
	for _, ev := range sorted {
		if ev.Kind == kind && ev.Source == model.SourceHeartbeat {
			n++
		}
	}
	return n
}

func heartbeatCount(sorted []model.TimelineEvent) int {
	n := 0
	for _, ev := range sorted {
		if ev.Source == model.SourceHeartbeat {
			switch ev.Kind {
			case model.EventActive, model.EventIdle:
				n++
			}
		}
	}
	return n
}

func verificationMethod(sorted []model.TimelineEvent) model.VerificationMethod {
	var webhook, heartbeat bool
	for _, ev := range sorted {
		switch ev.Source {
		case model.SourceWebhook:
			webhook = true
		case model.SourceHeartbeat:
			heartbeat = true
		}
	}
	switch {
	case webhook && heartbeat:
		return model.VerifyBoth
	case webhook:
		return model.VerifyWebhook
	case heartbeat:
		return model.VerifyHeartbeat
	default:
		return model.VerifyNone
	}
}

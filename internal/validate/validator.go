// Package validate judges a reconciled session against the attendance rule
// set and produces the verdict, the ordered violation vector, and a
// human-readable explanation. Validation is pure.
package validate

import (
	"fmt"
	"strings"
	"time"

	"github.com/proofmeet/backend/internal/model"
	"github.com/proofmeet/backend/internal/reconcile"
)

// Violation codes. These are stable identifiers surfaced to users verbatim.
const (
	CodeAttendanceWindow     = "ATTENDANCE_WINDOW_VIOLATION"
	CodeLowActiveTime        = "LOW_ACTIVE_TIME"
	CodeExcessiveIdleTime    = "EXCESSIVE_IDLE_TIME"
	CodeInsufficientDuration = "INSUFFICIENT_ATTENDANCE"
	CodeLowAttendance        = "LOW_ATTENDANCE"
	CodeIdleWithinLimits     = "IDLE_WITHIN_LIMITS"
	CodeNoHeartbeats         = "NO_HEARTBEATS"
	CodeLowHeartbeatCoverage = "LOW_HEARTBEAT_COVERAGE"
	CodeGoodHeartbeatCov     = "GOOD_HEARTBEAT_COVERAGE"
)

// WindowRule selects between the two coexisting attendance-window rules. The
// max rule is normative; the cumulative rule is kept selectable because both
// appear in deployed policies.
type WindowRule string

const (
	WindowRuleMax        WindowRule = "max"        // fail when max(L, E) > grace
	WindowRuleCumulative WindowRule = "cumulative" // fail when L + E > grace
)

// Thresholds below which/above which the graded rules fire.
const (
	minActiveRatio      = 0.80
	maxIdleRatio        = 0.20
	minCoverageRatio    = 0.80
	warnAttendanceUpper = 90.0
	lowHeartbeatCov     = 0.50
	goodHeartbeatCov    = 0.80
	engagementWaiver    = 90.0
)

// ratio comparisons tolerate float rounding so exact-boundary sessions pass.
const epsilon = 1e-9

// Config holds the validator policy knobs.
type Config struct {
	GraceWindowMin int
	WindowRule     WindowRule
}

func (c Config) grace() float64 {
	if c.GraceWindowMin <= 0 {
		return 10
	}
	return float64(c.GraceWindowMin)
}

func (c Config) rule() WindowRule {
	if c.WindowRule == "" {
		return WindowRuleMax
	}
	return c.WindowRule
}

// Outcome is the validator's judgment of one session.
type Outcome struct {
	Verdict     model.Verdict
	Violations  []model.Violation
	Explanation string
}

// Judge applies rules R0..R8 in order. Only CRITICAL violations flip the
// verdict to FAILED. engagementScore is the optional metadata assertion; when
// it is >= 90 the idle rule alone is downgraded to WARNING.
func Judge(
	res reconcile.Result,
	scheduledStart time.Time,
	scheduledDurationMin int,
	engagementScore float64,
	hasEngagement bool,
	cfg Config,
) Outcome {
	var out Outcome
	scheduledEnd := scheduledStart.Add(time.Duration(scheduledDurationMin) * time.Minute)
	grace := cfg.grace()

	// R0 — attendance window. Early arrival never counts against the window.
	lateMin := res.JoinTime.Sub(scheduledStart).Minutes()
	if lateMin < 0 {
		lateMin = 0
	}
	earlyMin := scheduledEnd.Sub(res.LeaveTime).Minutes()
	if earlyMin < 0 {
		earlyMin = 0
	}
	windowViolated := false
	switch cfg.rule() {
	case WindowRuleCumulative:
		windowViolated = lateMin+earlyMin > grace+epsilon
	default:
		windowViolated = lateMin > grace+epsilon || earlyMin > grace+epsilon
	}
	if windowViolated {
		out.Violations = append(out.Violations, model.Violation{
			Code:     CodeAttendanceWindow,
			Severity: model.SeverityCritical,
			Message:  windowMessage(lateMin, earlyMin, grace, cfg.rule()),
		})
	}

	total := res.Totals.TotalDurationMin
	active := res.Totals.ActiveDurationMin
	idle := res.Totals.IdleDurationMin

	// R1 — active ratio.
	if total > 0 {
		ratio := active / total
		if ratio < minActiveRatio-epsilon {
			out.Violations = append(out.Violations, model.Violation{
				Code:     CodeLowActiveTime,
				Severity: model.SeverityCritical,
				Message: fmt.Sprintf("Active time %.1f min is %.1f%% of %.1f min total (minimum %.0f%%)",
					active, ratio*100, total, minActiveRatio*100),
			})
		}
	}

	// R2 — idle ratio. Engagement >= 90 downgrades this rule alone.
	if total > 0 {
		ratio := idle / total
		if ratio > maxIdleRatio+epsilon {
			severity := model.SeverityCritical
			note := ""
			if hasEngagement && engagementScore >= engagementWaiver {
				severity = model.SeverityWarning
				note = fmt.Sprintf(" (downgraded: engagement score %.0f)", engagementScore)
			}
			out.Violations = append(out.Violations, model.Violation{
				Code:     CodeExcessiveIdleTime,
				Severity: severity,
				Message: fmt.Sprintf("Idle time %.1f min is %.1f%% of %.1f min total (maximum %.0f%%)%s",
					idle, ratio*100, total, maxIdleRatio*100, note),
			})
		} else if idle > 0 {
			// R5 — idle present but within limits.
			out.Violations = append(out.Violations, model.Violation{
				Code:     CodeIdleWithinLimits,
				Severity: model.SeverityInfo,
				Message:  fmt.Sprintf("Idle time %.1f min within the %.0f%% limit", idle, maxIdleRatio*100),
			})
		}
	}

	// R3 — coverage of the scheduled duration.
	if scheduledDurationMin > 0 {
		ratio := total / float64(scheduledDurationMin)
		if ratio < minCoverageRatio-epsilon {
			out.Violations = append(out.Violations, model.Violation{
				Code:     CodeInsufficientDuration,
				Severity: model.SeverityCritical,
				Message: fmt.Sprintf("Attended %.1f of %d scheduled minutes (%.1f%%, minimum %.0f%%)",
					total, scheduledDurationMin, ratio*100, minCoverageRatio*100),
			})
		} else if res.AttendancePct < warnAttendanceUpper-epsilon {
			// R4 — attendance in the 80–90% band.
			out.Violations = append(out.Violations, model.Violation{
				Code:     CodeLowAttendance,
				Severity: model.SeverityWarning,
				Message:  fmt.Sprintf("Attendance %.1f%% is below %.0f%%", res.AttendancePct, warnAttendanceUpper),
			})
		}
	}

	// R6/R7/R8 — heartbeat coverage advisories.
	switch {
	case res.HeartbeatCoverage == 0:
		out.Violations = append(out.Violations, model.Violation{
			Code:     CodeNoHeartbeats,
			Severity: model.SeverityWarning,
			Message:  "No activity heartbeats were received for this session",
		})
	case res.HeartbeatCoverage < lowHeartbeatCov:
		out.Violations = append(out.Violations, model.Violation{
			Code:     CodeLowHeartbeatCoverage,
			Severity: model.SeverityWarning,
			Message:  fmt.Sprintf("Heartbeat coverage %.0f%% is below %.0f%%", res.HeartbeatCoverage*100, lowHeartbeatCov*100),
		})
	case res.HeartbeatCoverage >= goodHeartbeatCov:
		out.Violations = append(out.Violations, model.Violation{
			Code:     CodeGoodHeartbeatCov,
			Severity: model.SeverityInfo,
			Message:  fmt.Sprintf("Heartbeat coverage %.0f%%", res.HeartbeatCoverage*100),
		})
	}

	out.Verdict = model.VerdictPassed
	for _, v := range out.Violations {
		if v.Severity == model.SeverityCritical {
			out.Verdict = model.VerdictFailed
			break
		}
	}

	out.Explanation = explain(out, res, scheduledDurationMin)
	return out
}

// windowMessage lists each side that exceeded the grace, with the numeric
// specifics used by the rule.
func windowMessage(lateMin, earlyMin, grace float64, rule WindowRule) string {
	var parts []string
	if rule == WindowRuleCumulative {
		parts = append(parts, fmt.Sprintf("joined %.1f min late and left %.1f min early (combined %.1f min exceeds the %.0f-minute grace)",
			lateMin, earlyMin, lateMin+earlyMin, grace))
	} else {
		if lateMin > grace {
			parts = append(parts, fmt.Sprintf("joined %.1f min after the scheduled start (grace %.0f min)", lateMin, grace))
		}
		if earlyMin > grace {
			parts = append(parts, fmt.Sprintf("left %.1f min before the scheduled end (grace %.0f min)", earlyMin, grace))
		}
	}
	return "Attendance window violated: " + strings.Join(parts, "; ")
}

func explain(out Outcome, res reconcile.Result, scheduledDurationMin int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Verdict %s. Attended %.1f of %d scheduled minutes (%.1f%%), active %.1f min, idle %.1f min, video on %.1f min.",
		out.Verdict,
		res.Totals.TotalDurationMin, scheduledDurationMin, res.AttendancePct,
		res.Totals.ActiveDurationMin, res.Totals.IdleDurationMin, res.Totals.VideoOnDurationMin)
	critical := 0
	for _, v := range out.Violations {
		if v.Severity == model.SeverityCritical {
			critical++
		}
	}
	if critical > 0 {
		fmt.Fprintf(&b, " %d critical violation(s):", critical)
		for _, v := range out.Violations {
			if v.Severity == model.SeverityCritical {
				fmt.Fprintf(&b, " [%s] %s.", v.Code, v.Message)
			}
		}
	} else if len(out.Violations) > 0 {
		fmt.Fprintf(&b, " %d advisory note(s).", len(out.Violations))
	}
	return b.String()
}

package validate

import (
	"strings"
	"testing"
	"time"

	"github.com/proofmeet/backend/internal/model"
	"github.com/proofmeet/backend/internal/reconcile"
)

var start = time.Date(2026, 3, 2, 19, 0, 0, 0, time.UTC)

func result(joinOffset, leaveOffset time.Duration, total, active, idle float64) reconcile.Result {
	return reconcile.Result{
		JoinTime:  start.Add(joinOffset),
		LeaveTime: start.Add(leaveOffset),
		Totals: model.SessionTotals{
			TotalDurationMin:  total,
			ActiveDurationMin: active,
			IdleDurationMin:   idle,
		},
		AttendancePct:     total / 60 * 100,
		HeartbeatCoverage: 1,
	}
}

func hasViolation(out Outcome, code string, severity model.Severity) bool {
	for _, v := range out.Violations {
		if v.Code == code && v.Severity == severity {
			return true
		}
	}
	return false
}

func TestJudge_CleanSessionPasses(t *testing.T) {
	out := Judge(result(0, 60*time.Minute, 60, 60, 0), start, 60, 0, false, Config{})
	if out.Verdict != model.VerdictPassed {
		t.Fatalf("verdict = %s, want PASSED: %s", out.Verdict, out.Explanation)
	}
	for _, v := range out.Violations {
		if v.Severity == model.SeverityCritical {
			t.Errorf("unexpected critical violation %s", v.Code)
		}
	}
}

func TestJudge_LatenessAtExactGracePasses(t *testing.T) {
	// 10 minutes late with a 10-minute grace: the boundary passes.
	out := Judge(result(10*time.Minute, 60*time.Minute, 50, 50, 0), start, 60, 0, false, Config{})
	if hasViolation(out, CodeAttendanceWindow, model.SeverityCritical) {
		t.Errorf("exact-grace lateness should not violate the window")
	}
}

func TestJudge_LatenessPastGraceFails(t *testing.T) {
	out := Judge(result(11*time.Minute, 60*time.Minute, 49, 49, 0), start, 60, 0, false, Config{})
	if !hasViolation(out, CodeAttendanceWindow, model.SeverityCritical) {
		t.Fatalf("11 min late should violate the 10-minute window")
	}
	if out.Verdict != model.VerdictFailed {
		t.Errorf("verdict = %s, want FAILED", out.Verdict)
	}
	// The message carries the numeric specifics.
	for _, v := range out.Violations {
		if v.Code == CodeAttendanceWindow && !strings.Contains(v.Message, "11.0") {
			t.Errorf("window message lacks the lateness figure: %q", v.Message)
		}
	}
}

func TestJudge_MaxRuleToleratesSymmetricEightMinutes(t *testing.T) {
	// 8 late + 8 early: max(8,8) = 8 <= 10, so the max rule does not fire.
	// The session still fails on coverage (44/60 = 73%).
	out := Judge(result(8*time.Minute, 52*time.Minute, 44, 44, 0), start, 60, 0, false,
		Config{WindowRule: WindowRuleMax})
	if hasViolation(out, CodeAttendanceWindow, model.SeverityCritical) {
		t.Errorf("max rule should tolerate 8+8")
	}
	if !hasViolation(out, CodeInsufficientDuration, model.SeverityCritical) {
		t.Errorf("44 of 60 minutes should fail coverage")
	}
}

func TestJudge_CumulativeRuleRejectsSymmetricEightMinutes(t *testing.T) {
	out := Judge(result(8*time.Minute, 52*time.Minute, 44, 44, 0), start, 60, 0, false,
		Config{WindowRule: WindowRuleCumulative})
	if !hasViolation(out, CodeAttendanceWindow, model.SeverityCritical) {
		t.Fatalf("cumulative rule: 8+8 = 16 > 10 must violate the window")
	}
	for _, v := range out.Violations {
		if v.Code == CodeAttendanceWindow {
			if !strings.Contains(v.Message, "8.0") {
				t.Errorf("cumulative message must cite both 8-minute figures: %q", v.Message)
			}
		}
	}
}

func TestJudge_EarlyArrivalNeverPenalized(t *testing.T) {
	out := Judge(result(-20*time.Minute, 60*time.Minute, 80, 80, 0), start, 60, 0, false, Config{})
	if hasViolation(out, CodeAttendanceWindow, model.SeverityCritical) {
		t.Errorf("early arrival must not count against the window")
	}
}

func TestJudge_ActiveRatioBoundary(t *testing.T) {
	// Exactly 80% active passes.
	out := Judge(result(0, 60*time.Minute, 60, 48, 12), start, 60, 0, false, Config{})
	if hasViolation(out, CodeLowActiveTime, model.SeverityCritical) {
		t.Errorf("exactly 80%% active should pass R1")
	}
	// Below 80% fails.
	out = Judge(result(0, 60*time.Minute, 60, 47.9, 12.1), start, 60, 0, false, Config{})
	if !hasViolation(out, CodeLowActiveTime, model.SeverityCritical) {
		t.Errorf("79.8%% active should fail R1")
	}
}

func TestJudge_EngagementWaiverDowngradesIdleOnly(t *testing.T) {
	// 25% idle with engagement 90: the idle rule downgrades to WARNING, but
	// the active-ratio rule still fails on its own, keeping the verdict honest.
	res := result(0, 60*time.Minute, 60, 45, 15)
	out := Judge(res, start, 60, 90, true, Config{})
	if !hasViolation(out, CodeExcessiveIdleTime, model.SeverityWarning) {
		t.Errorf("engagement 90 should downgrade EXCESSIVE_IDLE_TIME to WARNING")
	}
	if hasViolation(out, CodeExcessiveIdleTime, model.SeverityCritical) {
		t.Errorf("downgraded idle violation should not also appear as CRITICAL")
	}

	// Engagement 89 does not waive.
	out = Judge(res, start, 60, 89, true, Config{})
	if !hasViolation(out, CodeExcessiveIdleTime, model.SeverityCritical) {
		t.Errorf("engagement 89 should not downgrade the idle rule")
	}
	if out.Verdict != model.VerdictFailed {
		t.Errorf("verdict = %s, want FAILED", out.Verdict)
	}
}

func TestJudge_IdleWithinLimitsIsAdvisory(t *testing.T) {
	out := Judge(result(0, 60*time.Minute, 60, 54, 6), start, 60, 0, false, Config{})
	if !hasViolation(out, CodeIdleWithinLimits, model.SeverityInfo) {
		t.Errorf("10%% idle should produce the INFO advisory")
	}
	if out.Verdict != model.VerdictPassed {
		t.Errorf("verdict = %s, want PASSED", out.Verdict)
	}
}

func TestJudge_CoverageBoundary(t *testing.T) {
	// Exactly 80% coverage passes R3 but lands in the 80-90 warning band.
	out := Judge(result(0, 48*time.Minute, 48, 48, 0), start, 60, 0, false, Config{})
	if hasViolation(out, CodeInsufficientDuration, model.SeverityCritical) {
		t.Errorf("exactly 80%% coverage should pass R3")
	}
	if !hasViolation(out, CodeLowAttendance, model.SeverityWarning) {
		t.Errorf("80%% attendance should carry the LOW_ATTENDANCE warning")
	}
}

func TestJudge_HeartbeatAdvisories(t *testing.T) {
	res := result(0, 60*time.Minute, 60, 60, 0)

	res.HeartbeatCoverage = 0
	out := Judge(res, start, 60, 0, false, Config{})
	if !hasViolation(out, CodeNoHeartbeats, model.SeverityWarning) {
		t.Errorf("zero coverage should warn NO_HEARTBEATS")
	}
	if out.Verdict != model.VerdictPassed {
		t.Errorf("heartbeat advisories must not fail the session")
	}

	res.HeartbeatCoverage = 0.3
	out = Judge(res, start, 60, 0, false, Config{})
	if !hasViolation(out, CodeLowHeartbeatCoverage, model.SeverityWarning) {
		t.Errorf("30%% coverage should warn LOW_HEARTBEAT_COVERAGE")
	}

	res.HeartbeatCoverage = 0.95
	out = Judge(res, start, 60, 0, false, Config{})
	if !hasViolation(out, CodeGoodHeartbeatCov, model.SeverityInfo) {
		t.Errorf("95%% coverage should note GOOD_HEARTBEAT_COVERAGE")
	}
}

func TestJudge_ExplanationCarriesFigures(t *testing.T) {
	out := Judge(result(0, 40*time.Minute, 40, 40, 0), start, 60, 0, false, Config{})
	if out.Verdict != model.VerdictFailed {
		t.Fatalf("40 of 60 minutes should fail")
	}
	if !strings.Contains(out.Explanation, "40.0") || !strings.Contains(out.Explanation, "60") {
		t.Errorf("explanation lacks the figures: %q", out.Explanation)
	}
	if !strings.Contains(out.Explanation, CodeInsufficientDuration) {
		t.Errorf("explanation lacks the violation code: %q", out.Explanation)
	}
}

package scheduler

import (
	"fmt"

	"github.com/asheshgoplani/agent-manager/internal/status"
)

// Decision is the action chosen for the agent's state at job start.
type Decision string

const (
	Proceed             Decision = "proceed"
	SkipBlocked         Decision = "skip_blocked"
	SkipStuck           Decision = "skip_stuck"
	SkipBusy            Decision = "skip_busy"
	SkipAgentDisabled   Decision = "skip_agent_disabled"
	SkipJobDisabled     Decision = "skip_job_disabled"
	RestartError        Decision = "restart_error"
	RestartStuck        Decision = "restart_stuck"
	RestartBusy         Decision = "restart_busy"
	RestartClearContext Decision = "restart_clear_context"
)

// Skip reports whether the job ends without sending its task.
func (d Decision) Skip() bool {
	switch d {
	case SkipBlocked, SkipStuck, SkipBusy, SkipAgentDisabled, SkipJobDisabled:
		return true
	}
	return false
}

// Restart reports whether the decision restarts the session.
func (d Decision) Restart() bool {
	switch d {
	case RestartError, RestartStuck, RestartBusy, RestartClearContext:
		return true
	}
	return false
}

// Limits are the thresholds behind a decision, in seconds. Timeout is the
// job's max_runtime; zero means none was configured.
type Limits struct {
	Timeout      int
	StuckDefault int
}

// Decide maps a classified state to an action and, for restarts, the reason
// recorded with it. legacyBusy is consulted only for a busy agent under its
// runtime limit. Decide has no side effects; calling it again with the same
// state yields the same answer.
func Decide(rs status.RuntimeState, lim Limits, legacyBusy func() bool) (Decision, string) {
	elapsed, hasElapsed := rs.Elapsed()
	switch rs.State {
	case status.Blocked:
		// Restarting would drop the pending approval.
		return SkipBlocked, ""
	case status.Error:
		reason := string(rs.Reason)
		if reason == "" {
			reason = "unknown"
		}
		return RestartError, "error:" + reason
	case status.Stuck:
		threshold := lim.Timeout
		if threshold <= 0 {
			threshold = lim.StuckDefault
		}
		if hasElapsed && elapsed >= threshold {
			return RestartStuck, fmt.Sprintf("stuck>%ds", threshold)
		}
		return SkipStuck, ""
	case status.Busy:
		if lim.Timeout > 0 && hasElapsed && elapsed >= lim.Timeout {
			return RestartBusy, fmt.Sprintf("busy>%ds", lim.Timeout)
		}
		if legacyBusy != nil && legacyBusy() {
			return SkipBusy, ""
		}
	}
	return Proceed, ""
}

// ShouldClearContext reports whether a clear_context job restarts an agent
// before sending. Only an idle agent that was neither started nor restarted
// during this run qualifies.
func ShouldClearContext(clearContext, wasStarted, didRestart bool, rs status.RuntimeState) bool {
	return clearContext && !wasStarted && !didRestart && rs.State == status.Idle
}

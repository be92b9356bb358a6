// Package status derives an agent's runtime state from its terminal output.
// States are recomputed on every call and never cached.
package status

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/asheshgoplani/agent-manager/internal/logging"
	"github.com/asheshgoplani/agent-manager/internal/provider"
)

var statusLog = logging.ForComponent(logging.CompStatus)

// State is the coarse runtime state of an agent.
type State string

const (
	Stopped State = "stopped"
	Blocked State = "blocked"
	Error   State = "error"
	Stuck   State = "stuck"
	Busy    State = "busy"
	Idle    State = "idle"
)

// Terminal reports whether a job waiting for completion should stop waiting.
func (s State) Terminal() bool {
	return s == Idle || s == Blocked || s == Error || s == Stuck || s == Stopped
}

// RuntimeState is one classification result.
type RuntimeState struct {
	State          State           `json:"state"`
	ElapsedSeconds *int            `json:"elapsed_seconds,omitempty"`
	Reason         provider.Reason `json:"reason,omitempty"`
}

// Elapsed returns the on-screen busy time, if any was shown.
func (r RuntimeState) Elapsed() (int, bool) {
	if r.ElapsedSeconds == nil {
		return 0, false
	}
	return *r.ElapsedSeconds, true
}

func (r RuntimeState) String() string {
	s := string(r.State)
	if e, ok := r.Elapsed(); ok {
		s = fmt.Sprintf("%s (%ds)", s, e)
	}
	if r.Reason != "" {
		s = fmt.Sprintf("%s [%s]", s, r.Reason)
	}
	return s
}

// Scraper is the pane access the classifier needs.
type Scraper interface {
	Exists(ctx context.Context, agentID string) bool
	Capture(ctx context.Context, agentID string, lines int) (string, error)
}

// Windows are capture sizes in lines. Errors and elapsed timers may have
// scrolled a long way; busy and blocked indicators sit at the bottom.
type Windows struct {
	Full    int
	Blocked int
	Busy    int
}

// DefaultWindows returns the standard capture sizes.
func DefaultWindows() Windows {
	return Windows{Full: 200, Blocked: 30, Busy: 5}
}

// Classifier turns pane captures into RuntimeStates.
type Classifier struct {
	scraper Scraper
	windows Windows
}

// New returns a classifier. Zero window sizes take defaults.
func New(scraper Scraper, windows Windows) *Classifier {
	def := DefaultWindows()
	if windows.Full <= 0 {
		windows.Full = def.Full
	}
	if windows.Blocked <= 0 {
		windows.Blocked = def.Blocked
	}
	if windows.Busy <= 0 {
		windows.Busy = def.Busy
	}
	return &Classifier{scraper: scraper, windows: windows}
}

func intPtr(v int) *int { return &v }

// Classify returns the agent's current state. Priority, first match wins:
// stopped, unreadable (busy), blocked, busy/stuck, error, idle.
func (c *Classifier) Classify(ctx context.Context, agentID string, caps provider.Capabilities) RuntimeState {
	st := c.classify(ctx, agentID, caps)
	logging.Aggregate(logging.CompStatus, "classify", slog.String("agent", agentID), slog.String("state", string(st.State)))
	return st
}

func (c *Classifier) classify(ctx context.Context, agentID string, caps provider.Capabilities) RuntimeState {
	if !c.scraper.Exists(ctx, agentID) {
		return RuntimeState{State: Stopped}
	}

	full, err := c.scraper.Capture(ctx, agentID, c.windows.Full)
	if err != nil {
		statusLog.Debug("capture_failed", "agent", agentID, "error", err)
		return RuntimeState{State: Busy, Reason: provider.ReasonUnreadableOutput}
	}

	var elapsed *int
	if e, ok := caps.ParseElapsed(full); ok {
		elapsed = intPtr(e)
	}

	// A failed blocked capture is treated as not blocked; the busy check
	// below fails safe on its own.
	if recent, err := c.scraper.Capture(ctx, agentID, c.windows.Blocked); err == nil && caps.ClassifyBlocked(recent) {
		return RuntimeState{State: Blocked, ElapsedSeconds: elapsed}
	}

	recent, err := c.scraper.Capture(ctx, agentID, c.windows.Busy)
	if err != nil {
		statusLog.Debug("capture_failed", "agent", agentID, "window", c.windows.Busy, "error", err)
		return RuntimeState{State: Busy, Reason: provider.ReasonUnreadableOutput}
	}
	if caps.ClassifyBusy(recent) {
		if elapsed != nil && *elapsed >= caps.StuckAfterSeconds() {
			return RuntimeState{State: Stuck, ElapsedSeconds: elapsed}
		}
		return RuntimeState{State: Busy, ElapsedSeconds: elapsed}
	}

	if reason, ok := caps.ClassifyError(full); ok {
		return RuntimeState{State: Error, Reason: reason}
	}
	return RuntimeState{State: Idle}
}

// IsBusy is the coarse check used before interrupting an agent: a busy
// pattern in the last few lines. Anything unreadable counts as busy.
func (c *Classifier) IsBusy(ctx context.Context, agentID string, caps provider.Capabilities) bool {
	if !c.scraper.Exists(ctx, agentID) {
		return false
	}
	recent, err := c.scraper.Capture(ctx, agentID, c.windows.Busy)
	if err != nil {
		return true
	}
	return caps.ClassifyBusy(recent)
}

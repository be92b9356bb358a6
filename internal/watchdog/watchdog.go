// Package watchdog is the periodic driver that keeps a small set of agents
// alive. Each Tick restarts stopped agents, nudges blocked or erroring ones
// at most once per cooldown, and, while the primary agent is idle, looks for
// new work with exponential backoff. The checkpoint between ticks is a JSON
// document updated under an advisory lock.
package watchdog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-manager/internal/logging"
	"github.com/asheshgoplani/agent-manager/internal/poll"
	"github.com/asheshgoplani/agent-manager/internal/statestore"
	"github.com/asheshgoplani/agent-manager/internal/status"
)

var wdLog = logging.ForComponent(logging.CompWatchdog)

// Fleet is how the watchdog observes and acts on agents, by name.
type Fleet interface {
	// State returns "unknown" for agents that cannot be resolved.
	State(ctx context.Context, name string) status.State
	Start(ctx context.Context, name string) error
	Send(ctx context.Context, name, message string) error
}

// Unknown is reported for agents the fleet cannot resolve.
const Unknown status.State = "unknown"

// Policy holds the watchdog's intervals and messages.
type Policy struct {
	BaseInterval       time.Duration
	MaxBackoff         time.Duration
	MaxBackoffSteps    int
	NudgeCooldown      time.Duration
	RepeatWorkCooldown time.Duration
	NudgeMessage       string
}

// DefaultPolicy returns the standard intervals.
func DefaultPolicy() Policy {
	return Policy{
		BaseInterval:       15 * time.Minute,
		MaxBackoff:         4 * time.Hour,
		MaxBackoffSteps:    16,
		NudgeCooldown:      2 * time.Hour,
		RepeatWorkCooldown: time.Hour,
		NudgeMessage:       "continue follow workflows/github_issues.md",
	}
}

func (p *Policy) fill() {
	def := DefaultPolicy()
	if p.BaseInterval <= 0 {
		p.BaseInterval = def.BaseInterval
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.MaxBackoffSteps <= 0 {
		p.MaxBackoffSteps = def.MaxBackoffSteps
	}
	if p.NudgeCooldown <= 0 {
		p.NudgeCooldown = def.NudgeCooldown
	}
	if p.RepeatWorkCooldown <= 0 {
		p.RepeatWorkCooldown = def.RepeatWorkCooldown
	}
	if strings.TrimSpace(p.NudgeMessage) == "" {
		p.NudgeMessage = def.NudgeMessage
	}
}

// Backoff is the scan delay after steps consecutive empty scans:
// base doubled steps times, never above max.
func (p Policy) Backoff(steps int) time.Duration {
	d := p.BaseInterval
	for i := 0; i < steps; i++ {
		if d >= p.MaxBackoff {
			break
		}
		d *= 2
	}
	return min(d, p.MaxBackoff)
}

// Checkpoint persists State across ticks. Update holds the file lock for the
// whole tick, so overlapping invocations run one after the other.
type Checkpoint interface {
	Update(ctx context.Context, fn func(st *State) error) error
}

var _ Checkpoint = (*statestore.JSONFile[State])(nil)

// Options configures a Watchdog.
type Options struct {
	// Agents are watched in order; the first is the primary that receives
	// discovered work.
	Agents []string
	Fleet  Fleet
	// Work is optional; without it the watchdog never scans.
	Work   WorkFinder
	Store  Checkpoint
	Policy Policy
	Clock  poll.Clock
}

// Watchdog runs ticks.
type Watchdog struct {
	agents []string
	fleet  Fleet
	work   WorkFinder
	store  Checkpoint
	policy Policy
	clock  poll.Clock
}

// New returns a Watchdog.
func New(opts Options) *Watchdog {
	w := &Watchdog{
		agents: opts.Agents,
		fleet:  opts.Fleet,
		work:   opts.Work,
		store:  opts.Store,
		policy: opts.Policy,
		clock:  opts.Clock,
	}
	w.policy.fill()
	if w.clock == nil {
		w.clock = poll.Real
	}
	return w
}

// AgentStatus pairs an agent with the state seen this tick.
type AgentStatus struct {
	Name  string
	State status.State
}

// Report summarizes one tick.
type Report struct {
	Statuses []AgentStatus
	Actions  []string
	Work     *WorkItem
	// PrimaryIdle is set when the backoff line is meaningful.
	PrimaryIdle  bool
	NextScanIn   time.Duration
	BackoffSteps int
}

// String renders the two or three line report.
func (r *Report) String() string {
	var b strings.Builder
	b.WriteString("status")
	for _, s := range r.Statuses {
		fmt.Fprintf(&b, " %s=%s", s.Name, s.State)
	}
	if r.Work != nil {
		fmt.Fprintf(&b, " next=%s", r.Work.URL)
	}
	b.WriteString("\n")
	if len(r.Actions) == 0 {
		b.WriteString("action none")
	} else {
		b.WriteString("action " + strings.Join(r.Actions, "; "))
	}
	if r.PrimaryIdle {
		fmt.Fprintf(&b, "\nbackoff next_scan_in=%ds steps=%d", int(r.NextScanIn/time.Second), r.BackoffSteps)
	}
	return b.String()
}

// Tick runs one watchdog pass. The checkpoint is saved even when individual
// actions fail; only a store failure is returned.
func (w *Watchdog) Tick(ctx context.Context) (*Report, error) {
	if len(w.agents) == 0 {
		return nil, fmt.Errorf("watchdog: no agents configured")
	}
	rep := &Report{}
	err := w.store.Update(ctx, func(st *State) error {
		w.tick(ctx, st, rep)
		return nil
	})
	return rep, err
}

func (w *Watchdog) tick(ctx context.Context, st *State, rep *Report) {
	now := w.clock.Now()

	for _, name := range w.agents {
		rep.Statuses = append(rep.Statuses, AgentStatus{Name: name, State: w.fleet.State(ctx, name)})
	}

	for _, s := range rep.Statuses {
		if s.State != status.Stopped {
			continue
		}
		if err := w.fleet.Start(ctx, s.Name); err != nil {
			wdLog.Warn("agent_start_failed", "agent", s.Name, "error", err)
			rep.Actions = append(rep.Actions, fmt.Sprintf("start %s failed: %v", s.Name, err))
			continue
		}
		wdLog.Info("agent_started", "agent", s.Name)
		rep.Actions = append(rep.Actions, "started "+s.Name)
	}

	for _, s := range rep.Statuses {
		if s.State != status.Blocked && s.State != status.Error {
			continue
		}
		if last := st.LastNudge[s.Name]; !last.IsZero() && now.Sub(last) < w.policy.NudgeCooldown {
			continue
		}
		rep.Actions = append(rep.Actions, w.send(ctx, s.Name, w.policy.NudgeMessage))
		if st.LastNudge == nil {
			st.LastNudge = make(map[string]time.Time)
		}
		st.LastNudge[s.Name] = now
	}

	primary := rep.Statuses[0]
	if primary.State != status.Idle {
		return
	}
	rep.PrimaryIdle = true
	if w.work != nil && !now.Before(st.NextScan) {
		w.scan(ctx, st, rep, primary.Name, now)
	}
	rep.BackoffSteps = st.BackoffSteps
	if st.NextScan.After(now) {
		rep.NextScanIn = st.NextScan.Sub(now)
	}
}

func (w *Watchdog) scan(ctx context.Context, st *State, rep *Report, primary string, now time.Time) {
	work, err := w.work.FindWork(ctx)
	if err != nil {
		wdLog.Warn("work_discovery_failed", "error", err)
	}
	if work == nil {
		st.BackoffSteps = min(st.BackoffSteps+1, w.policy.MaxBackoffSteps)
		st.NextScan = now.Add(w.policy.Backoff(st.BackoffSteps))
		wdLog.Debug("no_work_found", "steps", st.BackoffSteps, "next_scan", st.NextScan)
		return
	}

	rep.Work = work
	previous := st.LastWorkURL
	st.BackoffSteps = 0
	st.NextScan = now.Add(w.policy.BaseInterval)
	st.LastWorkURL = work.URL

	if work.URL != previous || st.LastWorkNudge.IsZero() || now.Sub(st.LastWorkNudge) >= w.policy.RepeatWorkCooldown {
		msg := fmt.Sprintf("work found: %s (repo %s, dir %s). %s", work.URL, work.GitHubRepo, work.RepoDir, w.policy.NudgeMessage)
		rep.Actions = append(rep.Actions, w.send(ctx, primary, msg))
		st.LastWorkNudge = now
	}
}

func (w *Watchdog) send(ctx context.Context, name, msg string) string {
	if err := w.fleet.Send(ctx, name, msg); err != nil {
		wdLog.Warn("agent_send_failed", "agent", name, "error", err)
		return fmt.Sprintf("send %s failed: %v", name, err)
	}
	wdLog.Info("agent_nudged", "agent", name)
	return "sent to " + name
}

// Package scheduler executes one scheduled job: it classifies the agent,
// decides whether to restart, skip or proceed, delivers the task and waits
// for the agent to finish.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-manager/internal/agent"
	"github.com/asheshgoplani/agent-manager/internal/logging"
	"github.com/asheshgoplani/agent-manager/internal/poll"
	"github.com/asheshgoplani/agent-manager/internal/provider"
	"github.com/asheshgoplani/agent-manager/internal/session"
	"github.com/asheshgoplani/agent-manager/internal/statedb"
	"github.com/asheshgoplani/agent-manager/internal/status"
)

var schedLog = logging.ForComponent(logging.CompSchedule)

var (
	ErrNoTask        = errors.New("no task content for schedule")
	ErrStartFailed   = errors.New("failed to start agent")
	ErrRestartFailed = errors.New("failed to restart agent")
	ErrSendFailed    = errors.New("failed to send task to agent")
)

const (
	// OutputBegin and OutputEnd frame the pane tail in the job log.
	OutputBegin = "----- Agent Output (tail) -----"
	OutputEnd   = "----- End Agent Output -----"

	// inlineTaskLimit is the longest single-line task pasted to codex.
	inlineTaskLimit = 2000

	restartSource = "schedule"
)

// Sessions is the lifecycle surface a job needs. *session.Manager
// implements it.
type Sessions interface {
	Running(ctx context.Context, p *agent.Profile) bool
	Provider(p *agent.Profile) *provider.Provider
	Start(ctx context.Context, p *agent.Profile, opts session.StartOptions) (*session.StartResult, error)
	Restart(ctx context.Context, p *agent.Profile) (*session.StartResult, error)
	Send(ctx context.Context, p *agent.Profile, text string, enter bool) error
	Capture(ctx context.Context, p *agent.Profile, lines int) (string, error)
}

var _ Sessions = (*session.Manager)(nil)

// Classifier reads an agent's runtime state. *status.Classifier implements it.
type Classifier interface {
	Classify(ctx context.Context, agentID string, caps provider.Capabilities) status.RuntimeState
	IsBusy(ctx context.Context, agentID string, caps provider.Capabilities) bool
}

// Ledger records runs and restarts. *statedb.StateDB implements it.
type Ledger interface {
	StartRun(agentID, job string, at time.Time) (int64, error)
	FinishRun(id int64, outcome statedb.Outcome, decision, finalState, detail string, at time.Time) error
	RecordRestart(agentID, reason, source string, at time.Time) error
}

// Timing holds the delays and deadlines of a run. Zero values take defaults.
type Timing struct {
	StartSettle     time.Duration
	IdleSettle      time.Duration
	IdlePoll        time.Duration
	StartDetect     time.Duration
	StartDetectPoll time.Duration
	CompletionPoll  time.Duration
	FlushDelay      time.Duration
	DefaultWait     time.Duration
	StuckDefault    time.Duration
	OutputTailLines int
	LogRetention    time.Duration
}

// DefaultTiming returns the standard delays.
func DefaultTiming() Timing {
	return Timing{
		StartSettle:     2 * time.Second,
		IdleSettle:      5 * time.Second,
		IdlePoll:        500 * time.Millisecond,
		StartDetect:     30 * time.Second,
		StartDetectPoll: time.Second,
		CompletionPoll:  2 * time.Second,
		FlushDelay:      time.Second,
		DefaultWait:     600 * time.Second,
		StuckDefault:    900 * time.Second,
		OutputTailLines: 200,
		LogRetention:    7 * 24 * time.Hour,
	}
}

func (t *Timing) fill() {
	def := DefaultTiming()
	set := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	set(&t.StartSettle, def.StartSettle)
	set(&t.IdleSettle, def.IdleSettle)
	set(&t.IdlePoll, def.IdlePoll)
	set(&t.StartDetect, def.StartDetect)
	set(&t.StartDetectPoll, def.StartDetectPoll)
	set(&t.CompletionPoll, def.CompletionPoll)
	set(&t.FlushDelay, def.FlushDelay)
	set(&t.DefaultWait, def.DefaultWait)
	set(&t.StuckDefault, def.StuckDefault)
	set(&t.LogRetention, def.LogRetention)
	if t.OutputTailLines <= 0 {
		t.OutputTailLines = def.OutputTailLines
	}
}

// Options configures a Runner.
type Options struct {
	Sessions   Sessions
	Classifier Classifier
	// Ledger is optional.
	Ledger   Ledger
	RepoRoot string
	Env      *agent.Expander
	Timing   Timing
	Clock    poll.Clock
	Out      io.Writer
}

// Runner executes scheduled jobs.
type Runner struct {
	sessions   Sessions
	classifier Classifier
	ledger     Ledger
	repoRoot   string
	env        *agent.Expander
	timing     Timing
	clock      poll.Clock
	out        io.Writer
}

// NewRunner returns a Runner.
func NewRunner(opts Options) *Runner {
	r := &Runner{
		sessions:   opts.Sessions,
		classifier: opts.Classifier,
		ledger:     opts.Ledger,
		repoRoot:   opts.RepoRoot,
		env:        opts.Env,
		timing:     opts.Timing,
		clock:      opts.Clock,
		out:        opts.Out,
	}
	r.timing.fill()
	if r.clock == nil {
		r.clock = poll.Real
	}
	if r.out == nil {
		r.out = io.Discard
	}
	return r
}

func (r *Runner) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format+"\n", args...)
}

// Job identifies one scheduled run.
type Job struct {
	Profile  *agent.Profile
	Schedule *agent.Schedule
	// Timeout overrides the schedule's max_runtime when set.
	Timeout string
}

// Result describes a finished run.
type Result struct {
	Outcome  statedb.Outcome
	Decision Decision
	// Restarts lists restart reasons in order.
	Restarts   []string
	WasStarted bool
	Sent       bool
	FinalState status.RuntimeState
	Output     string
}

// ExitCode is the process status for cron: 0 for success or a deliberate
// skip, 1 otherwise.
func (r *Result) ExitCode() int {
	if r == nil || r.Outcome == statedb.OutcomeFailed {
		return 1
	}
	return 0
}

// run carries per-invocation state.
type run struct {
	*Runner
	job        Job
	p          *agent.Profile
	id         string
	caps       *provider.Provider
	res        *Result
	ledgerID   int64
	didRestart bool
}

// Run executes job. The returned Result is never nil; err is set when the
// outcome is a failure.
func (r *Runner) Run(ctx context.Context, job Job) (*Result, error) {
	p, s := job.Profile, job.Schedule
	jobName := s.JobName()
	res := &Result{Outcome: statedb.OutcomeSkipped, Decision: Proceed}

	if !p.IsEnabled() {
		r.printf("⏭️  Agent '%s' is disabled - skipping scheduled job '%s'", p.DisplayName(), jobName)
		r.printf("   Config: %s", p.Path)
		res.Decision = SkipAgentDisabled
		return res, nil
	}
	if !s.IsEnabled() {
		r.printf("⏭️  Schedule '%s' is disabled for agent '%s'", jobName, p.DisplayName())
		res.Decision = SkipJobDisabled
		return res, nil
	}

	now := r.clock.Now()
	if removed, err := CleanupLogs(r.repoRoot, r.timing.LogRetention, now); err != nil {
		schedLog.Warn("log_cleanup_failed", "error", err)
	} else if removed > 0 {
		r.printf("   🗑️  Cleaned up %d old log file(s)", removed)
	}

	x := &run{Runner: r, job: job, p: p, id: p.ID(), res: res}
	if r.ledger != nil {
		id, err := r.ledger.StartRun(x.id, jobName, now)
		if err != nil {
			schedLog.Warn("ledger_start_failed", "agent", x.id, "job", jobName, "error", err)
		}
		x.ledgerID = id
	}

	err := x.execute(ctx)
	if err != nil {
		res.Outcome = statedb.OutcomeFailed
		r.printf("❌ %v", err)
		x.dumpLogs(jobName)
	}
	x.finish(err)
	return res, err
}

func (x *run) execute(ctx context.Context) error {
	s := x.job.Schedule
	jobName := s.JobName()

	task := s.TaskText(x.repoRoot, x.env)
	if task == "" {
		return fmt.Errorf("%w '%s'", ErrNoTask, jobName)
	}
	taskPath, hasTaskPath := s.TaskFilePath(x.repoRoot, x.env)

	x.printf("🚀 Running scheduled job: %s/%s", x.p.DisplayName(), jobName)
	x.printf("   Time: %s", x.clock.Now().Format("2006-01-02 15:04:05"))

	timeoutStr := x.job.Timeout
	if timeoutStr == "" {
		timeoutStr = s.MaxRuntime
	}
	var lim Limits
	lim.StuckDefault = int(x.timing.StuckDefault / time.Second)
	if d, ok := agent.ParseDuration(timeoutStr); ok {
		lim.Timeout = int(d / time.Second)
		x.printf("   Max runtime: %s", timeoutStr)
	}

	if !x.sessions.Running(ctx, x.p) {
		x.printf("   Starting agent...")
		// A from-scratch scheduled run never resumes an old conversation.
		if _, err := x.sessions.Start(ctx, x.p, session.StartOptions{}); err != nil {
			return fmt.Errorf("%w: %v", ErrStartFailed, err)
		}
		x.res.WasStarted = true
		if err := x.clock.Sleep(ctx, x.timing.StartSettle); err != nil {
			return err
		}
	}
	x.caps = x.sessions.Provider(x.p)

	rs := x.classify(ctx)
	decision, reason := Decide(rs, lim, func() bool {
		return x.classifier.IsBusy(ctx, x.id, x.caps)
	})
	x.res.Decision = decision
	schedLog.Info("job_decision", "agent", x.id, "job", jobName, "state", rs.State, "decision", decision)

	switch {
	case decision == SkipBlocked:
		x.printf("⏭️  Agent is blocked, skipping scheduled task")
		x.printf("   Will retry on next cron execution")
		x.res.FinalState = rs
		return nil
	case decision == SkipStuck:
		x.printf("⏭️  Agent appears stuck but below restart threshold; skipping scheduled task")
		x.printf("   Will retry on next cron execution")
		x.res.FinalState = rs
		return nil
	case decision == SkipBusy:
		x.printf("⏭️  Agent is busy, skipping scheduled task")
		x.printf("   Will retry on next cron execution")
		x.res.FinalState = rs
		return nil
	case decision.Restart():
		if err := x.restart(ctx, reason); err != nil {
			return err
		}
	}

	if s.ClearContext && !x.res.WasStarted && !x.didRestart {
		if rs := x.classify(ctx); ShouldClearContext(s.ClearContext, x.res.WasStarted, x.didRestart, rs) {
			x.res.Decision = RestartClearContext
			if err := x.restart(ctx, "clear_context"); err != nil {
				return err
			}
		}
	}

	// Let a freshly busy agent settle so the task is not queued behind
	// whatever it is finishing.
	if !x.res.WasStarted && !x.didRestart {
		if _, err := poll.Until(ctx, x.clock, poll.Policy{Interval: x.timing.IdlePoll, Timeout: x.timing.IdleSettle}, func() bool {
			return x.classify(ctx).State == status.Idle
		}); err != nil {
			return err
		}
	}

	message, err := x.taskMessage(jobName, task, taskPath, hasTaskPath)
	if err != nil {
		return err
	}
	if err := x.sessions.Send(ctx, x.p, message, true); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	x.res.Sent = true
	x.res.Outcome = statedb.OutcomeSuccess
	x.printf("✅ Task sent to %s", x.p.DisplayName())

	wait := x.timing.DefaultWait
	if lim.Timeout > 0 {
		wait = time.Duration(lim.Timeout) * time.Second
	}
	return x.awaitCompletion(ctx, wait)
}

func (x *run) classify(ctx context.Context) status.RuntimeState {
	return x.classifier.Classify(ctx, x.id, x.caps)
}

// restart is the single path for every restart in a run.
func (x *run) restart(ctx context.Context, reason string) error {
	x.printf("♻️  Restarting agent (reason: %s)", reason)
	if _, err := x.sessions.Restart(ctx, x.p); err != nil {
		return fmt.Errorf("%w: %v", ErrRestartFailed, err)
	}
	x.didRestart = true
	x.res.Restarts = append(x.res.Restarts, reason)
	schedLog.Info("agent_restarted", "agent", x.id, "reason", reason)
	if x.ledger != nil {
		if err := x.ledger.RecordRestart(x.id, reason, restartSource, x.clock.Now()); err != nil {
			schedLog.Warn("ledger_restart_failed", "agent", x.id, "error", err)
		}
	}
	return nil
}

// taskMessage returns what is typed into the agent. Codex handles large
// multi-line pastes badly, so it gets a pointer to a file instead.
func (x *run) taskMessage(job, task, taskPath string, hasTaskPath bool) (string, error) {
	if x.caps.Key != provider.KeyCodex {
		return task, nil
	}
	if hasTaskPath {
		return FileMessage(job, taskPath), nil
	}
	if strings.Contains(task, "\n") || len(task) > inlineTaskLimit {
		path, err := WriteTaskFile(x.repoRoot, x.id, job, task)
		if err != nil {
			return "", err
		}
		return FileMessage(job, path), nil
	}
	return task, nil
}

// awaitCompletion waits for the agent to pick the task up and finish, then
// prints the tail of its pane. Timing out is not a failure.
func (x *run) awaitCompletion(ctx context.Context, wait time.Duration) error {
	started := x.clock.Now()
	var last status.RuntimeState

	detect := min(x.timing.StartDetect, wait)
	if _, err := poll.Until(ctx, x.clock, poll.Policy{Interval: x.timing.StartDetectPoll, Timeout: detect}, func() bool {
		last = x.classify(ctx)
		return last.State != status.Idle
	}); err != nil {
		return err
	}

	x.printf("   Waiting for completion (up to %ds)...", int(wait/time.Second))
	remaining := wait - x.clock.Now().Sub(started)
	if remaining > 0 {
		if _, err := poll.Until(ctx, x.clock, poll.Policy{Interval: x.timing.CompletionPoll, Timeout: remaining}, func() bool {
			last = x.classify(ctx)
			return last.State.Terminal()
		}); err != nil {
			return err
		}
	}
	x.res.FinalState = last

	if err := x.clock.Sleep(ctx, x.timing.FlushDelay); err != nil {
		return err
	}
	tail, err := x.sessions.Capture(ctx, x.p, x.timing.OutputTailLines)
	if err != nil || tail == "" {
		x.printf("⚠️  Could not capture agent output")
	} else {
		x.res.Output = strings.TrimRight(tail, " \t\r\n")
		x.printf("%s", OutputBegin)
		x.printf("%s", x.res.Output)
		x.printf("%s", OutputEnd)
	}
	if last.State != "" && last.State != status.Idle {
		x.printf("⚠️  Agent state after wait: %s", last.State)
	}
	return nil
}

func (x *run) finish(runErr error) {
	if x.ledger == nil || x.ledgerID == 0 {
		return
	}
	detail := strings.Join(x.res.Restarts, ",")
	if runErr != nil {
		detail = runErr.Error()
	}
	if err := x.ledger.FinishRun(x.ledgerID, x.res.Outcome, string(x.res.Decision), string(x.res.FinalState.State), detail, x.clock.Now()); err != nil {
		schedLog.Warn("ledger_finish_failed", "agent", x.id, "error", err)
	}
}

// dumpLogs writes this agent's recent log records next to the job's cron log.
func (x *run) dumpLogs(job string) {
	name := fmt.Sprintf("agent-%s-%s.failure-%s.log", x.id, SafeJobName(job), x.clock.Now().UTC().Format("20060102T150405"))
	path := filepath.Join(LogDir(x.repoRoot), name)
	if err := logging.DumpRingBuffer(path, x.id); err != nil {
		schedLog.Warn("ring_buffer_dump_failed", "path", path, "error", err)
	}
}

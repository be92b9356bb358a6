// Package session runs agents inside tmux: it builds the launch command,
// resumes provider conversations, delivers the role prompt and waits for the
// CLI to accept input.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-manager/internal/agent"
	"github.com/asheshgoplani/agent-manager/internal/logging"
	"github.com/asheshgoplani/agent-manager/internal/poll"
	"github.com/asheshgoplani/agent-manager/internal/provider"
	"github.com/asheshgoplani/agent-manager/internal/restore"
	"github.com/asheshgoplani/agent-manager/internal/tmux"
)

var sessionLog = logging.ForComponent(logging.CompSession)

var (
	ErrDisabled       = errors.New("agent is disabled")
	ErrAlreadyRunning = errors.New("agent is already running")
	ErrNotRunning     = errors.New("agent is not running")
	ErrNoWorkingDir   = errors.New("no working directory specified")
	ErrNoLauncher     = errors.New("no launcher configured")
	ErrExited         = errors.New("agent session exited during startup")
	ErrPromptTimeout  = errors.New("timeout waiting for CLI prompt")
	ErrEmptyTask      = errors.New("task cannot be empty")
)

// Tmux is the multiplexer surface the manager drives. *tmux.Client
// implements it.
type Tmux interface {
	Exists(ctx context.Context, agentID string) bool
	Start(ctx context.Context, agentID, workDir, command string) error
	Kill(ctx context.Context, agentID string) error
	Capture(ctx context.Context, agentID string, lines int) (string, error)
	Paste(ctx context.Context, agentID, buffer, text string) error
	SendEnter(ctx context.Context, agentID string) error
	SendText(ctx context.Context, agentID, text string, enter bool) error
}

var _ Tmux = (*tmux.Client)(nil)

// Timing holds the start-up waits. Zero values take defaults.
type Timing struct {
	Prompt        poll.Policy
	Ready         poll.Policy
	ReadyMinWait  time.Duration
	PasteSettle   time.Duration
	RestartPause  time.Duration
	RestartSettle time.Duration
	AssignSettle  time.Duration
}

// DefaultTiming returns the standard waits.
func DefaultTiming() Timing {
	return Timing{
		Prompt:        poll.Policy{Interval: time.Second, Timeout: 30 * time.Second},
		Ready:         poll.Policy{Interval: 2 * time.Second, Timeout: 45 * time.Second},
		ReadyMinWait:  3 * time.Second,
		PasteSettle:   time.Second,
		RestartPause:  time.Second,
		RestartSettle: 2 * time.Second,
		AssignSettle:  3 * time.Second,
	}
}

// Options configures a Manager.
type Options struct {
	Tmux      Tmux
	Providers *provider.Registry
	Resolver  *restore.Resolver
	RepoRoot  string
	Home      string
	Timing    Timing
	Clock     poll.Clock
	// Out receives user-facing progress lines. Nil discards them.
	Out io.Writer
}

// Manager starts and drives agent sessions.
type Manager struct {
	tmux      Tmux
	providers *provider.Registry
	resolver  *restore.Resolver
	repoRoot  string
	home      string
	timing    Timing
	clock     poll.Clock
	out       io.Writer
}

// NewManager returns a Manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		tmux:      opts.Tmux,
		providers: opts.Providers,
		resolver:  opts.Resolver,
		repoRoot:  opts.RepoRoot,
		home:      opts.Home,
		timing:    opts.Timing,
		clock:     opts.Clock,
		out:       opts.Out,
	}
	if m.providers == nil {
		m.providers = provider.DefaultRegistry()
	}
	if m.home == "" {
		m.home, _ = os.UserHomeDir()
	}
	if m.clock == nil {
		m.clock = poll.Real
	}
	if m.out == nil {
		m.out = io.Discard
	}
	def := DefaultTiming()
	t := &m.timing
	if t.Prompt.Timeout <= 0 {
		t.Prompt = def.Prompt
	}
	if t.Ready.Timeout <= 0 {
		t.Ready = def.Ready
	}
	if t.ReadyMinWait <= 0 {
		t.ReadyMinWait = def.ReadyMinWait
	}
	if t.PasteSettle <= 0 {
		t.PasteSettle = def.PasteSettle
	}
	if t.RestartPause <= 0 {
		t.RestartPause = def.RestartPause
	}
	if t.RestartSettle <= 0 {
		t.RestartSettle = def.RestartSettle
	}
	if t.AssignSettle <= 0 {
		t.AssignSettle = def.AssignSettle
	}
	return m
}

func (m *Manager) printf(format string, args ...any) {
	fmt.Fprintf(m.out, format+"\n", args...)
}

// Provider returns the provider the profile's launcher resolves to.
func (m *Manager) Provider(p *agent.Profile) *provider.Provider {
	return m.providers.ForLauncher(m.providers.ResolveLauncher(p.Launcher, m.home))
}

// Running reports whether the agent's session exists.
func (m *Manager) Running(ctx context.Context, p *agent.Profile) bool {
	return m.tmux.Exists(ctx, p.ID())
}

// StartOptions modify a start.
type StartOptions struct {
	// WorkingDir overrides the profile's working_directory.
	WorkingDir string
	// Restore reuses a running session and resumes the provider
	// conversation when its artifact still exists.
	Restore bool
}

// StartResult describes what Start did.
type StartResult struct {
	AgentID  string
	Session  string
	WorkDir  string
	Provider provider.Key
	// Reused means the session was already running and left alone.
	Reused bool
	// Restored means the provider conversation was resumed.
	Restored  bool
	SessionID string
	// PromptVia is the delivery used for the system prompt, or "".
	PromptVia provider.SystemPromptMode
	Ready     bool
}

// Start launches the agent's CLI in a new session.
func (m *Manager) Start(ctx context.Context, p *agent.Profile, opts StartOptions) (*StartResult, error) {
	id := p.ID()
	res := &StartResult{AgentID: id, Session: tmux.SessionName(id)}

	if !p.IsEnabled() {
		return nil, fmt.Errorf("%w: %s (%s)", ErrDisabled, p.DisplayName(), p.Path)
	}
	if m.tmux.Exists(ctx, id) {
		if opts.Restore {
			res.Reused = true
			sessionLog.Info("session_reused", "agent", id)
			return res, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, res.Session)
	}

	wd := opts.WorkingDir
	if wd == "" {
		wd = p.WorkingDirectory
	}
	if wd == "" {
		return nil, ErrNoWorkingDir
	}
	wd = NormalizePath(wd, m.home)
	res.WorkDir = wd

	launcher := m.providers.ResolveLauncher(p.Launcher, m.home)
	if launcher == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoLauncher, p.DisplayName())
	}
	prov := m.providers.ForLauncher(launcher)
	key := prov.Key
	res.Provider = key
	args := slices.Clone(p.LauncherArgs)

	// `droid exec` runs one-shot and leaves no resumable session.
	track := m.resolver != nil && m.resolver.Supported(key) &&
		!(key == provider.KeyDroid && slices.Contains(args, "exec"))

	var before restore.Snapshot
	if track {
		before = m.resolver.Snapshot(key, wd)
	}
	if opts.Restore && track && prov.SupportsRestore() {
		r := m.resolver.Resolve(ctx, key, id, wd)
		switch {
		case r.SessionID != "":
			args = restore.ResumeArgs(key, launcher, args, prov.Restore.Flag, r.SessionID)
			res.Restored = true
			res.SessionID = r.SessionID
		case r.Stale != "":
			m.printf("⚠️  Stored %s sessionId not found for cwd; starting fresh", key)
		}
	}

	prompt := agent.SystemPrompt(p, m.repoRoot, m.home)
	if prompt != "" && !res.Restored && prov.AgentsMD == provider.AgentsMDCwd &&
		fileExists(filepath.Join(wd, agent.FolderProfileName)) {
		m.printf("ℹ️  AGENTS.md found in working directory; skipping system prompt injection")
		prompt = ""
	}

	mcpJSON, err := p.MCPConfigJSON()
	if err != nil {
		return nil, err
	}

	useCLIPrompt := prompt != "" && !res.Restored && cliPromptSupported(prov.SystemPrompt)
	command := BuildStartCommand(wd, launcher, args)
	if useCLIPrompt {
		file, err := WriteSystemPrompt(m.repoRoot, id, prompt)
		if err != nil {
			return nil, err
		}
		command = appendSystemPrompt(command, prov.SystemPrompt, file)
		res.PromptVia = prov.SystemPrompt.Mode
	}

	switch {
	case mcpJSON != "" && res.Restored:
		m.printf("ℹ️  Provider session restored; skipping MCP config injection")
	case mcpJSON != "" && prov.MCP.Mode == provider.MCPCLIJSON && prov.MCP.Flag != "":
		command = fmt.Sprintf("%s %s %s", command, ShellQuote(prov.MCP.Flag), ShellQuote(mcpJSON))
	case mcpJSON != "":
		m.printf("⚠️  MCP config present but not supported for launcher '%s' - ignoring", launcher)
	}

	if err := m.tmux.Start(ctx, id, wd, command); err != nil {
		return nil, fmt.Errorf("session: start %s: %w", id, err)
	}
	sessionLog.Info("session_started", "agent", id, "provider", key, "cwd", wd, "restored", res.Restored)
	m.printf("✅ Agent '%s' started", p.DisplayName())
	m.printf("   Session: %s(%s)", res.Session, p.DisplayName())
	m.printf("   Working Dir: %s", wd)

	m.printf("⏳ Waiting for CLI to be ready...")
	ok, err := m.waitForPrompt(ctx, id, prov)
	if err != nil {
		return nil, err
	}
	if !ok {
		if !m.tmux.Exists(ctx, id) {
			return nil, ErrExited
		}
		if !useCLIPrompt {
			return nil, fmt.Errorf("%w: %s", ErrPromptTimeout, id)
		}
		m.printf("   Continuing: system prompt passed via %s; CLI may still be starting...", prov.SystemPrompt.Flag)
	}

	if prompt != "" && !res.Restored && !useCLIPrompt {
		if key == provider.KeyCodex {
			return nil, fmt.Errorf("session: %s system prompt must be passed on the command line", key)
		}
		if err := m.injectPrompt(ctx, id, prompt); err != nil {
			return nil, err
		}
		res.PromptVia = provider.SystemPromptTmuxPaste
		m.printf("   System prompt injected (%d chars)", len(prompt))
	}

	if track {
		m.persistSession(ctx, res, key, before)
	}

	m.printf("⏳ Waiting for agent to be ready...")
	res.Ready, err = m.waitForReady(ctx, id, prov)
	if err != nil {
		return nil, err
	}
	if !res.Ready {
		m.printf("⚠️  Agent readiness timeout, but may still be processing...")
	}
	if !m.tmux.Exists(ctx, id) {
		return nil, ErrExited
	}
	return res, nil
}

// persistSession records the provider session for the next restore. A
// resumed id is re-saved to refresh its timestamp; otherwise the new
// artifact is discovered. Failures only cost the next restore.
func (m *Manager) persistSession(ctx context.Context, res *StartResult, key provider.Key, before restore.Snapshot) {
	sid := res.SessionID
	if !res.Restored {
		var ok bool
		sid, ok = m.resolver.Discover(ctx, key, res.WorkDir, before)
		if !ok {
			sessionLog.Warn("session_id_not_discovered", "agent", res.AgentID, "provider", key)
			return
		}
		res.SessionID = sid
	}
	if err := m.resolver.Persist(ctx, key, res.AgentID, sid, res.WorkDir); err != nil {
		sessionLog.Warn("session_record_save_failed", "agent", res.AgentID, "error", err)
	}
}

func (m *Manager) injectPrompt(ctx context.Context, id, prompt string) error {
	if err := m.tmux.Paste(ctx, id, tmux.BufferPrompt, prompt+"\n"); err != nil {
		return fmt.Errorf("session: inject system prompt: %w", err)
	}
	if err := m.clock.Sleep(ctx, m.timing.PasteSettle); err != nil {
		return err
	}
	if err := m.tmux.SendEnter(ctx, id); err != nil {
		return fmt.Errorf("session: inject system prompt: %w", err)
	}
	return nil
}

// Stop kills the agent's session.
func (m *Manager) Stop(ctx context.Context, p *agent.Profile) error {
	id := p.ID()
	if !m.tmux.Exists(ctx, id) {
		return fmt.Errorf("%w: %s", ErrNotRunning, p.DisplayName())
	}
	if err := m.tmux.Kill(ctx, id); err != nil {
		return fmt.Errorf("session: stop %s: %w", id, err)
	}
	sessionLog.Info("session_stopped", "agent", id)
	return nil
}

// Restart stops the session if present, pauses, starts fresh without
// restore, then waits for the new CLI to settle.
func (m *Manager) Restart(ctx context.Context, p *agent.Profile) (*StartResult, error) {
	id := p.ID()
	if m.tmux.Exists(ctx, id) {
		if err := m.tmux.Kill(ctx, id); err != nil && !errors.Is(err, tmux.ErrSessionNotFound) {
			sessionLog.Warn("restart_kill_failed", "agent", id, "error", err)
		}
	}
	if err := m.clock.Sleep(ctx, m.timing.RestartPause); err != nil {
		return nil, err
	}
	res, err := m.Start(ctx, p, StartOptions{})
	if err != nil {
		return nil, fmt.Errorf("session: restart %s: %w", id, err)
	}
	if err := m.clock.Sleep(ctx, m.timing.RestartSettle); err != nil {
		return nil, err
	}
	return res, nil
}

// Send types text into a running agent.
func (m *Manager) Send(ctx context.Context, p *agent.Profile, text string, enter bool) error {
	id := p.ID()
	if !m.tmux.Exists(ctx, id) {
		return fmt.Errorf("%w: %s", ErrNotRunning, p.DisplayName())
	}
	if err := m.tmux.SendText(ctx, id, text, enter); err != nil {
		return fmt.Errorf("session: send to %s: %w", id, err)
	}
	return nil
}

// TaskAssignment prefixes an assigned task.
const TaskAssignment = "# Task Assignment\n\n"

// Assign starts the agent when needed and sends task as an assignment.
// started reports whether a new session was launched.
func (m *Manager) Assign(ctx context.Context, p *agent.Profile, task string) (started bool, err error) {
	if strings.TrimSpace(task) == "" {
		return false, ErrEmptyTask
	}
	if !m.tmux.Exists(ctx, p.ID()) {
		m.printf("⚠️  Agent %s is not running. Starting...", p.DisplayName())
		if _, err := m.Start(ctx, p, StartOptions{Restore: true}); err != nil {
			return false, err
		}
		started = true
		if err := m.clock.Sleep(ctx, m.timing.AssignSettle); err != nil {
			return started, err
		}
	}
	return started, m.Send(ctx, p, TaskAssignment+task, true)
}

// Capture returns the last lines of the agent's pane.
func (m *Manager) Capture(ctx context.Context, p *agent.Profile, lines int) (string, error) {
	return m.tmux.Capture(ctx, p.ID(), lines)
}

package session

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-manager/internal/agent"
	"github.com/asheshgoplani/agent-manager/internal/poll"
	"github.com/asheshgoplani/agent-manager/internal/provider"
	"github.com/asheshgoplani/agent-manager/internal/restore"
	"github.com/asheshgoplani/agent-manager/internal/tmux"
)

const (
	uuidA = "0b4a6c1e-3f5d-4e2a-9c8b-7d6e5f4a3b2c"
	uuidB = "9f8e7d6c-5b4a-4321-8fed-cba987654321"
)

type pasted struct {
	buffer, text string
}

type fakeTmux struct {
	mu       sync.Mutex
	running  map[string]bool
	commands map[string]string
	kills    []string
	pastes   []pasted
	enters   int
	sent     []string
	screen   string
	// exitOnStart simulates a launcher that dies immediately.
	exitOnStart bool
	onStart     func(id, command string)
}

func newFakeTmux() *fakeTmux {
	return &fakeTmux{running: map[string]bool{}, commands: map[string]string{}, screen: "> \n"}
}

func (f *fakeTmux) Exists(_ context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[id]
}

func (f *fakeTmux) Start(_ context.Context, id, _, command string) error {
	f.mu.Lock()
	f.commands[id] = command
	f.running[id] = !f.exitOnStart
	hook := f.onStart
	f.mu.Unlock()
	if hook != nil {
		hook(id, command)
	}
	return nil
}

func (f *fakeTmux) Kill(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, id)
	delete(f.running, id)
	return nil
}

func (f *fakeTmux) Capture(_ context.Context, id string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[id] {
		return "", tmux.ErrSessionNotFound
	}
	return f.screen, nil
}

func (f *fakeTmux) Paste(_ context.Context, _, buffer, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pastes = append(f.pastes, pasted{buffer, text})
	return nil
}

func (f *fakeTmux) SendEnter(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enters++
	return nil
}

func (f *fakeTmux) SendText(_ context.Context, _, text string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

type harness struct {
	tmux     *fakeTmux
	clock    *poll.FakeClock
	records  *restore.RecordStore
	manager  *Manager
	out      *bytes.Buffer
	home     string
	repoRoot string
	cwd      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		tmux:     newFakeTmux(),
		clock:    poll.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		out:      &bytes.Buffer{},
		home:     filepath.Join(root, "home"),
		repoRoot: filepath.Join(root, "repo"),
		cwd:      filepath.Join(root, "work"),
	}
	for _, dir := range []string{h.home, h.repoRoot, h.cwd} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
	h.cwd = NormalizePath(h.cwd, h.home)
	h.records = restore.NewRecordStore(restore.RecordDir(h.repoRoot))
	resolver := restore.NewResolver(h.records, restore.Options{Home: h.home, Clock: h.clock})
	h.manager = NewManager(Options{
		Tmux:     h.tmux,
		Resolver: resolver,
		RepoRoot: h.repoRoot,
		Home:     h.home,
		Clock:    h.clock,
		Out:      h.out,
	})
	return h
}

func (h *harness) profile(launcher string) *agent.Profile {
	return &agent.Profile{
		Name:             "Dev",
		FileID:           "EMP_0001",
		Launcher:         launcher,
		WorkingDirectory: h.cwd,
		RoleDefinition:   "You build things.",
	}
}

func (h *harness) claudeArtifact(t *testing.T, id string) string {
	t.Helper()
	dir := filepath.Join(h.home, ".claude", "projects", restore.ClaudeDirName(h.cwd))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, id+".jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"sessionId":"`+id+`","type":"user"}`+"\n"), 0o644))
	return path
}

func TestStartFreshPassesPromptOnCommandLine(t *testing.T) {
	h := newHarness(t)
	h.tmux.onStart = func(string, string) { h.claudeArtifact(t, uuidA) }

	res, err := h.manager.Start(context.Background(), h.profile("claude"), StartOptions{Restore: true})
	require.NoError(t, err)

	assert.Equal(t, "emp-0001", res.AgentID)
	assert.Equal(t, "agent-emp-0001", res.Session)
	assert.Equal(t, provider.KeyClaude, res.Provider)
	assert.False(t, res.Restored)
	assert.True(t, res.Ready)
	assert.Equal(t, provider.SystemPromptCLIAppend, res.PromptVia)
	assert.Equal(t, uuidA, res.SessionID)

	promptFile := SystemPromptPath(h.repoRoot, "emp-0001")
	cmd := h.tmux.commands["emp-0001"]
	assert.True(t, strings.HasPrefix(cmd, pathPrefix+" && cd "+h.cwd+" && claude"))
	assert.Contains(t, cmd, `--append-system-prompt "$(cat `+promptFile+`)"`)
	assert.NotContains(t, cmd, "--resume")
	assert.Empty(t, h.tmux.pastes)

	data, err := os.ReadFile(promptFile)
	require.NoError(t, err)
	assert.Equal(t, "# DEV ROLE\n\nYou build things.\n", string(data))

	rec, ok := h.records.Load(context.Background(), provider.KeyClaude, "emp-0001")
	require.True(t, ok)
	assert.Equal(t, uuidA, rec.SessionID)
	assert.Equal(t, h.cwd, rec.Cwd)
}

func TestStartStaleRecordStartsFreshAndRecordsNewSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.records.Save(ctx, provider.KeyClaude, "emp-0001", uuidA, h.cwd, h.clock.Now()))
	h.tmux.onStart = func(string, string) { h.claudeArtifact(t, uuidB) }

	res, err := h.manager.Start(ctx, h.profile("claude"), StartOptions{Restore: true})
	require.NoError(t, err)

	assert.False(t, res.Restored)
	assert.NotContains(t, h.tmux.commands["emp-0001"], "--resume")
	assert.Contains(t, h.out.String(), "starting fresh")

	rec, ok := h.records.Load(ctx, provider.KeyClaude, "emp-0001")
	require.True(t, ok)
	assert.Equal(t, uuidB, rec.SessionID)
}

func TestStartResumesVerifiedSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.claudeArtifact(t, uuidA)
	require.NoError(t, h.records.Save(ctx, provider.KeyClaude, "emp-0001", uuidA, h.cwd, h.clock.Now()))

	p := h.profile("claude")
	p.MCPs = map[string]any{"github": map[string]any{"command": "gh-mcp"}}
	res, err := h.manager.Start(ctx, p, StartOptions{Restore: true})
	require.NoError(t, err)

	assert.True(t, res.Restored)
	assert.Equal(t, uuidA, res.SessionID)
	assert.Empty(t, res.PromptVia)
	cmd := h.tmux.commands["emp-0001"]
	assert.True(t, strings.HasSuffix(cmd, "&& claude --resume "+uuidA), cmd)
	assert.Contains(t, h.out.String(), "skipping MCP config injection")
}

func TestStartWithoutRestoreIgnoresRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.claudeArtifact(t, uuidA)
	require.NoError(t, h.records.Save(ctx, provider.KeyClaude, "emp-0001", uuidA, h.cwd, h.clock.Now()))

	res, err := h.manager.Start(ctx, h.profile("claude"), StartOptions{})
	require.NoError(t, err)
	assert.False(t, res.Restored)
	assert.NotContains(t, h.tmux.commands["emp-0001"], "--resume")
}

func TestStartAppendsMCPConfig(t *testing.T) {
	h := newHarness(t)
	p := h.profile("claude")
	p.MCPs = map[string]any{"github": map[string]any{"command": "gh-mcp"}}

	_, err := h.manager.Start(context.Background(), p, StartOptions{})
	require.NoError(t, err)
	assert.Contains(t, h.tmux.commands["emp-0001"], `--mcp-config '{"mcpServers":{"github":{"command":"gh-mcp"}}}'`)
}

func TestStartRejectsInvalidMCPConfig(t *testing.T) {
	h := newHarness(t)
	p := h.profile("claude")
	p.MCPs = []any{"github"}

	_, err := h.manager.Start(context.Background(), p, StartOptions{})
	assert.ErrorIs(t, err, agent.ErrInvalidMCPConfig)
	assert.Empty(t, h.tmux.commands)
}

func TestStartExistingSession(t *testing.T) {
	h := newHarness(t)
	h.tmux.running["emp-0001"] = true

	res, err := h.manager.Start(context.Background(), h.profile("claude"), StartOptions{Restore: true})
	require.NoError(t, err)
	assert.True(t, res.Reused)

	_, err = h.manager.Start(context.Background(), h.profile("claude"), StartOptions{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Empty(t, h.tmux.commands)
}

func TestStartDisabledAgent(t *testing.T) {
	h := newHarness(t)
	p := h.profile("claude")
	off := false
	p.Enabled = &off

	_, err := h.manager.Start(context.Background(), p, StartOptions{})
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestStartRequiresWorkingDirectory(t *testing.T) {
	h := newHarness(t)
	p := h.profile("claude")
	p.WorkingDirectory = ""

	_, err := h.manager.Start(context.Background(), p, StartOptions{})
	assert.ErrorIs(t, err, ErrNoWorkingDir)
}

func TestStartPastesPromptForDroid(t *testing.T) {
	h := newHarness(t)
	h.tmux.screen = "Droid v0.19\n? for help\n"

	res, err := h.manager.Start(context.Background(), h.profile("droid"), StartOptions{})
	require.NoError(t, err)

	assert.Equal(t, provider.SystemPromptTmuxPaste, res.PromptVia)
	require.Len(t, h.tmux.pastes, 1)
	assert.Equal(t, tmux.BufferPrompt, h.tmux.pastes[0].buffer)
	assert.Equal(t, "# DEV ROLE\n\nYou build things.\n", h.tmux.pastes[0].text)
	assert.Equal(t, 1, h.tmux.enters)
	assert.NotContains(t, h.tmux.commands["emp-0001"], "append-system-prompt")
}

func TestStartLauncherExitsDuringStartup(t *testing.T) {
	h := newHarness(t)
	h.tmux.exitOnStart = true

	_, err := h.manager.Start(context.Background(), h.profile("droid"), StartOptions{})
	assert.ErrorIs(t, err, ErrExited)
	assert.Empty(t, h.tmux.pastes)
}

func TestStartPromptTimeoutWithoutCLIPrompt(t *testing.T) {
	h := newHarness(t)
	h.tmux.screen = "loading...\n"

	_, err := h.manager.Start(context.Background(), h.profile("droid"), StartOptions{})
	assert.ErrorIs(t, err, ErrPromptTimeout)
}

func TestStartPromptTimeoutContinuesWithCLIPrompt(t *testing.T) {
	h := newHarness(t)
	h.tmux.screen = "loading...\n"

	res, err := h.manager.Start(context.Background(), h.profile("claude"), StartOptions{})
	require.NoError(t, err)
	assert.False(t, res.Ready)
	assert.Contains(t, h.out.String(), "Continuing")
}

func TestStartCodexSkipsPromptWhenAgentsMDPresent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.cwd, "AGENTS.md"), []byte("# repo rules\n"), 0o644))
	h.tmux.screen = "› Summarize recent commits\n"

	res, err := h.manager.Start(context.Background(), h.profile("codex"), StartOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.PromptVia)
	assert.NotContains(t, h.tmux.commands["emp-0001"], "experimental_instructions_file")
	assert.Contains(t, h.out.String(), "AGENTS.md found")
}

func TestStartCodexUsesConfigKV(t *testing.T) {
	h := newHarness(t)
	h.tmux.screen = "› \n"

	res, err := h.manager.Start(context.Background(), h.profile("codex"), StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, provider.SystemPromptCLIConfigKV, res.PromptVia)
	want := `-c 'experimental_instructions_file="` + SystemPromptPath(h.repoRoot, "emp-0001") + `"'`
	assert.Contains(t, h.tmux.commands["emp-0001"], want)
}

func TestRestartStartsFresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.claudeArtifact(t, uuidA)
	require.NoError(t, h.records.Save(ctx, provider.KeyClaude, "emp-0001", uuidA, h.cwd, h.clock.Now()))
	h.tmux.running["emp-0001"] = true

	res, err := h.manager.Restart(ctx, h.profile("claude"))
	require.NoError(t, err)
	assert.False(t, res.Restored)
	assert.Equal(t, []string{"emp-0001"}, h.tmux.kills)
	assert.NotContains(t, h.tmux.commands["emp-0001"], "--resume")
	assert.True(t, h.tmux.running["emp-0001"])
}

func TestStopNotRunning(t *testing.T) {
	h := newHarness(t)
	err := h.manager.Stop(context.Background(), h.profile("claude"))
	assert.ErrorIs(t, err, ErrNotRunning)

	h.tmux.running["emp-0001"] = true
	require.NoError(t, h.manager.Stop(context.Background(), h.profile("claude")))
	assert.False(t, h.tmux.running["emp-0001"])
}

func TestSendRequiresRunningSession(t *testing.T) {
	h := newHarness(t)
	err := h.manager.Send(context.Background(), h.profile("claude"), "hello", true)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Empty(t, h.tmux.sent)
}

func TestAssignStartsAgentAndPrefixesTask(t *testing.T) {
	h := newHarness(t)

	started, err := h.manager.Assign(context.Background(), h.profile("claude"), "Fix the flaky test")
	require.NoError(t, err)
	assert.True(t, started)
	require.Len(t, h.tmux.sent, 1)
	assert.Equal(t, "# Task Assignment\n\nFix the flaky test", h.tmux.sent[0])

	started, err = h.manager.Assign(context.Background(), h.profile("claude"), "Second task")
	require.NoError(t, err)
	assert.False(t, started)
}

func TestAssignRejectsEmptyTask(t *testing.T) {
	h := newHarness(t)
	_, err := h.manager.Assign(context.Background(), h.profile("claude"), "  \n")
	assert.ErrorIs(t, err, ErrEmptyTask)
}

// Package tmux wraps the tmux CLI as a registry of agent sessions and a pane
// scraper. Every agent owns exactly one session named SessionPrefix+agentID.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/asheshgoplani/agent-manager/internal/logging"
	"github.com/asheshgoplani/agent-manager/internal/poll"
)

var tmuxLog = logging.ForComponent(logging.CompTmux)

// SessionPrefix namespaces agent sessions inside the tmux server.
const SessionPrefix = "agent-"

// Paste buffer names. Each logical write uses its own buffer so concurrent
// writers never clobber each other's pending paste.
const (
	BufferSend   = "agent-send"
	BufferPrompt = "agent-prompt"
	BufferEnter  = "enter-key"
)

var (
	// ErrCaptureTimeout is returned when capture-pane does not complete in time.
	ErrCaptureTimeout = errors.New("tmux capture-pane timed out")
	// ErrSessionNotFound is returned when the agent's session is not running.
	ErrSessionNotFound = errors.New("tmux session not found")
	// ErrSessionExists is returned by Start when the session is already running.
	ErrSessionExists = errors.New("tmux session already exists")
	// ErrNotInstalled is returned when the tmux binary cannot be found.
	ErrNotInstalled = errors.New("tmux is not installed")
)

// ExecFunc runs a command and returns its stdout. stdin may be nil.
type ExecFunc func(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error)

// CommandError carries the stderr of a failed tmux invocation.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("tmux %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("tmux %s: %v: %s", strings.Join(e.Args, " "), e.Err, msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

func execCommand(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, &CommandError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return out, nil
}

// Options tunes the client. Zero values take defaults.
type Options struct {
	Binary         string
	CommandTimeout time.Duration
	ChunkSize      int
	ChunkInterval  time.Duration
	PasteSettle    time.Duration
	Exec           ExecFunc
	Clock          poll.Clock
}

// Client talks to the tmux server.
type Client struct {
	binary         string
	commandTimeout time.Duration
	chunkSize      int
	pasteSettle    time.Duration
	exec           ExecFunc
	clock          poll.Clock
	limiter        *rate.Limiter

	captureGroup singleflight.Group
}

// NewClient builds a Client from opts.
func NewClient(opts Options) *Client {
	c := &Client{
		binary:         opts.Binary,
		commandTimeout: opts.CommandTimeout,
		chunkSize:      opts.ChunkSize,
		pasteSettle:    opts.PasteSettle,
		exec:           opts.Exec,
		clock:          opts.Clock,
	}
	if c.binary == "" {
		c.binary = "tmux"
	}
	if c.commandTimeout <= 0 {
		c.commandTimeout = 5 * time.Second
	}
	if c.chunkSize <= 0 {
		c.chunkSize = 100
	}
	if c.pasteSettle <= 0 {
		c.pasteSettle = time.Second
	}
	if c.exec == nil {
		c.exec = execCommand
	}
	if c.clock == nil {
		c.clock = poll.Real
	}
	interval := opts.ChunkInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	c.limiter = rate.NewLimiter(rate.Every(interval), 1)
	return c
}

// SessionName maps an agent id to its tmux session name.
func SessionName(agentID string) string {
	return SessionPrefix + agentID
}

// AgentID strips the session prefix. ok is false for foreign sessions.
func AgentID(sessionName string) (string, bool) {
	if !strings.HasPrefix(sessionName, SessionPrefix) || len(sessionName) == len(SessionPrefix) {
		return "", false
	}
	return strings.TrimPrefix(sessionName, SessionPrefix), true
}

// exact forces tmux to match the session name literally rather than by prefix.
func exact(agentID string) string {
	return "=" + SessionName(agentID)
}

// pane targets the active pane of the agent's session.
func pane(agentID string) string {
	return exact(agentID) + ":"
}

func (c *Client) run(ctx context.Context, stdin io.Reader, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.commandTimeout)
	defer cancel()
	return c.exec(ctx, stdin, c.binary, args...)
}

// Available reports whether the tmux binary is on PATH.
func (c *Client) Available() error {
	if _, err := exec.LookPath(c.binary); err != nil {
		return ErrNotInstalled
	}
	return nil
}

// Version returns the `tmux -V` string.
func (c *Client) Version(ctx context.Context) (string, error) {
	out, err := c.run(ctx, nil, "-V")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Exists reports whether the agent's session is running.
func (c *Client) Exists(ctx context.Context, agentID string) bool {
	_, err := c.run(ctx, nil, "has-session", "-t", exact(agentID))
	return err == nil
}

// SessionInfo describes one running agent session.
type SessionInfo struct {
	AgentID  string
	Created  time.Time
	Windows  int
	Attached bool
}

const listFormat = "#{session_name}\t#{session_created}\t#{session_windows}\t#{session_attached}"

// List returns every running agent session. A missing tmux server yields an
// empty list.
func (c *Client) List(ctx context.Context) ([]SessionInfo, error) {
	out, err := c.run(ctx, nil, "list-sessions", "-F", listFormat)
	if err != nil {
		if noServer(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return parseSessionList(string(out)), nil
}

func noServer(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	msg := cmdErr.Stderr
	return strings.Contains(msg, "no server running") ||
		strings.Contains(msg, "no sessions") ||
		strings.Contains(msg, "error connecting to")
}

func parseSessionList(out string) []SessionInfo {
	var sessions []SessionInfo
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "\t")
		if len(fields) == 0 || fields[0] == "" {
			continue
		}
		id, ok := AgentID(fields[0])
		if !ok {
			continue
		}
		info := SessionInfo{AgentID: id}
		if len(fields) > 1 {
			if ts, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
				info.Created = time.Unix(ts, 0)
			}
		}
		if len(fields) > 2 {
			info.Windows, _ = strconv.Atoi(fields[2])
		}
		if len(fields) > 3 {
			n, _ := strconv.Atoi(fields[3])
			info.Attached = n > 0
		}
		sessions = append(sessions, info)
	}
	return sessions
}

// Start creates a detached session running command in workDir.
func (c *Client) Start(ctx context.Context, agentID, workDir, command string) error {
	if c.Exists(ctx, agentID) {
		return fmt.Errorf("%w: %s", ErrSessionExists, SessionName(agentID))
	}
	args := []string{"new-session", "-d", "-s", SessionName(agentID)}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	args = append(args, command)
	if _, err := c.run(ctx, nil, args...); err != nil {
		return fmt.Errorf("start session %s: %w", SessionName(agentID), err)
	}
	// Keep enough scrollback for full-window error and elapsed scans.
	if _, err := c.run(ctx, nil, "set-option", "-t", exact(agentID), "history-limit", "10000"); err != nil {
		tmuxLog.Debug("set_history_limit_failed", "agent", agentID, "error", err)
	}
	tmuxLog.Info("session_started", "agent", agentID, "work_dir", workDir)
	return nil
}

// Kill terminates the agent's session.
func (c *Client) Kill(ctx context.Context, agentID string) error {
	if _, err := c.run(ctx, nil, "kill-session", "-t", exact(agentID)); err != nil {
		if !c.Exists(ctx, agentID) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, SessionName(agentID))
		}
		return fmt.Errorf("kill session %s: %w", SessionName(agentID), err)
	}
	tmuxLog.Info("session_killed", "agent", agentID)
	return nil
}

// Capture returns the last lines of the agent's pane. Concurrent identical
// requests share one tmux invocation.
func (c *Client) Capture(ctx context.Context, agentID string, lines int) (string, error) {
	if lines <= 0 {
		lines = 100
	}
	key := agentID + "\x00" + strconv.Itoa(lines)
	v, err, _ := c.captureGroup.Do(key, func() (interface{}, error) {
		return c.capture(ctx, agentID, lines)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) capture(ctx context.Context, agentID string, lines int) (string, error) {
	if !c.Exists(ctx, agentID) {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, SessionName(agentID))
	}
	cctx, cancel := context.WithTimeout(ctx, c.commandTimeout)
	defer cancel()
	out, err := c.exec(cctx, nil, c.binary, "capture-pane", "-p", "-t", pane(agentID), "-S", "-"+strconv.Itoa(lines))
	if err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			tmuxLog.Warn("capture_timeout", "agent", agentID, "lines", lines)
			return "", ErrCaptureTimeout
		}
		return "", fmt.Errorf("capture %s: %w", SessionName(agentID), err)
	}
	return string(out), nil
}

// Paste loads text into the named buffer and pastes it into the agent's pane,
// deleting the buffer afterwards.
func (c *Client) Paste(ctx context.Context, agentID, buffer, text string) error {
	if _, err := c.run(ctx, strings.NewReader(text), "load-buffer", "-b", buffer, "-"); err != nil {
		return fmt.Errorf("load buffer %s: %w", buffer, err)
	}
	if _, err := c.run(ctx, nil, "paste-buffer", "-d", "-b", buffer, "-t", pane(agentID)); err != nil {
		return fmt.Errorf("paste buffer %s: %w", buffer, err)
	}
	return nil
}

// SendEnter submits the current input line. Going through a paste buffer
// avoids terminals that swallow a literal Enter key event mid-paste.
func (c *Client) SendEnter(ctx context.Context, agentID string) error {
	return c.Paste(ctx, agentID, BufferEnter, "\n")
}

// SendText types text into the agent's pane. Multi-line text is pasted in one
// shot and given time to settle; single-line text is typed in paced literal
// chunks. When enter is true the input is submitted afterwards.
func (c *Client) SendText(ctx context.Context, agentID, text string, enter bool) error {
	if !c.Exists(ctx, agentID) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, SessionName(agentID))
	}
	if strings.Contains(text, "\n") {
		if err := c.Paste(ctx, agentID, BufferSend, text); err != nil {
			return err
		}
		if err := c.clock.Sleep(ctx, c.pasteSettle); err != nil {
			return err
		}
	} else {
		for _, chunk := range splitIntoChunks(text, c.chunkSize) {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
			if _, err := c.run(ctx, nil, "send-keys", "-l", "-t", pane(agentID), "--", chunk); err != nil {
				return fmt.Errorf("send keys: %w", err)
			}
		}
	}
	if enter {
		return c.SendEnter(ctx, agentID)
	}
	return nil
}

// SendKey sends a named tmux key such as "C-c" or "Escape".
func (c *Client) SendKey(ctx context.Context, agentID, key string) error {
	if _, err := c.run(ctx, nil, "send-keys", "-t", pane(agentID), key); err != nil {
		return fmt.Errorf("send key %s: %w", key, err)
	}
	return nil
}

// splitIntoChunks splits s into pieces of at most size runes.
func splitIntoChunks(s string, size int) []string {
	if s == "" {
		return nil
	}
	if utf8.RuneCountInString(s) <= size {
		return []string{s}
	}
	var chunks []string
	runes := []rune(s)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

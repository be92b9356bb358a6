package tmux

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-manager/internal/poll"
)

type call struct {
	args  []string
	stdin string
}

// fakeTmux records invocations and answers them from a handler.
type fakeTmux struct {
	mu      sync.Mutex
	calls   []call
	handler func(args []string, stdin string) ([]byte, error)
}

func (f *fakeTmux) exec(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	var in string
	if stdin != nil {
		b, _ := io.ReadAll(stdin)
		in = string(b)
	}
	f.mu.Lock()
	f.calls = append(f.calls, call{args: append([]string(nil), args...), stdin: in})
	f.mu.Unlock()
	if f.handler == nil {
		return nil, nil
	}
	return f.handler(args, in)
}

func (f *fakeTmux) subcommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.args[0])
	}
	return out
}

func (f *fakeTmux) find(sub string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.args[0] == sub {
			out = append(out, c)
		}
	}
	return out
}

var errExit = errors.New("exit status 1")

func newTestClient(f *fakeTmux) (*Client, *poll.FakeClock) {
	clock := poll.NewFakeClock(time.Unix(0, 0))
	c := NewClient(Options{
		Exec:          f.exec,
		Clock:         clock,
		ChunkInterval: time.Microsecond,
	})
	return c, clock
}

func TestSessionNaming(t *testing.T) {
	assert.Equal(t, "agent-worker", SessionName("worker"))

	id, ok := AgentID("agent-worker")
	assert.True(t, ok)
	assert.Equal(t, "worker", id)

	_, ok = AgentID("agent-")
	assert.False(t, ok)
	_, ok = AgentID("scratch")
	assert.False(t, ok)
}

func TestExistsUsesExactMatch(t *testing.T) {
	f := &fakeTmux{}
	c, _ := newTestClient(f)

	assert.True(t, c.Exists(context.Background(), "dev"))
	calls := f.find("has-session")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"has-session", "-t", "=agent-dev"}, calls[0].args)

	f.handler = func(args []string, _ string) ([]byte, error) { return nil, errExit }
	assert.False(t, c.Exists(context.Background(), "dev"))
}

func TestListParsesAgentSessionsOnly(t *testing.T) {
	f := &fakeTmux{handler: func(args []string, _ string) ([]byte, error) {
		return []byte("agent-dev\t1700000000\t1\t1\nscratch\t1700000001\t2\t0\nagent-ops\t1700000002\t1\t0\n"), nil
	}}
	c, _ := newTestClient(f)

	sessions, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "dev", sessions[0].AgentID)
	assert.True(t, sessions[0].Attached)
	assert.Equal(t, time.Unix(1700000000, 0), sessions[0].Created)
	assert.Equal(t, "ops", sessions[1].AgentID)
	assert.False(t, sessions[1].Attached)
}

func TestListWithoutServerIsEmpty(t *testing.T) {
	f := &fakeTmux{handler: func(args []string, _ string) ([]byte, error) {
		return nil, &CommandError{Args: args, Stderr: "no server running on /tmp/tmux-0/default", Err: errExit}
	}}
	c, _ := newTestClient(f)

	sessions, err := c.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestStart(t *testing.T) {
	exists := false
	f := &fakeTmux{}
	f.handler = func(args []string, _ string) ([]byte, error) {
		if args[0] == "has-session" && !exists {
			return nil, errExit
		}
		return nil, nil
	}
	c, _ := newTestClient(f)

	require.NoError(t, c.Start(context.Background(), "dev", "/repo", "claude --resume abc"))
	calls := f.find("new-session")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"new-session", "-d", "-s", "agent-dev", "-c", "/repo", "claude --resume abc"}, calls[0].args)

	exists = true
	err := c.Start(context.Background(), "dev", "/repo", "claude")
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestCaptureMissingSession(t *testing.T) {
	f := &fakeTmux{handler: func(args []string, _ string) ([]byte, error) {
		if args[0] == "has-session" {
			return nil, errExit
		}
		return []byte("unreachable"), nil
	}}
	c, _ := newTestClient(f)

	_, err := c.Capture(context.Background(), "dev", 50)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Empty(t, f.find("capture-pane"))
}

func TestCaptureArgs(t *testing.T) {
	f := &fakeTmux{handler: func(args []string, _ string) ([]byte, error) {
		if args[0] == "capture-pane" {
			return []byte("line one\n> \n"), nil
		}
		return nil, nil
	}}
	c, _ := newTestClient(f)

	out, err := c.Capture(context.Background(), "dev", 30)
	require.NoError(t, err)
	assert.Equal(t, "line one\n> \n", out)
	calls := f.find("capture-pane")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"capture-pane", "-p", "-t", "=agent-dev:", "-S", "-30"}, calls[0].args)
}

func TestCaptureTimeout(t *testing.T) {
	f := &fakeTmux{}
	c := NewClient(Options{CommandTimeout: 20 * time.Millisecond, Exec: func(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
		if args[0] == "capture-pane" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return f.exec(ctx, stdin, name, args...)
	}})

	_, err := c.Capture(context.Background(), "dev", 10)
	assert.ErrorIs(t, err, ErrCaptureTimeout)
}

func TestSendTextSingleLineIsChunked(t *testing.T) {
	f := &fakeTmux{}
	c, clock := newTestClient(f)
	c.chunkSize = 4

	require.NoError(t, c.SendText(context.Background(), "dev", "héllo world", true))

	var typed []string
	for _, call := range f.find("send-keys") {
		assert.Equal(t, []string{"send-keys", "-l", "-t", "=agent-dev:", "--"}, call.args[:5])
		typed = append(typed, call.args[5])
	}
	assert.Equal(t, []string{"héll", "o wo", "rld"}, typed)

	loads := f.find("load-buffer")
	require.Len(t, loads, 1)
	assert.Equal(t, []string{"load-buffer", "-b", BufferEnter, "-"}, loads[0].args)
	assert.Equal(t, "\n", loads[0].stdin)
	assert.Zero(t, clock.Slept())
}

func TestSendTextMultiLineIsPasted(t *testing.T) {
	f := &fakeTmux{}
	c, clock := newTestClient(f)

	require.NoError(t, c.SendText(context.Background(), "dev", "first\nsecond", true))

	assert.Empty(t, f.find("send-keys"))
	loads := f.find("load-buffer")
	require.Len(t, loads, 2)
	assert.Equal(t, BufferSend, loads[0].args[2])
	assert.Equal(t, "first\nsecond", loads[0].stdin)
	assert.Equal(t, BufferEnter, loads[1].args[2])

	pastes := f.find("paste-buffer")
	require.Len(t, pastes, 2)
	assert.Equal(t, []string{"paste-buffer", "-d", "-b", BufferSend, "-t", "=agent-dev:"}, pastes[0].args)
	assert.Equal(t, time.Second, clock.Slept())

	subs := f.subcommands()
	assert.Equal(t, "has-session", subs[0])
}

func TestSendTextWithoutEnter(t *testing.T) {
	f := &fakeTmux{}
	c, _ := newTestClient(f)

	require.NoError(t, c.SendText(context.Background(), "dev", "draft", false))
	assert.Empty(t, f.find("load-buffer"))
	require.Len(t, f.find("send-keys"), 1)
}

func TestSplitIntoChunks(t *testing.T) {
	assert.Nil(t, splitIntoChunks("", 10))
	assert.Equal(t, []string{"abc"}, splitIntoChunks("abc", 10))
	long := strings.Repeat("x", 250)
	chunks := splitIntoChunks(long, 100)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[2], 50)
}

func TestCommandErrorIncludesStderr(t *testing.T) {
	err := &CommandError{Args: []string{"kill-session", "-t", "=agent-x"}, Stderr: "can't find session\n", Err: errExit}
	assert.Equal(t, "tmux kill-session -t =agent-x: exit status 1: can't find session", err.Error())
	assert.ErrorIs(t, err, errExit)
}

//go:build !windows

package tmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// detachKey is Ctrl+Q.
const detachKey = 17

// Attach connects the caller's terminal to the agent's session through a PTY.
// Ctrl+Q detaches without touching the tmux client; the tmux detach binding
// works as usual.
func (c *Client) Attach(ctx context.Context, agentID string) error {
	if !c.Exists(ctx, agentID) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, SessionName(agentID))
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("attach requires an interactive terminal")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.binary, "attach-session", "-t", exact(agentID))
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}
	defer ptmx.Close()

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("set raw mode: %w", err)
	}
	defer func() { _ = term.Restore(int(os.Stdin.Fd()), oldState) }()

	resize := make(chan os.Signal, 1)
	signal.Notify(resize, syscall.SIGWINCH)
	resizeDone := make(chan struct{})
	defer func() {
		signal.Stop(resize)
		close(resizeDone)
	}()
	go func() {
		for {
			select {
			case <-resizeDone:
				return
			case <-resize:
				if ws, err := pty.GetsizeFull(os.Stdin); err == nil {
					_ = pty.Setsize(ptmx, ws)
				}
			}
		}
	}()
	resize <- syscall.SIGWINCH

	detached := make(chan struct{})
	ioErrs := make(chan error, 2)
	report := func(err error) {
		select {
		case ioErrs <- err:
		default:
		}
	}

	go func() {
		if _, err := io.Copy(os.Stdout, ptmx); err != nil && !errors.Is(err, io.EOF) {
			report(fmt.Errorf("pty read: %w", err))
		}
	}()

	// Terminal capability replies arrive right after raw mode is set; drop them.
	started := time.Now()
	const settle = 50 * time.Millisecond
	go func() {
		buf := make([]byte, 32)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					report(fmt.Errorf("stdin read: %w", err))
				}
				return
			}
			if time.Since(started) < settle {
				continue
			}
			if n == 1 && buf[0] == detachKey {
				close(detached)
				cancel()
				return
			}
			if _, err := ptmx.Write(buf[:n]); err != nil {
				report(fmt.Errorf("pty write: %w", err))
				return
			}
		}
	}()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case <-detached:
		return nil
	case <-ctx.Done():
		return nil
	case err := <-ioErrs:
		tmuxLog.Debug("attach_io_error", "agent", agentID, "error", err)
		return err
	case err := <-waitErr:
		if err == nil || ctx.Err() != nil {
			return nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() <= 1 {
			return nil
		}
		return err
	}
}

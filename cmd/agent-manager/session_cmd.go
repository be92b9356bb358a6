package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-manager/internal/session"
	"github.com/asheshgoplani/agent-manager/internal/tmux"
)

func newStartCommand() *cobra.Command {
	var (
		workingDir string
		noRestore  bool
		restoreOpt bool
	)
	cmd := &cobra.Command{
		Use:   "start <agent>",
		Short: "Start an agent in a tmux session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			if err := a.requireTmux(); err != nil {
				return err
			}
			p, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			res, err := a.sessions.Start(ctx, p, session.StartOptions{
				WorkingDir: workingDir,
				Restore:    restoreOpt && !noRestore,
			})
			switch {
			case errors.Is(err, session.ErrAlreadyRunning):
				fmt.Printf("⚠️  Agent '%s' is already running\n", p.DisplayName())
				fmt.Printf("   Session: %s\n", tmux.SessionName(p.ID()))
				return &exitError{code: 1}
			case errors.Is(err, session.ErrDisabled):
				fmt.Printf("⛔ Agent '%s' is disabled\n", p.DisplayName())
				return &exitError{code: 1}
			case err != nil:
				return err
			}
			if res.Reused {
				fmt.Printf("✅ Restored existing session for '%s'\n", p.DisplayName())
			}
			fmt.Println()
			fmt.Printf("Attach with: tmux attach -t %s\n", res.Session)
			fmt.Printf("Monitor with: agent-manager monitor %s\n", p.FileID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&workingDir, "working-dir", "w", "", "Override working directory")
	cmd.Flags().BoolVarP(&restoreOpt, "restore", "r", true, "Restore provider session when possible")
	cmd.Flags().BoolVar(&noRestore, "no-restore", false, "Always start a fresh provider session")
	return cmd
}

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <agent>",
		Short: "Stop a running agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			p, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			if err := a.sessions.Stop(ctx, p); err != nil {
				if errors.Is(err, session.ErrNotRunning) {
					fmt.Printf("⚠️  Agent '%s' is not running\n", p.DisplayName())
					return &exitError{code: 1}
				}
				return err
			}
			fmt.Printf("✅ Agent '%s' stopped\n", p.DisplayName())
			fmt.Printf("   Session %s(%s) terminated\n", tmux.SessionName(p.ID()), p.DisplayName())
			return nil
		},
	}
}

func newRestartCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "restart <agent>",
		Short: "Restart an agent with a fresh provider session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			if err := a.requireTmux(); err != nil {
				return err
			}
			p, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("🔄 Restarting %s...\n", p.DisplayName())
			if _, err := a.sessions.Restart(ctx, p); err != nil {
				return err
			}
			if ledger, err := a.openLedger(); err == nil {
				if err := ledger.RecordRestart(p.ID(), reason, "cli", time.Now()); err != nil {
					cliLog.Warn("record_restart_failed", "agent", p.ID(), "error", err)
				}
				ledger.Close()
			} else {
				cliLog.Warn("ledger_open_failed", "error", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual", "Reason recorded in the run ledger")
	return cmd
}

func newSendCommand() *cobra.Command {
	var (
		sendEnter bool
		noEnter   bool
	)
	cmd := &cobra.Command{
		Use:   "send <agent> <message>",
		Short: "Type a message into a running agent",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			p, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			message := strings.Join(args[1:], " ")
			if err := a.sessions.Send(ctx, p, message, sendEnter && !noEnter); err != nil {
				if errors.Is(err, session.ErrNotRunning) {
					fmt.Printf("❌ Agent '%s' is not running\n", p.DisplayName())
					fmt.Printf("   Start it with: agent-manager start %s\n", p.FileID)
					return &exitError{code: 1}
				}
				return err
			}
			fmt.Printf("✅ Message sent to %s\n", p.DisplayName())
			fmt.Printf("   Message: %s\n", message)
			fmt.Println()
			fmt.Printf("Monitor response: agent-manager monitor %s\n", p.FileID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&sendEnter, "send-enter", true, "Press Enter after the message")
	cmd.Flags().BoolVar(&noEnter, "no-enter", false, "Type the message without pressing Enter")
	return cmd
}

func newAssignCommand() *cobra.Command {
	var taskFile string
	cmd := &cobra.Command{
		Use:   "assign <agent>",
		Short: "Assign a task from a file or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			if err := a.requireTmux(); err != nil {
				return err
			}
			p, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			task, err := readTask(taskFile, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if _, err := a.sessions.Assign(ctx, p, task); err != nil {
				if errors.Is(err, session.ErrEmptyTask) {
					fmt.Println("❌ Task cannot be empty")
					return &exitError{code: 1}
				}
				return err
			}
			fmt.Printf("✅ Task assigned to %s\n", p.DisplayName())
			fmt.Println()
			fmt.Printf("Monitor progress: agent-manager monitor %s --follow\n", p.FileID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&taskFile, "task-file", "f", "", "Read the task from a file instead of stdin")
	return cmd
}

// readTask reads the task from path, or from stdin when path is empty.
func readTask(path string, stdin io.Reader) (string, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read task file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read task from stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func newAttachCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <agent>",
		Short: "Attach the terminal to an agent's session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			if err := a.requireTmux(); err != nil {
				return err
			}
			p, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			if !a.sessions.Running(ctx, p) {
				fmt.Printf("❌ Agent '%s' is not running\n", p.DisplayName())
				return &exitError{code: 1}
			}
			return a.tmux.Attach(ctx, p.ID())
		},
	}
}

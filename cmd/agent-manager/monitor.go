package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/asheshgoplani/agent-manager/internal/agent"
	"github.com/asheshgoplani/agent-manager/internal/tmux"
)

const (
	defaultMonitorLines = 100
	followInterval      = 2 * time.Second
)

var rule = strings.Repeat("=", 60)

func newMonitorCommand() *cobra.Command {
	var (
		follow bool
		lines  int
		plain  bool
	)
	cmd := &cobra.Command{
		Use:   "monitor <agent>",
		Short: "Show or follow an agent's pane output",
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
				fmt.Printf("   Start it with: agent-manager start %s\n", p.FileID)
				return &exitError{code: 1}
			}
			if lines <= 0 {
				lines = defaultMonitorLines
			}
			label := fmt.Sprintf("%s(%s)", tmux.SessionName(p.ID()), p.DisplayName())

			if !follow {
				out, err := a.sessions.Capture(ctx, p, lines)
				if err != nil {
					return err
				}
				fmt.Printf("📺 Last %d lines from %s:\n", lines, label)
				fmt.Println(rule)
				fmt.Println(out)
				fmt.Println(rule)
				return nil
			}

			capture := func(ctx context.Context) (string, error) {
				return a.sessions.Capture(ctx, p, lines)
			}
			if !plain && term.IsTerminal(int(os.Stdout.Fd())) {
				return runFollowTUI(ctx, label, capture)
			}
			return followPlain(ctx, label, capture, p)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow output continuously")
	cmd.Flags().IntVarP(&lines, "lines", "n", defaultMonitorLines, "Number of lines to show")
	cmd.Flags().BoolVar(&plain, "plain", false, "Print new output instead of opening the viewer")
	return cmd
}

type captureFunc func(ctx context.Context) (string, error)

// followPlain prints output as it appears until ctx is cancelled.
func followPlain(ctx context.Context, label string, capture captureFunc, p *agent.Profile) error {
	fmt.Printf("📺 Following output for %s (Ctrl+C to stop)...\n", label)
	fmt.Println(rule)

	stopped := func() error {
		fmt.Println()
		fmt.Println("⏹  Monitoring stopped")
		return nil
	}
	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()
	prev := ""
	for {
		cur, err := capture(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return stopped()
		case errors.Is(err, tmux.ErrSessionNotFound):
			fmt.Println()
			fmt.Printf("⏹  Session for %s ended\n", p.DisplayName())
			return nil
		case err != nil:
			return err
		}
		if fresh := newContent(prev, cur); fresh != "" {
			fmt.Println(fresh)
		}
		prev = cur

		select {
		case <-ctx.Done():
			return stopped()
		case <-ticker.C:
		}
	}
}

// newContent returns the lines of cur that follow its overlap with prev:
// the longest suffix of prev that is also a prefix of cur. With no overlap
// all of cur is new.
func newContent(prev, cur string) string {
	prev = strings.TrimRight(prev, "\n")
	cur = strings.TrimRight(cur, "\n")
	if cur == "" || prev == cur {
		return ""
	}
	if prev == "" {
		return cur
	}
	prevLines := strings.Split(prev, "\n")
	curLines := strings.Split(cur, "\n")
	for start := 0; start < len(prevLines); start++ {
		suffix := prevLines[start:]
		if len(suffix) > len(curLines) {
			continue
		}
		if equalLines(suffix, curLines[:len(suffix)]) {
			return strings.Join(curLines[len(suffix):], "\n")
		}
	}
	return cur
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

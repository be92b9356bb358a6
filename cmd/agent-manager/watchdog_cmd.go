package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-manager/internal/statestore"
	"github.com/asheshgoplani/agent-manager/internal/watchdog"
)

func newWatchdogCommand() *cobra.Command {
	var (
		agents    []string
		statePath string
		reset     bool
	)
	cmd := &cobra.Command{
		Use:   "watchdog",
		Short: "Run one watchdog pass over the supervised agents",
		Long: `Run one watchdog pass: start stopped agents, nudge blocked or erroring
ones at most once per cooldown, and look for new work for the primary agent
while it is idle. Meant to be invoked periodically, e.g. from cron.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			wc := a.cfg.Watchdog

			if statePath == "" {
				statePath = wc.StatePath
			}
			if statePath == "" {
				statePath = watchdog.DefaultStatePath(a.repoRoot)
			} else if !filepath.IsAbs(statePath) {
				statePath = filepath.Join(a.repoRoot, statePath)
			}
			store := statestore.NewJSONFile[watchdog.State](statePath)
			if reset {
				if err := store.Remove(ctx); err != nil {
					return err
				}
				fmt.Printf("✅ Watchdog state cleared (%s)\n", statePath)
				return nil
			}
			if err := a.requireTmux(); err != nil {
				return err
			}
			if len(agents) == 0 {
				agents = wc.Agents
			}

			wd := watchdog.New(watchdog.Options{
				Agents: agents,
				Fleet:  a.fleet(),
				Work:   workFinder(wc.WorkCommand, a.repoRoot),
				Store:  store,
				Policy: watchdog.Policy{
					BaseInterval:       wc.BaseInterval.Duration,
					MaxBackoff:         wc.MaxBackoff.Duration,
					MaxBackoffSteps:    wc.MaxBackoffSteps,
					NudgeCooldown:      wc.NudgeCooldown.Duration,
					RepeatWorkCooldown: wc.RepeatWorkCooldown.Duration,
					NudgeMessage:       wc.NudgeMessage,
				},
			})
			rep, err := wd.Tick(ctx)
			if rep != nil && len(rep.Statuses) > 0 {
				fmt.Println(rep.String())
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&agents, "agents", nil, "Agents to supervise, primary first (default from config)")
	cmd.Flags().StringVar(&statePath, "state", "", "Checkpoint file (default .claude/state/supervisor_watchdog.json)")
	cmd.Flags().BoolVar(&reset, "reset", false, "Clear the checkpoint and exit")
	return cmd
}

// workFinder returns nil when no work command is configured so the
// watchdog never schedules scans it cannot run.
func workFinder(command []string, dir string) watchdog.WorkFinder {
	if len(command) == 0 {
		return nil
	}
	return &watchdog.CommandFinder{Command: command, Dir: dir}
}

package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-manager/internal/agent"
	"github.com/asheshgoplani/agent-manager/internal/crontab"
	"github.com/asheshgoplani/agent-manager/internal/scheduler"
)

// ledgerRetention bounds how long job runs and restarts are kept.
const ledgerRetention = 30 * 24 * time.Hour

func newScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage and run scheduled jobs",
	}
	cmd.AddCommand(
		newScheduleListCommand(),
		newScheduleSyncCommand(),
		newScheduleRunCommand(),
		newScheduleHistoryCommand(),
	)
	return cmd
}

func newScheduleListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all scheduled jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(crontab.FormatList(a.agents.AllSchedules()))
			return nil
		},
	}
}

func newScheduleSyncCommand() *cobra.Command {
	var (
		dryRun bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync agent schedules into the user's crontab",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			res, err := crontab.New(crontab.Options{}).Sync(ctx, a.agents.AllSchedules(), a.repoRoot, crontab.DefaultBinary(), dryRun)
			if asJSON {
				if jerr := printJSON(os.Stdout, res); jerr != nil {
					return jerr
				}
				if err != nil {
					return &exitError{code: 1}
				}
				return nil
			}
			if dryRun {
				fmt.Println("🔍 Dry run - would sync the following to crontab:")
				fmt.Println()
				if res.Content == "" {
					fmt.Println("(no schedules configured)")
				} else {
					fmt.Print(res.Content)
				}
				return nil
			}
			if err != nil {
				cliLog.Error("crontab_sync_failed", "error", err)
				fmt.Println("❌ Failed to sync crontab")
				fmt.Printf("   %v\n", err)
				return &exitError{code: 1}
			}
			fmt.Println("✅ Crontab synced successfully")
			fmt.Printf("   %d schedule entries configured\n", res.Entries)
			if res.Added > 0 || res.Removed > 0 {
				fmt.Printf("   Changes: +%d -%d\n", res.Added, res.Removed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would be synced without writing")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output the sync result as JSON")
	return cmd
}

func newScheduleRunCommand() *cobra.Command {
	var (
		job     string
		timeout string
	)
	cmd := &cobra.Command{
		Use:   "run <agent>",
		Short: "Run one scheduled job now",
		Long:  "Run one scheduled job now. This is what cron invokes; the exit status is 0 for success or a deliberate skip and 1 for failure.",
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
			p, s, err := a.agents.ResolveSchedule(args[0], job)
			if errors.Is(err, agent.ErrScheduleNotFound) {
				fmt.Printf("❌ Schedule '%s' not found for agent '%s'\n", job, p.DisplayName())
				return &exitError{code: 1}
			}
			if err != nil {
				if agent.IsNotFound(err) {
					_, rerr := a.resolve(args[0])
					return rerr
				}
				return err
			}

			var ledger scheduler.Ledger
			if db, err := a.openLedger(); err == nil {
				defer db.Close()
				if _, err := db.Prune(time.Now().Add(-ledgerRetention)); err != nil {
					cliLog.Warn("ledger_prune_failed", "error", err)
				}
				ledger = db
			} else {
				cliLog.Warn("ledger_open_failed", "error", err)
			}

			runner := scheduler.NewRunner(scheduler.Options{
				Sessions:   a.sessions,
				Classifier: a.classifier,
				Ledger:     ledger,
				RepoRoot:   a.repoRoot,
				Env:        a.agents.Env(),
				Timing:     a.schedulerTiming(),
				Out:        os.Stdout,
			})
			res, err := runner.Run(ctx, scheduler.Job{Profile: p, Schedule: s, Timeout: timeout})
			if code := res.ExitCode(); code != 0 {
				cliLog.Warn("scheduled_run_failed", "agent", p.ID(), "job", job, "error", err)
				return &exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&job, "job", "j", "", "Job name to run")
	cmd.Flags().StringVarP(&timeout, "timeout", "t", "", "Override max_runtime (e.g. 30m, 2h)")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func newScheduleHistoryCommand() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history [agent]",
		Short: "Show recent scheduled runs from the ledger",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			agentID := ""
			if len(args) == 1 {
				p, err := a.resolve(args[0])
				if err != nil {
					return err
				}
				agentID = p.ID()
			}
			db, err := a.openLedger()
			if err != nil {
				return err
			}
			defer db.Close()
			runs, err := db.RecentRuns(agentID, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(os.Stdout, runs)
			}
			if len(runs) == 0 {
				fmt.Println("No scheduled runs recorded.")
				return nil
			}
			t := &table{}
			t.add("STARTED", "AGENT", "JOB", "OUTCOME", "DECISION", "FINAL", "DURATION")
			for _, r := range runs {
				duration := "-"
				if !r.FinishedAt.IsZero() {
					duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
				}
				t.add(r.StartedAt.Format("2006-01-02 15:04"), r.AgentID, r.Job, string(r.Outcome),
					orDefault(r.Decision, "-"), orDefault(r.FinalState, "-"), duration)
			}
			t.render(os.Stdout)
			fmt.Println(dimStyle.Render(strconv.Itoa(len(runs)) + " run(s)"))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

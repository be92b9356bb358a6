package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-manager/internal/agent"
	"github.com/asheshgoplani/agent-manager/internal/config"
	"github.com/asheshgoplani/agent-manager/internal/crontab"
	"github.com/asheshgoplani/agent-manager/internal/platform"
	"github.com/asheshgoplani/agent-manager/internal/provider"
	"github.com/asheshgoplani/agent-manager/internal/restore"
	"github.com/asheshgoplani/agent-manager/internal/statedb"
	"github.com/asheshgoplani/agent-manager/internal/status"
	"github.com/asheshgoplani/agent-manager/internal/tmux"
	"github.com/asheshgoplani/agent-manager/internal/watchdog"
)

func newListCommand() *cobra.Command {
	var running bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List configured agents",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			live := map[string]bool{}
			if sessions, err := a.tmux.List(cmd.Context()); err == nil {
				for _, s := range sessions {
					live[s.AgentID] = true
				}
			}

			fmt.Println("📋 Agents:")
			fmt.Println()
			profiles := a.agents.List()
			if len(profiles) == 0 {
				fmt.Println("  No agents configured in agents/")
				return nil
			}
			for _, p := range profiles {
				isRunning := live[p.ID()]
				if running && !isRunning {
					continue
				}
				label := fmt.Sprintf("%s(%s)", tmux.SessionName(p.ID()), p.DisplayName())
				switch {
				case isRunning:
					fmt.Printf("✅ Running %s\n", label)
				case !p.IsEnabled():
					fmt.Printf("⛔ Disabled %s\n", label)
				default:
					fmt.Printf("⭕ Stopped %s\n", label)
				}
				fmt.Printf("   Description: %s\n", orDefault(p.Description, "No description"))
				fmt.Printf("   Working Dir: %s\n", orDefault(p.WorkingDirectory, "N/A"))
				if len(p.Skills) > 0 && (isRunning || p.IsEnabled()) {
					fmt.Printf("   Skills: %s\n", strings.Join(p.Skills, ", "))
				}
				fmt.Println()
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&running, "running", "r", false, "Show only running agents")
	return cmd
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// agentStatus is one row of `status`.
type agentStatus struct {
	Agent          string          `json:"agent"`
	Name           string          `json:"name"`
	Session        string          `json:"session"`
	Enabled        bool            `json:"enabled"`
	State          status.State    `json:"state"`
	ElapsedSeconds *int            `json:"elapsed_seconds,omitempty"`
	Reason         provider.Reason `json:"reason,omitempty"`
	Restarts24h    int             `json:"restarts_24h"`
}

// restartWindow is how far back `status` counts restarts.
const restartWindow = 24 * time.Hour

func newStatusCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status [agents...]",
		Short: "Show the runtime state of agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			profiles, err := a.selectProfiles(args)
			if err != nil {
				return err
			}
			rows := a.collectStatus(ctx, profiles)

			if asJSON {
				return printJSON(os.Stdout, rows)
			}
			if len(rows) == 0 {
				fmt.Println("No agents configured.")
				return nil
			}
			t := &table{}
			t.add("AGENT", "SESSION", "STATE", "ELAPSED", "REASON", "RESTARTS(24h)")
			for _, r := range rows {
				elapsed := "-"
				if r.ElapsedSeconds != nil {
					elapsed = (time.Duration(*r.ElapsedSeconds) * time.Second).String()
				}
				state := string(r.State)
				if !r.Enabled {
					state += " (disabled)"
				}
				t.add(r.Name, r.Session, state, elapsed, orDefault(string(r.Reason), "-"), strconv.Itoa(r.Restarts24h))
			}
			t.render(os.Stdout)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

// selectProfiles resolves refs, or lists every agent when none are given.
func (a *app) selectProfiles(refs []string) ([]*agent.Profile, error) {
	if len(refs) == 0 {
		return a.agents.List(), nil
	}
	profiles := make([]*agent.Profile, 0, len(refs))
	for _, ref := range refs {
		p, err := a.resolve(ref)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

func (a *app) collectStatus(ctx context.Context, profiles []*agent.Profile) []agentStatus {
	targets := make([]status.Target, 0, len(profiles))
	for _, p := range profiles {
		targets = append(targets, status.Target{AgentID: p.ID(), Caps: a.sessions.Provider(p)})
	}
	states := a.classifier.ClassifyAll(ctx, targets)

	var restarts map[string]int
	if ledger, err := a.openLedger(); err == nil {
		restarts, err = ledger.RestartCounts(time.Now().Add(-restartWindow))
		if err != nil {
			cliLog.Warn("restart_counts_failed", "error", err)
		}
		ledger.Close()
	} else {
		cliLog.Warn("ledger_open_failed", "error", err)
	}

	rows := make([]agentStatus, 0, len(profiles))
	for _, p := range profiles {
		st := states[p.ID()]
		rows = append(rows, agentStatus{
			Agent:          p.FileID,
			Name:           p.DisplayName(),
			Session:        tmux.SessionName(p.ID()),
			Enabled:        p.IsEnabled(),
			State:          st.State,
			ElapsedSeconds: st.ElapsedSeconds,
			Reason:         st.Reason,
			Restarts24h:    restarts[p.ID()],
		})
	}
	return rows
}

func newActivityCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "activity <agents...>",
		Short: "Print 'name: state' for each agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			fleet := a.fleet()
			for _, name := range args {
				fmt.Printf("%s: %s\n", name, fleet.State(cmd.Context(), name))
			}
			return nil
		},
	}
}

func (a *app) fleet() *watchdog.SessionFleet {
	return &watchdog.SessionFleet{Agents: a.agents, Sessions: a.sessions, Classifier: a.classifier}
}

func newDoctorCommand() *cobra.Command {
	var deep bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			problems := a.doctor(ctx, deep)
			fmt.Println()
			if problems > 0 {
				fmt.Printf("❌ Doctor found %d problem(s)\n", problems)
				return &exitError{code: 1}
			}
			fmt.Println("✅ Doctor checks passed")
			return nil
		},
	}
	cmd.Flags().BoolVar(&deep, "deep", false, "Perform deeper checks")
	return cmd
}

func (a *app) doctor(ctx context.Context, deep bool) int {
	problems := 0
	plat := platform.Detect()

	fmt.Println(headerStyle.Render("🩺 agent-manager doctor"))
	fmt.Println()
	fmt.Printf("Repo root: %s\n", a.repoRoot)
	fmt.Printf("Go: %s (%s)\n", runtime.Version(), Version)
	fmt.Printf("Platform: %s\n", plat)
	if path, err := config.Path(); err == nil {
		if _, err := os.Stat(path); err == nil {
			fmt.Printf("Config: %s\n", path)
		} else {
			fmt.Printf("Config: %s %s\n", path, dimStyle.Render("(not present, using defaults)"))
		}
	}
	fmt.Println()

	if err := a.tmux.Available(); err != nil {
		problems++
		fmt.Println("❌ tmux: missing")
		fmt.Printf("   Fix: %s\n", platform.TmuxInstallHint(plat))
	} else if v, err := a.tmux.Version(ctx); err == nil {
		fmt.Printf("✅ tmux: found (%s)\n", v)
	} else {
		fmt.Println("✅ tmux: found")
	}

	if isDir(a.agents.Dir()) {
		fmt.Printf("✅ agents/: found (%d configured)\n", len(a.agents.List()))
	} else {
		problems++
		fmt.Println("❌ agents/: missing")
		fmt.Printf("   Expected at: %s\n", a.agents.Dir())
	}
	for _, rel := range []string{filepath.Join(".agent", "skills"), ".claude"} {
		dir := filepath.Join(a.repoRoot, rel)
		if isDir(dir) {
			fmt.Printf("✅ %s/: found\n", rel)
		} else {
			fmt.Printf("⚠️  %s/: missing\n", rel)
			fmt.Printf("   Expected at: %s\n", dir)
		}
	}

	if err := crontab.New(crontab.Options{}).Check(ctx); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			problems++
			fmt.Println("❌ crontab: command not found")
		} else {
			fmt.Println("⚠️  crontab: not set (or not readable)")
		}
	} else {
		fmt.Println("✅ crontab: readable")
	}

	if ledger, err := a.openLedger(); err != nil {
		problems++
		fmt.Printf("❌ ledger: %v\n", err)
	} else {
		fmt.Printf("✅ ledger: %s (schema v%d)\n", statedb.DefaultPath(a.repoRoot), statedb.SchemaVersion)
		ledger.Close()
	}

	if !deep {
		return problems
	}

	fmt.Println()
	fmt.Println("🔎 Deep checks:")
	if warn := platform.CheckFsnotifySupport(a.home); warn != "" {
		fmt.Printf("⚠️  file watching: %s\n", warn)
	}
	for _, p := range a.agents.List() {
		mark := "✅"
		if !p.IsEnabled() {
			mark = "⛔"
		}
		fmt.Printf("%s %s (%s)\n", mark, p.FileID, tmux.SessionName(p.ID()))
		if p.WorkingDirectory != "" {
			ok := isDir(p.WorkingDirectory)
			fmt.Printf("   Working dir: %s (%s)\n", p.WorkingDirectory, map[bool]string{true: "ok", false: "missing"}[ok])
			if !ok && p.IsEnabled() {
				problems++
			}
		} else {
			fmt.Println("   Working dir: (not set)")
			if p.IsEnabled() {
				problems++
			}
		}
		launcher := a.providers.ResolveLauncher(p.Launcher, a.home)
		if launcher == "" {
			fmt.Println("   Launcher: (not set)")
			continue
		}
		prov := a.providers.ForLauncher(launcher)
		fmt.Printf("   Launcher: %s (%s)\n", launcher, prov.Key)
		if a.resolver.Supported(prov.Key) {
			if rec, ok := restore.NewRecordStore(restore.RecordDir(a.repoRoot)).Load(ctx, prov.Key, p.ID()); ok {
				fmt.Printf("   Restore: %s\n", rec.SessionID)
			}
		}
	}
	return problems
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/asheshgoplani/agent-manager/internal/agent"
	"github.com/asheshgoplani/agent-manager/internal/config"
	"github.com/asheshgoplani/agent-manager/internal/provider"
	"github.com/asheshgoplani/agent-manager/internal/restore"
	"github.com/asheshgoplani/agent-manager/internal/scheduler"
	"github.com/asheshgoplani/agent-manager/internal/session"
	"github.com/asheshgoplani/agent-manager/internal/statedb"
	"github.com/asheshgoplani/agent-manager/internal/status"
	"github.com/asheshgoplani/agent-manager/internal/tmux"
)

// agentsDirName is the profile folder under the repo root.
const agentsDirName = "agents"

// app holds the collaborators every command is built from.
type app struct {
	cfg        *config.Config
	repoRoot   string
	home       string
	agents     *agent.Directory
	tmux       *tmux.Client
	providers  *provider.Registry
	classifier *status.Classifier
	resolver   *restore.Resolver
	sessions   *session.Manager
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		cliLog.Warn("config_load_failed", "error", err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("home directory: %w", err)
	}
	repoRoot := config.RepoRoot(ctx)

	a := &app{
		cfg:       cfg,
		repoRoot:  repoRoot,
		home:      home,
		agents:    agent.NewDirectory(filepath.Join(repoRoot, agentsDirName), repoRoot, agent.NewExpander(repoRoot)),
		tmux:      tmux.NewClient(cfg.TmuxOptions()),
		providers: cfg.Registry(),
	}
	a.classifier = status.New(a.tmux, cfg.Windows())
	a.resolver = restore.NewResolver(restore.NewRecordStore(restore.RecordDir(repoRoot)), restore.Options{
		Home:      home,
		Discovery: cfg.Restore.DiscoveryPolicy(),
		Watch:     cfg.Restore.Watch,
	})
	a.sessions = session.NewManager(session.Options{
		Tmux:      a.tmux,
		Providers: a.providers,
		Resolver:  a.resolver,
		RepoRoot:  repoRoot,
		Home:      home,
		Timing: session.Timing{
			Prompt:        cfg.Session.PromptPolicy(),
			Ready:         cfg.Session.ReadyPolicy(),
			ReadyMinWait:  cfg.Session.ReadyMinWait.Duration,
			PasteSettle:   cfg.Tmux.PasteSettle.Duration,
			RestartPause:  cfg.Scheduler.RestartPause.Duration,
			RestartSettle: cfg.Scheduler.RestartSettle.Duration,
		},
		Out: os.Stdout,
	})
	return a, nil
}

// requireTmux fails commands that need a tmux server binary.
func (a *app) requireTmux() error {
	return a.tmux.Available()
}

// resolve looks up an agent, printing the known agents when it is unknown.
func (a *app) resolve(ref string) (*agent.Profile, error) {
	p, err := a.agents.Resolve(ref)
	if err == nil {
		return p, nil
	}
	if agent.IsNotFound(err) {
		if profiles := a.agents.List(); len(profiles) > 0 {
			fmt.Printf("❌ %v\n", err)
			fmt.Println("   Available agents:")
			for _, p := range profiles {
				fmt.Printf("   - %s (%s) (%s)\n", p.FileID, p.DisplayName(), tmux.SessionName(p.ID()))
			}
			return nil, &exitError{code: 1}
		}
	}
	return nil, err
}

func (a *app) openLedger() (*statedb.StateDB, error) {
	return statedb.Open(statedb.DefaultPath(a.repoRoot))
}

func (a *app) schedulerTiming() scheduler.Timing {
	s := a.cfg.Scheduler
	return scheduler.Timing{
		StartSettle:     s.StartSettle.Duration,
		IdleSettle:      s.IdleSettle.Duration,
		IdlePoll:        s.IdlePoll.Duration,
		StartDetect:     s.StartDetect.Duration,
		StartDetectPoll: s.StartDetectPoll.Duration,
		CompletionPoll:  s.CompletionPoll.Duration,
		FlushDelay:      s.FlushDelay.Duration,
		DefaultWait:     s.DefaultWait.Duration,
		StuckDefault:    s.StuckRestartAfter.Duration,
		OutputTailLines: s.OutputTailLines,
		LogRetention:    s.LogRetention.Duration,
	}
}

// agentState classifies one profile.
func (a *app) agentState(ctx context.Context, p *agent.Profile) status.RuntimeState {
	return a.classifier.Classify(ctx, p.ID(), a.sessions.Provider(p))
}

package watchdog

import (
	"context"

	"github.com/asheshgoplani/agent-manager/internal/agent"
	"github.com/asheshgoplani/agent-manager/internal/provider"
	"github.com/asheshgoplani/agent-manager/internal/session"
	"github.com/asheshgoplani/agent-manager/internal/status"
)

// Resolver finds agent profiles by name or file id.
type Resolver interface {
	Resolve(ref string) (*agent.Profile, error)
}

// Sessions is the part of the session manager the fleet drives.
type Sessions interface {
	Provider(p *agent.Profile) *provider.Provider
	Start(ctx context.Context, p *agent.Profile, opts session.StartOptions) (*session.StartResult, error)
	Send(ctx context.Context, p *agent.Profile, text string, enter bool) error
}

// Classifier reads runtime state.
type Classifier interface {
	Classify(ctx context.Context, agentID string, caps provider.Capabilities) status.RuntimeState
}

// SessionFleet is the in-process Fleet: profiles from the agent directory,
// lifecycle through the session manager, state from the classifier.
type SessionFleet struct {
	Agents     Resolver
	Sessions   Sessions
	Classifier Classifier
}

var (
	_ Fleet    = (*SessionFleet)(nil)
	_ Sessions = (*session.Manager)(nil)
	_ Resolver = (*agent.Directory)(nil)
)

func (f *SessionFleet) State(ctx context.Context, name string) status.State {
	p, err := f.Agents.Resolve(name)
	if err != nil {
		wdLog.Debug("agent_unresolved", "agent", name, "error", err)
		return Unknown
	}
	return f.Classifier.Classify(ctx, p.ID(), f.Sessions.Provider(p)).State
}

// Start launches the agent, resuming its last conversation when possible.
func (f *SessionFleet) Start(ctx context.Context, name string) error {
	p, err := f.Agents.Resolve(name)
	if err != nil {
		return err
	}
	_, err = f.Sessions.Start(ctx, p, session.StartOptions{Restore: true})
	return err
}

func (f *SessionFleet) Send(ctx context.Context, name, message string) error {
	p, err := f.Agents.Resolve(name)
	if err != nil {
		return err
	}
	return f.Sessions.Send(ctx, p, message, true)
}

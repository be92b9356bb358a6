package session

import (
	"context"
	"log/slog"

	"github.com/asheshgoplani/agent-manager/internal/logging"
	"github.com/asheshgoplani/agent-manager/internal/poll"
	"github.com/asheshgoplani/agent-manager/internal/provider"
)

const (
	promptCaptureLines = 20
	readyCaptureLines  = 15
)

// waitForPrompt waits out the provider's startup delay, then polls for its
// input prompt. Providers without a detectable prompt count as ready.
func (m *Manager) waitForPrompt(ctx context.Context, id string, prov *provider.Provider) (bool, error) {
	if err := m.clock.Sleep(ctx, prov.StartupWait); err != nil {
		return false, err
	}
	if !prov.HasPrompt() {
		return true, nil
	}
	return poll.Until(ctx, m.clock, m.timing.Prompt, func() bool {
		return m.promptVisible(ctx, id, prov, promptCaptureLines)
	})
}

// waitForReady gives the CLI time to digest its prompt, then polls for the
// input prompt again.
func (m *Manager) waitForReady(ctx context.Context, id string, prov *provider.Provider) (bool, error) {
	if err := m.clock.Sleep(ctx, m.timing.ReadyMinWait); err != nil {
		return false, err
	}
	if !prov.HasPrompt() {
		return true, nil
	}
	policy := m.timing.Ready
	if policy.Timeout > m.timing.ReadyMinWait {
		policy.Timeout -= m.timing.ReadyMinWait
	}
	return poll.Until(ctx, m.clock, policy, func() bool {
		return m.promptVisible(ctx, id, prov, readyCaptureLines)
	})
}

func (m *Manager) promptVisible(ctx context.Context, id string, prov *provider.Provider, lines int) bool {
	out, err := m.tmux.Capture(ctx, id, lines)
	if err != nil {
		logging.Aggregate(logging.CompSession, "prompt_capture_failed", slog.String("agent", id))
		return false
	}
	return prov.PromptReady(out)
}

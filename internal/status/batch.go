package status

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/agent-manager/internal/provider"
)

// Target is one agent to classify.
type Target struct {
	AgentID string
	Caps    provider.Capabilities
}

// maxParallel bounds concurrent tmux subprocesses during batch classification.
const maxParallel = 4

// ClassifyAll classifies targets concurrently. Results are keyed by agent id.
func (c *Classifier) ClassifyAll(ctx context.Context, targets []Target) map[string]RuntimeState {
	results := make(map[string]RuntimeState, len(targets))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			st := c.Classify(gctx, t.AgentID, t.Caps)
			mu.Lock()
			results[t.AgentID] = st
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

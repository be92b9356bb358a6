// Package restore finds a provider conversation to resume when an agent is
// started again. Cached session ids are hints: each one is checked against
// the provider's on-disk artifacts before use, and a fresh launch is
// followed by discovery of the newly created artifact.
package restore

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/asheshgoplani/agent-manager/internal/logging"
	"github.com/asheshgoplani/agent-manager/internal/poll"
	"github.com/asheshgoplani/agent-manager/internal/provider"
)

var restoreLog = logging.ForComponent(logging.CompRestore)

// Options configures a Resolver. Zero values take defaults.
type Options struct {
	Home      string
	Discovery poll.Policy
	// Watch wakes discovery on filesystem events instead of waiting out
	// the full poll interval.
	Watch bool
	Clock poll.Clock
}

// Resolver verifies cached session ids and discovers new ones.
type Resolver struct {
	records   *RecordStore
	home      string
	discovery poll.Policy
	watch     bool
	clock     poll.Clock
}

// NewResolver returns a resolver persisting records in records.
func NewResolver(records *RecordStore, opts Options) *Resolver {
	r := &Resolver{
		records:   records,
		home:      opts.Home,
		discovery: opts.Discovery,
		watch:     opts.Watch,
		clock:     opts.Clock,
	}
	if r.home == "" {
		r.home, _ = os.UserHomeDir()
	}
	if r.discovery.Timeout <= 0 {
		r.discovery.Timeout = 2 * time.Second
	}
	if r.discovery.Interval <= 0 {
		r.discovery.Interval = 200 * time.Millisecond
	}
	if r.clock == nil {
		r.clock = poll.Real
	}
	return r
}

// Supported reports whether the provider has a known artifact layout.
func (r *Resolver) Supported(key provider.Key) bool {
	_, ok := layoutFor(key)
	return ok
}

// Result is the outcome of Resolve.
type Result struct {
	// SessionID is the verified id to resume, or "".
	SessionID string
	// Stale holds a cached id that failed verification.
	Stale string
}

// Resolve returns the cached session id for the agent if its artifact still
// exists for cwd. It never fails; any problem means "start fresh".
func (r *Resolver) Resolve(ctx context.Context, key provider.Key, agentID, cwd string) Result {
	if !r.Supported(key) {
		return Result{}
	}
	rec, ok := r.records.Load(ctx, key, agentID)
	if !ok {
		return Result{}
	}
	if r.Verify(key, cwd, rec.SessionID) {
		restoreLog.Info("restore_verified", "provider", key, "agent", agentID, "session_id", rec.SessionID)
		return Result{SessionID: rec.SessionID}
	}
	restoreLog.Warn("restore_stale", "provider", key, "agent", agentID, "session_id", rec.SessionID, "cwd", cwd)
	return Result{Stale: rec.SessionID}
}

// Verify reports whether sessionID has a usable artifact for cwd.
func (r *Resolver) Verify(key provider.Key, cwd, sessionID string) bool {
	l, ok := layoutFor(key)
	if !ok || !l.valid(sessionID) {
		return false
	}
	for _, dir := range l.dirs(r.home, cwd) {
		if l.verify(filepath.Join(dir, sessionID+l.ext)) {
			return true
		}
	}
	return false
}

// Snapshot is the set of artifact paths present before a launch.
type Snapshot map[string]struct{}

// Snapshot lists the provider's artifacts for cwd.
func (r *Resolver) Snapshot(key provider.Key, cwd string) Snapshot {
	snap := Snapshot{}
	l, ok := layoutFor(key)
	if !ok {
		return snap
	}
	for _, p := range r.artifacts(l, cwd) {
		snap[p] = struct{}{}
	}
	return snap
}

func (r *Resolver) artifacts(l layout, cwd string) []string {
	var out []string
	for _, dir := range l.dirs(r.home, cwd) {
		matches, _ := filepath.Glob(filepath.Join(dir, "*"+l.ext))
		out = append(out, matches...)
	}
	return out
}

// Discover polls for an artifact created after before and returns its
// session id. Layouts that allow it fall back to the newest pre-existing
// artifact, but only once the discovery deadline has passed.
func (r *Resolver) Discover(ctx context.Context, key provider.Key, cwd string, before Snapshot) (string, bool) {
	l, ok := layoutFor(key)
	if !ok {
		return "", false
	}

	clock := r.clock
	if r.watch && clock == poll.Real {
		if w := r.watchDirs(l, cwd); w != nil {
			defer w.Close()
			clock = &wakeClock{Clock: clock, events: w.Events}
		}
	}

	var found string
	ok, err := poll.Until(ctx, clock, r.discovery, func() bool {
		found = r.findNew(l, cwd, before, false)
		return found != ""
	})
	if err == nil && !ok && l.anyIfNoneNew {
		found = r.findNew(l, cwd, before, true)
		ok = found != ""
		if ok {
			restoreLog.Info("restore_fallback_existing", "provider", key, "session_id", found)
		}
	}
	if err != nil || !ok {
		restoreLog.Warn("restore_discovery_timeout", "provider", key, "cwd", cwd, "timeout", r.discovery.Timeout)
		return "", false
	}
	restoreLog.Info("restore_discovered", "provider", key, "session_id", found)
	return found, true
}

// findNew returns the id of the newest artifact absent from before. With
// allowExisting, pre-existing artifacts count when nothing new exists.
func (r *Resolver) findNew(l layout, cwd string, before Snapshot, allowExisting bool) string {
	all := r.artifacts(l, cwd)
	var candidates []string
	for _, p := range all {
		if _, seen := before[p]; !seen {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 && allowExisting {
		candidates = all
	}
	sortNewestFirst(candidates)
	for _, c := range candidates {
		if id := l.extract(c); id != "" {
			return id
		}
	}
	return ""
}

func sortNewestFirst(paths []string) {
	mtimes := make(map[string]time.Time, len(paths))
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil {
			mtimes[p] = info.ModTime()
		}
	}
	sort.SliceStable(paths, func(i, j int) bool {
		return mtimes[paths[i]].After(mtimes[paths[j]])
	})
}

// watchDirs watches the artifact directories that already exist. A nil
// result means discovery falls back to plain polling.
func (r *Resolver) watchDirs(l layout, cwd string) *fsnotify.Watcher {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		restoreLog.Debug("fsnotify_unavailable", "error", err)
		return nil
	}
	added := 0
	for _, dir := range l.dirs(r.home, cwd) {
		if err := w.Add(dir); err == nil {
			added++
		}
	}
	if added == 0 {
		_ = w.Close()
		return nil
	}
	return w
}

// wakeClock cuts a Sleep short when a filesystem event arrives.
type wakeClock struct {
	poll.Clock
	events <-chan fsnotify.Event
}

func (c *wakeClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	case <-c.events:
	}
	return nil
}

// Persist records the agent's current provider session.
func (r *Resolver) Persist(ctx context.Context, key provider.Key, agentID, sessionID, cwd string) error {
	return r.records.Save(ctx, key, agentID, sessionID, cwd, r.clock.Now())
}

package restore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-manager/internal/poll"
	"github.com/asheshgoplani/agent-manager/internal/provider"
)

const (
	uuidA = "0b4a6c1e-3f5d-4e2a-9c8b-7d6e5f4a3b2c"
	uuidB = "9f8e7d6c-5b4a-4321-8fed-cba987654321"
)

type fixture struct {
	home     string
	cwd      string
	records  *RecordStore
	resolver *Resolver
	clock    *poll.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		home:    filepath.Join(root, "home"),
		cwd:     filepath.Join(root, "work", "my.repo"),
		records: NewRecordStore(filepath.Join(root, "records")),
		clock:   poll.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	require.NoError(t, os.MkdirAll(f.cwd, 0o755))
	f.resolver = NewResolver(f.records, Options{Home: f.home, Clock: f.clock})
	return f
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (f *fixture) claudeDir() string { return claudeLayout.dirs(f.home, f.cwd)[0] }
func (f *fixture) droidDir() string { return droidLayout.dirs(f.home, f.cwd)[0] }

func TestClaudeDirName(t *testing.T) {
	assert.Equal(t, "-Users-me-Code-cloud--Project", ClaudeDirName("/Users/me/Code cloud/!Project"))
	assert.Equal(t, "-home-me-my-repo", ClaudeDirName("/home/me/my.repo"))
	assert.Equal(t, "-home-me-my.repo", slashDirName("/home/me/my.repo"))
}

func TestVerifyClaude(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.claudeDir(), uuidA+".jsonl"), `{"sessionId":"`+uuidA+`"}`+"\n")

	assert.True(t, f.resolver.Verify(provider.KeyClaudeCode, f.cwd, uuidA))
	assert.False(t, f.resolver.Verify(provider.KeyClaudeCode, f.cwd, uuidB), "artifact missing")
	assert.False(t, f.resolver.Verify(provider.KeyClaudeCode, f.cwd, "not-a-uuid"))
	assert.False(t, f.resolver.Verify(provider.KeyGeneric, f.cwd, uuidA), "generic has no layout")
}

func TestVerifyClaudeLegacyEncoding(t *testing.T) {
	f := newFixture(t)
	legacy := claudeLayout.dirs(f.home, f.cwd)
	require.Len(t, legacy, 2, "cwd with a dot encodes differently under the legacy scheme")
	writeFile(t, filepath.Join(legacy[1], uuidA+".jsonl"), "{}\n")

	assert.True(t, f.resolver.Verify(provider.KeyClaude, f.cwd, uuidA))
}

func TestVerifyDroidRequiresSessionStart(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.droidDir(), "good.jsonl"), "\n"+`{"type":"session_start","id":"good"}`+"\n")
	writeFile(t, filepath.Join(f.droidDir(), "bad.jsonl"), `{"type":"message","id":"bad"}`+"\n")

	assert.True(t, f.resolver.Verify(provider.KeyDroid, f.cwd, "good"))
	assert.False(t, f.resolver.Verify(provider.KeyDroid, f.cwd, "bad"))
	assert.False(t, f.resolver.Verify(provider.KeyDroid, f.cwd, "../escape"))
}

func TestVerifyOpenCode(t *testing.T) {
	f := newFixture(t)
	storage := opencodeStorage(f.home)
	writeFile(t, filepath.Join(storage, "project", "other.json"), `{"id":"prj_other","worktree":"/elsewhere"}`)
	writeFile(t, filepath.Join(storage, "project", "mine.json"), `{"id":"prj_mine","worktree":"`+f.cwd+`"}`)
	writeFile(t, filepath.Join(storage, "session", "prj_mine", "ses_abc.json"), `{"id":"ses_abc"}`)

	assert.True(t, f.resolver.Verify(provider.KeyOpenCode, f.cwd, "ses_abc"))
	assert.False(t, f.resolver.Verify(provider.KeyOpenCode, f.cwd, "ses_missing"))
	assert.False(t, f.resolver.Verify(provider.KeyOpenCode, f.cwd, "abc"), "id prefix required")
}

func TestResolveWithoutRecord(t *testing.T) {
	f := newFixture(t)
	res := f.resolver.Resolve(context.Background(), provider.KeyClaudeCode, "dev", f.cwd)
	assert.Equal(t, Result{}, res)
}

func TestResolveVerified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	writeFile(t, filepath.Join(f.claudeDir(), uuidA+".jsonl"), "{}\n")
	require.NoError(t, f.resolver.Persist(ctx, provider.KeyClaudeCode, "dev", uuidA, f.cwd))

	res := f.resolver.Resolve(ctx, provider.KeyClaudeCode, "dev", f.cwd)
	assert.Equal(t, uuidA, res.SessionID)
	assert.Empty(t, res.Stale)
}

func TestResolveCorruptRecordIsNoHint(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.records.dir, "claude-code", "dev.json"), "{broken")

	res := f.resolver.Resolve(context.Background(), provider.KeyClaudeCode, "dev", f.cwd)
	assert.Equal(t, Result{}, res)
}

// A cached id whose artifact was deleted is reported stale, the launch goes
// ahead fresh, and the newly created conversation is recorded.
func TestStaleRecordThenDiscovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := filepath.Join(f.claudeDir(), uuidA+".jsonl")
	writeFile(t, old, "{}\n")
	require.NoError(t, f.resolver.Persist(ctx, provider.KeyClaudeCode, "dev", uuidA, f.cwd))
	require.NoError(t, os.Remove(old))

	res := f.resolver.Resolve(ctx, provider.KeyClaudeCode, "dev", f.cwd)
	assert.Empty(t, res.SessionID)
	assert.Equal(t, uuidA, res.Stale)

	before := f.resolver.Snapshot(provider.KeyClaudeCode, f.cwd)
	assert.Empty(t, before)

	// The CLI creates its log after launch.
	writeFile(t, filepath.Join(f.claudeDir(), uuidB+".jsonl"),
		`{"type":"summary"}`+"\n"+`{"sessionId":"`+uuidB+`","type":"user"}`+"\n")

	id, ok := f.resolver.Discover(ctx, provider.KeyClaudeCode, f.cwd, before)
	require.True(t, ok)
	assert.Equal(t, uuidB, id)

	require.NoError(t, f.resolver.Persist(ctx, provider.KeyClaudeCode, "dev", id, f.cwd))
	rec, ok := f.records.Load(ctx, provider.KeyClaudeCode, "dev")
	require.True(t, ok)
	assert.Equal(t, uuidB, rec.SessionID)
	assert.Equal(t, provider.KeyClaudeCode, rec.Provider)
	assert.Equal(t, "2026-03-01T12:00:00Z", rec.UpdatedAt)
}

func TestDiscoverIgnoresSnapshottedDroidSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	writeFile(t, filepath.Join(f.droidDir(), "old.jsonl"), `{"type":"session_start","id":"old"}`+"\n")
	before := f.resolver.Snapshot(provider.KeyDroid, f.cwd)
	require.Len(t, before, 1)

	_, ok := f.resolver.Discover(ctx, provider.KeyDroid, f.cwd, before)
	assert.False(t, ok, "droid never falls back to pre-existing sessions")
	assert.Equal(t, 2*time.Second, f.clock.Slept())

	writeFile(t, filepath.Join(f.droidDir(), "new.jsonl"), `{"type":"session_start","id":"new"}`+"\n")
	id, ok := f.resolver.Discover(ctx, provider.KeyDroid, f.cwd, before)
	require.True(t, ok)
	assert.Equal(t, "new", id)
}

// hookClock runs onSleep before each fake sleep, so tests can change the
// filesystem while discovery is polling.
type hookClock struct {
	*poll.FakeClock
	sleeps  int
	onSleep func(n int)
}

func (c *hookClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps++
	if c.onSleep != nil {
		c.onSleep(c.sleeps)
	}
	return c.FakeClock.Sleep(ctx, d)
}

func TestDiscoverClaudeWaitsForNewArtifact(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.claudeDir(), uuidA+".jsonl"), `{"sessionId":"`+uuidA+`"}`+"\n")
	before := f.resolver.Snapshot(provider.KeyClaudeCode, f.cwd)

	clock := &hookClock{FakeClock: f.clock}
	clock.onSleep = func(n int) {
		if n == 3 {
			writeFile(t, filepath.Join(f.claudeDir(), uuidB+".jsonl"), `{"sessionId":"`+uuidB+`"}`+"\n")
		}
	}
	r := NewResolver(f.records, Options{Home: f.home, Clock: clock})

	id, ok := r.Discover(context.Background(), provider.KeyClaudeCode, f.cwd, before)
	require.True(t, ok)
	assert.Equal(t, uuidB, id, "the conversation that existed before launch is not the new one")
	assert.Equal(t, 600*time.Millisecond, f.clock.Slept())
}

func TestDiscoverClaudeFallsBackAfterDeadline(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.claudeDir(), uuidA+".jsonl"), `{"sessionId":"`+uuidA+`"}`+"\n")
	before := f.resolver.Snapshot(provider.KeyClaudeCode, f.cwd)

	id, ok := f.resolver.Discover(context.Background(), provider.KeyClaudeCode, f.cwd, before)
	require.True(t, ok)
	assert.Equal(t, uuidA, id)
	assert.Equal(t, 2*time.Second, f.clock.Slept(), "the fallback only applies once the deadline passed")
}

func TestDiscoverUnsupportedProvider(t *testing.T) {
	f := newFixture(t)
	_, ok := f.resolver.Discover(context.Background(), provider.KeyCodex, f.cwd, Snapshot{})
	assert.False(t, ok)
	assert.Zero(t, f.clock.Slept())
}

func TestResumeArgs(t *testing.T) {
	tests := []struct {
		name     string
		key      provider.Key
		launcher string
		args     []string
		want     []string
	}{
		{"plain claude", provider.KeyClaudeCode, "claude", []string{"--model", "opus"}, []string{"--resume", "id", "--model", "opus"}},
		{"ccc keeps selector first", provider.KeyClaudeCode, "./ccc", []string{"work", "--verbose"}, []string{"work", "--resume", "id", "--verbose"}},
		{"ccc with flag first", provider.KeyClaudeCode, "ccc", []string{"--verbose"}, []string{"--resume", "id", "--verbose"}},
		{"no args", provider.KeyDroid, "droid", nil, []string{"--resume", "id"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResumeArgs(tt.key, tt.launcher, tt.args, "--resume", "id"))
		})
	}
}

package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-manager/internal/poll"
	"github.com/asheshgoplani/agent-manager/internal/statestore"
	"github.com/asheshgoplani/agent-manager/internal/status"
)

type sentMessage struct {
	name, text string
}

type fakeFleet struct {
	states   map[string]status.State
	started  []string
	sent     []sentMessage
	startErr error
}

func (f *fakeFleet) State(_ context.Context, name string) status.State {
	if s, ok := f.states[name]; ok {
		return s
	}
	return Unknown
}

func (f *fakeFleet) Start(_ context.Context, name string) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, name)
	f.states[name] = status.Idle
	return nil
}

func (f *fakeFleet) Send(_ context.Context, name, text string) error {
	f.sent = append(f.sent, sentMessage{name, text})
	return nil
}

type fakeFinder struct {
	items []*WorkItem
	calls int
}

func (f *fakeFinder) FindWork(context.Context) (*WorkItem, error) {
	f.calls++
	if len(f.items) == 0 {
		return nil, nil
	}
	item := f.items[0]
	if len(f.items) > 1 {
		f.items = f.items[1:]
	}
	return item, nil
}

type harness struct {
	fleet  *fakeFleet
	finder *fakeFinder
	clock  *poll.FakeClock
	store  *statestore.JSONFile[State]
	wd     *Watchdog
}

func newHarness(t *testing.T, states map[string]status.State) *harness {
	t.Helper()
	h := &harness{
		fleet:  &fakeFleet{states: states},
		finder: &fakeFinder{},
		clock:  poll.NewFakeClock(time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)),
		store:  statestore.NewJSONFile[State](filepath.Join(t.TempDir(), "supervisor_watchdog.json")),
	}
	h.wd = New(Options{
		Agents: []string{"developer", "qa"},
		Fleet:  h.fleet,
		Work:   h.finder,
		Store:  h.store,
		Clock:  h.clock,
	})
	return h
}

func (h *harness) tick(t *testing.T) *Report {
	t.Helper()
	rep, err := h.wd.Tick(context.Background())
	require.NoError(t, err)
	return rep
}

func (h *harness) state(t *testing.T) State {
	t.Helper()
	st, err := h.store.Load(context.Background())
	require.NoError(t, err)
	return st
}

func TestStoppedAgentsAreStarted(t *testing.T) {
	h := newHarness(t, map[string]status.State{"developer": status.Busy, "qa": status.Stopped})

	rep := h.tick(t)
	assert.Equal(t, []string{"qa"}, h.fleet.started)
	assert.Equal(t, []string{"started qa"}, rep.Actions)
	assert.Equal(t, "status developer=busy qa=stopped\naction started qa", rep.String())
	assert.Zero(t, h.finder.calls, "no scan while the primary is busy")
}

func TestStartFailureIsReported(t *testing.T) {
	h := newHarness(t, map[string]status.State{"developer": status.Stopped, "qa": status.Busy})
	h.fleet.startErr = errors.New("launcher missing")

	rep := h.tick(t)
	assert.Equal(t, []string{"start developer failed: launcher missing"}, rep.Actions)
}

func TestNudgeCooldown(t *testing.T) {
	h := newHarness(t, map[string]status.State{"developer": status.Blocked, "qa": status.Error})

	rep := h.tick(t)
	assert.Equal(t, []string{"sent to developer", "sent to qa"}, rep.Actions)
	require.Len(t, h.fleet.sent, 2)
	assert.Equal(t, "continue follow workflows/github_issues.md", h.fleet.sent[0].text)

	h.clock.Advance(time.Hour)
	rep = h.tick(t)
	assert.Empty(t, rep.Actions)
	assert.Len(t, h.fleet.sent, 2)

	h.clock.Advance(time.Hour)
	rep = h.tick(t)
	assert.Equal(t, []string{"sent to developer", "sent to qa"}, rep.Actions)
	assert.Len(t, h.fleet.sent, 4)

	st := h.state(t)
	assert.Equal(t, h.clock.Now().Unix(), st.LastNudge["developer"].Unix())
}

func TestBackoffDoublesUntilCapped(t *testing.T) {
	h := newHarness(t, map[string]status.State{"developer": status.Idle, "qa": status.Idle})

	want := []time.Duration{
		30 * time.Minute, time.Hour, 2 * time.Hour, 4 * time.Hour, 4 * time.Hour,
	}
	for i, delay := range want {
		rep := h.tick(t)
		assert.Equal(t, i+1, h.finder.calls)
		assert.True(t, rep.PrimaryIdle)
		assert.Equal(t, delay, rep.NextScanIn, "scan %d", i+1)
		assert.Equal(t, i+1, rep.BackoffSteps)

		// Inside the window nothing is scanned.
		h.clock.Advance(delay / 2)
		rep = h.tick(t)
		assert.Equal(t, i+1, h.finder.calls)
		assert.Equal(t, delay-delay/2, rep.NextScanIn)
		h.clock.Advance(delay - delay/2)
	}
}

func TestBackoffStepsAreCapped(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 15*time.Minute, p.Backoff(0))
	assert.Equal(t, 30*time.Minute, p.Backoff(1))
	assert.Equal(t, 4*time.Hour, p.Backoff(16))
	assert.Equal(t, 4*time.Hour, p.Backoff(1000))

	h := newHarness(t, map[string]status.State{"developer": status.Idle, "qa": status.Idle})
	require.NoError(t, h.store.Save(context.Background(), State{BackoffSteps: 16}))
	rep := h.tick(t)
	assert.Equal(t, 16, rep.BackoffSteps)
}

func TestWorkFoundResetsBackoffAndThrottlesRepeats(t *testing.T) {
	h := newHarness(t, map[string]status.State{"developer": status.Idle, "qa": status.Busy})
	require.NoError(t, h.store.Save(context.Background(), State{BackoffSteps: 5}))
	item := &WorkItem{RepoDir: "/work/api", GitHubRepo: "acme/api", Number: "42", URL: "https://github.com/acme/api/issues/42", Title: "Fix login"}
	h.finder.items = []*WorkItem{item}

	rep := h.tick(t)
	assert.Equal(t, item, rep.Work)
	assert.Zero(t, rep.BackoffSteps)
	assert.Equal(t, 15*time.Minute, rep.NextScanIn)
	require.Len(t, h.fleet.sent, 1)
	assert.Equal(t, "developer", h.fleet.sent[0].name)
	assert.Equal(t, "work found: https://github.com/acme/api/issues/42 (repo acme/api, dir /work/api). continue", h.fleet.sent[0].text)
	assert.Equal(t,
		"status developer=idle qa=busy next=https://github.com/acme/api/issues/42\naction sent to developer\nbackoff next_scan_in=900s steps=0",
		rep.String())

	// Same item 15 minutes later: no repeat notification.
	h.clock.Advance(15 * time.Minute)
	rep = h.tick(t)
	assert.Equal(t, 2, h.finder.calls)
	assert.Empty(t, rep.Actions)
	assert.Len(t, h.fleet.sent, 1)

	// After the repeat cooldown it is sent again.
	h.clock.Advance(45 * time.Minute)
	rep = h.tick(t)
	assert.Equal(t, []string{"sent to developer"}, rep.Actions)

	// A different item is sent right away.
	h.finder.items = []*WorkItem{{URL: "https://github.com/acme/api/issues/43"}}
	h.clock.Advance(15 * time.Minute)
	rep = h.tick(t)
	assert.Equal(t, []string{"sent to developer"}, rep.Actions)
	assert.Equal(t, "https://github.com/acme/api/issues/43", h.state(t).LastWorkURL)
}

func TestNoFinderNeverScans(t *testing.T) {
	h := newHarness(t, map[string]status.State{"developer": status.Idle})
	h.wd = New(Options{Agents: []string{"developer", "qa"}, Fleet: h.fleet, Store: h.store, Clock: h.clock})

	rep := h.tick(t)
	assert.Equal(t, "status developer=idle qa=unknown\naction none\nbackoff next_scan_in=0s steps=0", rep.String())
}

func TestNoAgentsIsAnError(t *testing.T) {
	h := newHarness(t, nil)
	wd := New(Options{Fleet: h.fleet, Store: h.store, Clock: h.clock})
	_, err := wd.Tick(context.Background())
	require.Error(t, err)
}

func TestCorruptCheckpointIsReset(t *testing.T) {
	h := newHarness(t, map[string]status.State{"developer": status.Blocked, "qa": status.Busy})
	require.NoError(t, os.WriteFile(h.store.Path(), []byte("{not json"), 0o644))

	rep := h.tick(t)
	assert.Equal(t, []string{"sent to developer"}, rep.Actions)
	assert.False(t, h.state(t).LastNudge["developer"].IsZero())
}

func TestStateJSONIsFlat(t *testing.T) {
	in := `{
  "backoff_steps": 3,
  "last_nudge_developer_ts": 1772431200,
  "last_nudge_qa_ts": "1772431100",
  "last_work_nudge_ts": 1772430000,
  "last_work_url": "https://example.com/1",
  "next_scan_ts": 1772433000,
  "operator_note": "paused for deploy"
}`
	var st State
	require.NoError(t, json.Unmarshal([]byte(in), &st))
	assert.Equal(t, 3, st.BackoffSteps)
	assert.Equal(t, int64(1772433000), st.NextScan.Unix())
	assert.Equal(t, int64(1772431200), st.LastNudge["developer"].Unix())
	assert.Equal(t, int64(1772431100), st.LastNudge["qa"].Unix())
	assert.Equal(t, "https://example.com/1", st.LastWorkURL)

	out, err := json.Marshal(st)
	require.NoError(t, err)
	var flat map[string]any
	require.NoError(t, json.Unmarshal(out, &flat))
	assert.Equal(t, float64(1772431200), flat["last_nudge_developer_ts"])
	assert.Equal(t, float64(1772431100), flat["last_nudge_qa_ts"])
	assert.Equal(t, "paused for deploy", flat["operator_note"])
	assert.Equal(t, float64(3), flat["backoff_steps"])
}

func TestEmptyStateMarshal(t *testing.T) {
	out, err := json.Marshal(State{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"backoff_steps":0,"next_scan_ts":0}`, string(out))
}

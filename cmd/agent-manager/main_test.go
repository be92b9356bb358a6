package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-manager/internal/watchdog"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
	assert.Equal(t, 3, exitCode(&exitError{code: 3}))
	assert.Equal(t, 2, exitCode(fmt.Errorf("wrapped: %w", &exitError{code: 2})))
}

func TestWorkFinder(t *testing.T) {
	wf := workFinder(nil, "/repo")
	assert.True(t, wf == nil, "empty command must leave the watchdog without a finder")
	assert.True(t, workFinder([]string{}, "/repo") == nil)

	wf = workFinder([]string{"bash", "next.sh"}, "/repo")
	cf, ok := wf.(*watchdog.CommandFinder)
	require.True(t, ok)
	assert.Equal(t, []string{"bash", "next.sh"}, cf.Command)
	assert.Equal(t, "/repo", cf.Dir)
}

func TestColorProfileFromEnv(t *testing.T) {
	tests := []struct {
		in   string
		want termenv.Profile
		ok   bool
	}{
		{"truecolor", termenv.TrueColor, true},
		{"24BIT", termenv.TrueColor, true},
		{"256", termenv.ANSI256, true},
		{" ansi ", termenv.ANSI, true},
		{"none", termenv.Ascii, true},
		{"", termenv.Ascii, false},
		{"sparkly", termenv.Ascii, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := colorProfileFromEnv(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func TestTableRender(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)

	tbl := &table{}
	tbl.add("AGENT", "STATE", "REASON")
	tbl.add("dev", "idle", "-")
	tbl.add("日本語", "busy", "-")

	var buf bytes.Buffer
	tbl.render(&buf)
	lines := strings.Split(strings.TrimRight(ansiRe.ReplaceAllString(buf.String(), ""), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "AGENT   STATE  REASON", lines[0])
	assert.Equal(t, "dev     idle   -", lines[1])
	// Wide runes count double.
	assert.Equal(t, "日本語  busy   -", lines[2])
}

func TestNewContent(t *testing.T) {
	tests := []struct {
		name string
		prev string
		cur  string
		want string
	}{
		{"first capture", "", "a\nb", "a\nb"},
		{"unchanged", "a\nb\n", "a\nb", ""},
		{"appended", "a\nb", "a\nb\nc\nd", "c\nd"},
		{"scrolled", "a\nb\nc", "b\nc\nd", "d"},
		{"no overlap", "a\nb", "x\ny", "x\ny"},
		{"empty current", "a", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, newContent(tt.prev, tt.cur))
		})
	}
}

func TestReadTask(t *testing.T) {
	got, err := readTask("", strings.NewReader("  fix the build \n"))
	require.NoError(t, err)
	assert.Equal(t, "fix the build", got)

	path := filepath.Join(t.TempDir(), "task.md")
	require.NoError(t, os.WriteFile(path, []byte("\nwrite tests\n\n"), 0o644))
	got, err = readTask(path, strings.NewReader("ignored"))
	require.NoError(t, err)
	assert.Equal(t, "write tests", got)

	_, err = readTask(filepath.Join(t.TempDir(), "missing.md"), nil)
	assert.Error(t, err)
}

func TestOrDefault(t *testing.T) {
	assert.Equal(t, "N/A", orDefault("  ", "N/A"))
	assert.Equal(t, "x", orDefault("x", "N/A"))
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCommand()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{
		"list", "status", "activity", "doctor", "start", "stop", "restart",
		"monitor", "send", "assign", "attach", "schedule", "watchdog",
	} {
		assert.Contains(t, names, want)
	}

	sched, _, err := root.Find([]string{"schedule"})
	require.NoError(t, err)
	var subs []string
	for _, c := range sched.Commands() {
		subs = append(subs, c.Name())
	}
	assert.ElementsMatch(t, []string{"list", "sync", "run", "history"}, subs)

	run, _, err := root.Find([]string{"schedule", "run"})
	require.NoError(t, err)
	require.NotNil(t, run.Flags().ShorthandLookup("j"))
	require.NotNil(t, run.Flags().ShorthandLookup("t"))

	start, _, err := root.Find([]string{"start"})
	require.NoError(t, err)
	restore := start.Flags().Lookup("restore")
	require.NotNil(t, restore)
	assert.Equal(t, "true", restore.DefValue)

	monitor, _, err := root.Find([]string{"monitor"})
	require.NoError(t, err)
	assert.Equal(t, "100", monitor.Flags().Lookup("lines").DefValue)
}

func TestFollowModel(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)
	capture := func(ctx context.Context) (string, error) { return "one\ntwo\n", nil }
	m := newFollowModel(context.Background(), "agent-dev(Dev)", capture)

	assert.Equal(t, "Loading...", m.View())

	model, _ := m.Update(tea.WindowSizeMsg{Width: 40, Height: 10})
	m = model.(followModel)
	require.True(t, m.ready)

	msg := m.fetch()()
	model, cmd := m.Update(msg)
	m = model.(followModel)
	assert.Equal(t, "one\ntwo", m.content)
	assert.NotNil(t, cmd, "a capture schedules the next tick")
	assert.Contains(t, m.View(), "agent-dev(Dev)")
	assert.Contains(t, m.View(), "two")

	model, _ = m.Update(captureMsg{err: errors.New("pane gone")})
	m = model.(followModel)
	assert.Contains(t, m.View(), "capture failed: pane gone")
	assert.Equal(t, "one\ntwo", m.content, "failed captures keep the last content")

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestFollowModelQuitsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := newFollowModel(ctx, "x", func(context.Context) (string, error) { return "", ctx.Err() })
	_, cmd := m.Update(captureMsg{err: ctx.Err()})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

// Package crontab keeps the user's crontab in sync with agent schedules.
// Entries live in a marked section; everything outside it is preserved.
package crontab

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/asheshgoplani/agent-manager/internal/agent"
	"github.com/asheshgoplani/agent-manager/internal/logging"
	"github.com/asheshgoplani/agent-manager/internal/scheduler"
	"github.com/asheshgoplani/agent-manager/internal/session"
)

var cronLog = logging.ForComponent(logging.CompSchedule)

const (
	StartMarker = "# === agent-manager schedules (auto-generated) ==="
	EndMarker   = "# === end agent-manager schedules ==="

	pathComment = "# Set PATH for cron jobs (include user-local bins for CLIs like codex)"
	pathLine    = "PATH=$HOME/.local/bin:$HOME/bin:/usr/local/bin:/opt/homebrew/bin:/usr/bin:/bin"
)

// ExecFunc runs a command and returns its stdout.
type ExecFunc func(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// Options configures a Crontab. Zero values take defaults.
type Options struct {
	// Binary is the crontab executable.
	Binary string
	Exec   ExecFunc
	// TempDir holds the file handed to crontab on write.
	TempDir string
}

// Crontab reads and replaces the current user's crontab.
type Crontab struct {
	binary  string
	exec    ExecFunc
	tempDir string
}

// New returns a Crontab.
func New(opts Options) *Crontab {
	c := &Crontab{binary: opts.Binary, exec: opts.Exec, tempDir: opts.TempDir}
	if c.binary == "" {
		c.binary = "crontab"
	}
	if c.exec == nil {
		c.exec = execCommand
	}
	return c
}

// Read returns the current crontab. A missing crontab, or any failure to
// read it, yields "".
func (c *Crontab) Read(ctx context.Context) string {
	out, err := c.exec(ctx, nil, c.binary, "-l")
	if err != nil {
		cronLog.Debug("crontab_read_failed", "error", err)
		return ""
	}
	return string(out)
}

// Check reports whether the crontab binary runs and the current crontab
// can be listed. A user without a crontab gets an error here too.
func (c *Crontab) Check(ctx context.Context) error {
	_, err := c.exec(ctx, nil, c.binary, "-l")
	return err
}

// Write installs content as the user's crontab.
func (c *Crontab) Write(ctx context.Context, content string) error {
	f, err := os.CreateTemp(c.tempDir, "agent-manager-*.crontab")
	if err != nil {
		return fmt.Errorf("crontab: temp file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return fmt.Errorf("crontab: write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("crontab: close temp file: %w", err)
	}
	if _, err := c.exec(ctx, nil, c.binary, path); err != nil {
		return fmt.Errorf("crontab: install: %w", err)
	}
	return nil
}

// Section returns the managed section of crontab, markers included.
func Section(crontab string) string {
	var lines []string
	in := false
	for _, line := range strings.Split(crontab, "\n") {
		if strings.Contains(line, StartMarker) {
			in = true
		}
		if in {
			lines = append(lines, line)
		}
		if in && strings.Contains(line, EndMarker) {
			break
		}
	}
	return strings.Join(lines, "\n")
}

// RemoveSection drops the managed section and any trailing blank lines.
func RemoveSection(crontab string) string {
	var kept []string
	in := false
	for _, line := range strings.Split(crontab, "\n") {
		switch {
		case strings.Contains(line, StartMarker):
			in = true
		case strings.Contains(line, EndMarker):
			in = false
		case !in:
			kept = append(kept, line)
		}
	}
	for len(kept) > 0 && strings.TrimSpace(kept[len(kept)-1]) == "" {
		kept = kept[:len(kept)-1]
	}
	return strings.Join(kept, "\n")
}

// CountEntries counts the non-blank, non-comment lines of a section.
func CountEntries(section string) int {
	n := 0
	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		n++
	}
	return n
}

// Header is the comment line that groups an agent's jobs.
func Header(p *agent.Profile) string {
	return fmt.Sprintf("%s (%s)", p.DisplayName(), p.FileID)
}

// Entry renders one cron line. binary is the agent-manager executable.
func Entry(p *agent.Profile, s *agent.Schedule, repoRoot, binary string) string {
	job := s.JobName()
	logDir := scheduler.LogDir(repoRoot)
	logFile := scheduler.LogFile(repoRoot, p.ID(), job)

	run := fmt.Sprintf("%s schedule run %s --job %s",
		session.ShellQuote(binary), session.ShellQuote(p.FileID), session.ShellQuote(job))
	if s.MaxRuntime != "" {
		run += " --timeout " + session.ShellQuote(s.MaxRuntime)
	}
	cmd := strings.Join([]string{
		"cd " + session.ShellQuote(repoRoot),
		"mkdir -p " + session.ShellQuote(logDir),
		run,
	}, " && ")
	return fmt.Sprintf("%s %s >> %s 2>&1", strings.TrimSpace(s.Cron), cmd, session.ShellQuote(logFile))
}

// Generate renders the managed section for entries. Disabled agents,
// disabled schedules and schedules without a cron expression are left
// out. No entries at all yields "".
func Generate(entries []agent.ScheduleEntry, repoRoot, binary string) string {
	if len(entries) == 0 {
		return ""
	}
	lines := []string{StartMarker, pathComment, pathLine, ""}
	current := ""
	for _, e := range entries {
		if !e.Enabled() || strings.TrimSpace(e.Schedule.Cron) == "" {
			continue
		}
		if e.Profile.FileID != current {
			if current != "" {
				lines = append(lines, "")
			}
			lines = append(lines, "# "+Header(e.Profile))
			current = e.Profile.FileID
		}
		lines = append(lines, "# "+e.Schedule.JobName())
		lines = append(lines, Entry(e.Profile, e.Schedule, repoRoot, binary))
	}
	lines = append(lines, EndMarker)
	return strings.Join(lines, "\n")
}

// Merge replaces the managed section of current with section.
func Merge(current, section string) string {
	cleaned := RemoveSection(current)
	switch {
	case cleaned != "" && section != "":
		return cleaned + "\n\n" + section + "\n"
	case section != "":
		return section + "\n"
	case cleaned != "":
		return cleaned + "\n"
	}
	return ""
}

// SyncResult reports what a sync changed.
type SyncResult struct {
	Entries         int    `json:"entries"`
	PreviousEntries int    `json:"previous_entries"`
	Added           int    `json:"added"`
	Removed         int    `json:"removed"`
	Content         string `json:"content"`
	DryRun          bool   `json:"dry_run"`
}

// Sync rewrites the managed section from entries. With dryRun the crontab
// is read but never written.
func (c *Crontab) Sync(ctx context.Context, entries []agent.ScheduleEntry, repoRoot, binary string, dryRun bool) (*SyncResult, error) {
	current := c.Read(ctx)
	section := Generate(entries, repoRoot, binary)

	before := CountEntries(Section(current))
	after := CountEntries(section)
	res := &SyncResult{
		Entries:         after,
		PreviousEntries: before,
		Added:           max(after-before, 0),
		Removed:         max(before-after, 0),
		Content:         section,
		DryRun:          dryRun,
	}
	if dryRun {
		return res, nil
	}
	if err := c.Write(ctx, Merge(current, section)); err != nil {
		return res, err
	}
	cronLog.Info("crontab_synced", "entries", after, "added", res.Added, "removed", res.Removed)
	return res, nil
}

// DefaultBinary is the path cron should invoke: the running executable,
// resolved through symlinks when possible.
func DefaultBinary() string {
	exe, err := os.Executable()
	if err != nil {
		return "agent-manager"
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		return resolved
	}
	return exe
}

package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/asheshgoplani/agent-manager/internal/statestore"
)

// LogDirName is the crontab log directory under the repo root.
const LogDirName = ".crontab_logs"

// LogDir returns the crontab log directory.
func LogDir(repoRoot string) string {
	return filepath.Join(repoRoot, LogDirName)
}

// LogFile returns the log a cron entry appends to for one job.
func LogFile(repoRoot, agentID, job string) string {
	return filepath.Join(LogDir(repoRoot), fmt.Sprintf("agent-%s-%s.log", agentID, job))
}

// CleanupLogs removes *.log files older than retention from the crontab log
// directory, creating it when missing. Files that cannot be removed are
// skipped.
func CleanupLogs(repoRoot string, retention time.Duration, now time.Time) (int, error) {
	dir := LogDir(repoRoot)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return 0, os.MkdirAll(dir, 0o755)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.log"))
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-retention)
	removed := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if os.Remove(path) == nil {
			removed++
		}
	}
	return removed, nil
}

// SafeJobName keeps letters, digits, '-' and '_' and replaces everything
// else with '-'.
func SafeJobName(job string) string {
	if job == "" {
		job = "job"
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			return r
		}
		return '-'
	}, job)
}

// TaskFilePath is where an inline task is written for CLIs that take large
// pastes badly.
func TaskFilePath(repoRoot, agentID, job string) string {
	return filepath.Join(repoRoot, ".claude", "state", "agent-manager", "scheduled-tasks", agentID, SafeJobName(job)+".md")
}

// WriteTaskFile writes task for agentID/job and returns its path.
func WriteTaskFile(repoRoot, agentID, job, task string) (string, error) {
	path := TaskFilePath(repoRoot, agentID, job)
	if err := statestore.WriteFileAtomic(path, []byte(task+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("scheduler: write task file: %w", err)
	}
	return path, nil
}

// FileMessage points the agent at a task file instead of pasting it.
func FileMessage(job, path string) string {
	return fmt.Sprintf("Run scheduled job '%s'. Read and follow instructions from file: %s", job, path)
}

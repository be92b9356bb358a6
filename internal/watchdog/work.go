package watchdog

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// WorkItem is one unit of work offered to the primary agent.
type WorkItem struct {
	RepoDir    string
	GitHubRepo string
	Number     string
	URL        string
	Title      string
}

// WorkFinder looks for the next piece of work. (nil, nil) means none.
type WorkFinder interface {
	FindWork(ctx context.Context) (*WorkItem, error)
}

// ExecFunc runs a command in dir and returns its stdout.
type ExecFunc func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.Output()
}

// CommandFinder runs an external discovery command. Its first stdout line
// is tab separated: repo dir, GitHub repo, number, url, title. A non-zero
// exit or a short line means no work.
type CommandFinder struct {
	Command []string
	Dir     string
	Timeout time.Duration
	Exec    ExecFunc
}

var _ WorkFinder = (*CommandFinder)(nil)

// FindWork runs the command.
func (f *CommandFinder) FindWork(ctx context.Context) (*WorkItem, error) {
	if len(f.Command) == 0 {
		return nil, nil
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	run := f.Exec
	if run == nil {
		run = execCommand
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := run(ctx, f.Dir, f.Command[0], f.Command[1:]...)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, nil
		}
		return nil, err
	}
	return ParseWorkLine(string(out)), nil
}

// ParseWorkLine reads the first line of discovery output.
func ParseWorkLine(out string) *WorkItem {
	out = strings.TrimSpace(out)
	if out == "" {
		return nil
	}
	line, _, _ := strings.Cut(out, "\n")
	parts := strings.Split(strings.TrimRight(line, "\r"), "\t")
	if len(parts) < 5 {
		return nil
	}
	return &WorkItem{
		RepoDir:    parts[0],
		GitHubRepo: parts[1],
		Number:     parts[2],
		URL:        parts[3],
		Title:      parts[4],
	}
}

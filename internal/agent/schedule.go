package agent

import (
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Schedule is one cron job declared by a profile.
type Schedule struct {
	Name         string `yaml:"name"`
	Cron         string `yaml:"cron"`
	MaxRuntime   string `yaml:"max_runtime"`
	Enabled      *bool  `yaml:"enabled"`
	ClearContext bool   `yaml:"clear_context"`
	Task         string `yaml:"task"`
	TaskFile     string `yaml:"task_file"`
}

// JobName falls back to "unnamed".
func (s *Schedule) JobName() string {
	if s.Name == "" {
		return "unnamed"
	}
	return s.Name
}

// IsEnabled defaults to true.
func (s *Schedule) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Timeout parses MaxRuntime.
func (s *Schedule) Timeout() (time.Duration, bool) {
	return ParseDuration(s.MaxRuntime)
}

// TaskFilePath resolves TaskFile against repoRoot when no inline task is
// set and the file exists.
func (s *Schedule) TaskFilePath(repoRoot string, env *Expander) (string, bool) {
	if strings.TrimSpace(s.Task) != "" {
		return "", false
	}
	raw := strings.TrimSpace(s.TaskFile)
	if raw == "" {
		return "", false
	}
	if env != nil {
		raw = env.Expand(raw)
	}
	if !filepath.IsAbs(raw) {
		raw = filepath.Join(repoRoot, raw)
	}
	if info, err := os.Stat(raw); err != nil || info.IsDir() {
		return "", false
	}
	return raw, true
}

// TaskText returns the inline task, or the task file's contents. Both are
// trimmed; "" means the schedule has no usable task.
func (s *Schedule) TaskText(repoRoot string, env *Expander) string {
	if t := strings.TrimSpace(s.Task); t != "" {
		return t
	}
	path, ok := s.TaskFilePath(repoRoot, env)
	if !ok {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

var durationRe = regexp.MustCompile(`^(\d+)([smhd])$`)

// ParseDuration accepts <integer><s|m|h|d>, case-insensitive. Anything else,
// including zero, is "no duration".
func ParseDuration(s string) (time.Duration, bool) {
	m := durationRe.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	unit := map[string]time.Duration{
		"s": time.Second,
		"m": time.Minute,
		"h": time.Hour,
		"d": 24 * time.Hour,
	}[m[2]]
	if n > math.MaxInt64/int64(unit) {
		return 0, false
	}
	return time.Duration(n) * unit, true
}

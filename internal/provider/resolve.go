package provider

import (
	"os"
	"path/filepath"
	"strings"
)

// Most specific first: "claude-code" must win over "claude", and wrapper
// names like "ccc" map to claude-code.
var keyRules = []struct {
	key     Key
	needles []string
}{
	{KeyDroid, []string{"droid"}},
	{KeyOpenCode, []string{"opencode"}},
	{KeyCodex, []string{"codex"}},
	{KeyClaudeCode, []string{"claude-code", "ccc"}},
	{KeyClaude, []string{"claude"}},
}

// ResolveKey maps a launcher path or name to a provider key.
func ResolveKey(launcher string) Key {
	lower := strings.ToLower(launcher)
	for _, rule := range keyRules {
		for _, n := range rule.needles {
			if strings.Contains(lower, n) {
				return rule.key
			}
		}
	}
	return KeyGeneric
}

// ResolveLauncher rewrites a bare provider name to a home-local binary when
// one is installed, so launchers work from cron's minimal PATH. Paths are
// returned unchanged.
func (r *Registry) ResolveLauncher(launcher, home string) string {
	launcher = strings.TrimSpace(launcher)
	if launcher == "" || strings.Contains(launcher, "/") || strings.HasPrefix(launcher, ".") {
		return launcher
	}
	p, ok := r.providers[Key(strings.ToLower(launcher))]
	if !ok || p.LocalBinary == "" || home == "" {
		return launcher
	}
	candidate := filepath.Join(home, p.LocalBinary)
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		return candidate
	}
	return launcher
}

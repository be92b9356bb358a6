package restore

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/asheshgoplani/agent-manager/internal/provider"
)

// headLines bounds how far into a log the session id is looked for.
const headLines = 10

// layout describes where a provider keeps conversation artifacts and how
// to read an id out of one.
type layout struct {
	// dirs returns the directories that may hold artifacts for cwd.
	dirs func(home, cwd string) []string
	ext  string
	// valid reports whether id is well formed for this provider.
	valid func(id string) bool
	// verify reports whether the artifact at path is a usable session.
	verify func(path string) bool
	// extract reads the session id out of an artifact, or "".
	extract func(path string) string
	// anyIfNoneNew lets discovery fall back to pre-existing artifacts.
	anyIfNoneNew bool
}

var layouts = map[provider.Key]layout{
	provider.KeyClaudeCode: claudeLayout,
	provider.KeyClaude:     claudeLayout,
	provider.KeyDroid:      droidLayout,
	provider.KeyOpenCode:   opencodeLayout,
}

func layoutFor(key provider.Key) (layout, bool) {
	l, ok := layouts[key]
	return l, ok
}

// normalizePath resolves symlinks where possible so the encoded directory
// matches what the provider computed from its own cwd.
func normalizePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

var claudeDirNameRegex = regexp.MustCompile(`[^a-zA-Z0-9-]`)

// ClaudeDirName converts a path to Claude's project directory name. Every
// character other than an ASCII letter, digit or hyphen becomes a hyphen.
func ClaudeDirName(path string) string {
	return claudeDirNameRegex.ReplaceAllString(path, "-")
}

// slashDirName replaces only path separators.
func slashDirName(path string) string {
	return "-" + strings.ReplaceAll(strings.TrimLeft(path, "/"), "/", "-")
}

func looksLikeUUID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

var claudeLayout = layout{
	dirs: func(home, cwd string) []string {
		cwd = normalizePath(cwd)
		base := filepath.Join(home, ".claude", "projects")
		primary := filepath.Join(base, ClaudeDirName(cwd))
		// Older Claude builds encoded only separators.
		legacy := filepath.Join(base, slashDirName(cwd))
		if legacy == primary {
			return []string{primary}
		}
		return []string{primary, legacy}
	},
	ext:   ".jsonl",
	valid: looksLikeUUID,
	verify: func(path string) bool {
		return fileExists(path)
	},
	extract: func(path string) string {
		var found string
		scanHead(path, func(rec map[string]any) bool {
			for _, k := range []string{"sessionId", "session_id"} {
				if id := stringField(rec, k); looksLikeUUID(id) {
					found = id
					return true
				}
			}
			return false
		})
		return found
	},
	anyIfNoneNew: true,
}

var droidLayout = layout{
	dirs: func(home, cwd string) []string {
		return []string{filepath.Join(home, ".factory", "sessions", slashDirName(normalizePath(cwd)))}
	},
	ext:   ".jsonl",
	valid: func(id string) bool { return id != "" && !strings.ContainsAny(id, `/\`) },
	verify: func(path string) bool {
		return droidSessionStart(path) != ""
	},
	extract: droidSessionStart,
}

func droidSessionStart(path string) string {
	var found string
	scanHead(path, func(rec map[string]any) bool {
		if stringField(rec, "type") == "session_start" {
			found = stringField(rec, "id")
			return true
		}
		return false
	})
	return found
}

const opencodeIDPrefix = "ses_"

func opencodeStorage(home string) string {
	return filepath.Join(home, ".local", "share", "opencode", "storage")
}

// opencodeProjectID finds the project manifest whose worktree is cwd.
func opencodeProjectID(home, cwd string) string {
	want := normalizePath(cwd)
	manifests, _ := filepath.Glob(filepath.Join(opencodeStorage(home), "project", "*.json"))
	sort.Strings(manifests)
	for _, m := range manifests {
		data, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		var payload struct {
			ID       string `json:"id"`
			Worktree string `json:"worktree"`
		}
		if json.Unmarshal(data, &payload) != nil {
			continue
		}
		worktree := strings.TrimSpace(payload.Worktree)
		if worktree == "" || normalizePath(worktree) != want {
			continue
		}
		if id := strings.TrimSpace(payload.ID); id != "" {
			return id
		}
		return strings.TrimSuffix(filepath.Base(m), ".json")
	}
	return ""
}

func opencodeSessionID(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var payload struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(data, &payload) != nil {
		return ""
	}
	id := strings.TrimSpace(payload.ID)
	if !strings.HasPrefix(id, opencodeIDPrefix) {
		return ""
	}
	return id
}

var opencodeLayout = layout{
	dirs: func(home, cwd string) []string {
		pid := opencodeProjectID(home, cwd)
		if pid == "" {
			return nil
		}
		return []string{filepath.Join(opencodeStorage(home), "session", pid)}
	},
	ext:   ".json",
	valid: func(id string) bool { return strings.HasPrefix(id, opencodeIDPrefix) },
	verify: func(path string) bool {
		return fileExists(path)
	},
	extract:      opencodeSessionID,
	anyIfNoneNew: true,
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// scanHead decodes up to headLines non-empty JSON lines, stopping when fn
// returns true or a line fails to decode.
func scanHead(path string, fn func(rec map[string]any) bool) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for i := 0; i < headLines && sc.Scan(); i++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec map[string]any
		if json.Unmarshal([]byte(line), &rec) != nil {
			return
		}
		if fn(rec) {
			return
		}
	}
}

func stringField(rec map[string]any, key string) string {
	s, _ := rec[key].(string)
	return strings.TrimSpace(s)
}

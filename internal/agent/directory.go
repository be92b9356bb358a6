package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/asheshgoplani/agent-manager/internal/logging"
)

var agentLog = logging.ForComponent(logging.CompAgent)

// NotFoundError carries close matches for an unknown agent reference.
type NotFoundError struct {
	Ref         string
	Suggestions []string
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("agent not found: %s", e.Ref)
	if len(e.Suggestions) > 0 {
		msg += " (did you mean " + strings.Join(e.Suggestions, ", ") + "?)"
	}
	return msg
}

func (e *NotFoundError) Is(target error) bool { return target == ErrAgentNotFound }

// Directory is the agents/ folder of a repo.
type Directory struct {
	dir      string
	repoRoot string
	env      *Expander
}

// NewDirectory returns the profile directory dir, expanding ${VAR}s with env.
func NewDirectory(dir, repoRoot string, env *Expander) *Directory {
	if env == nil {
		env = NewExpander(repoRoot)
	}
	return &Directory{dir: dir, repoRoot: repoRoot, env: env}
}

// Dir returns the directory path.
func (d *Directory) Dir() string { return d.dir }

// RepoRoot returns the repository root profiles are resolved against.
func (d *Directory) RepoRoot() string { return d.repoRoot }

// Env returns the expander used for profiles.
func (d *Directory) Env() *Expander { return d.env }

// profilePaths lists profile files by file id. Folder profiles win over
// file profiles with the same id.
func (d *Directory) profilePaths() []string {
	byID := map[string]string{}
	files, _ := filepath.Glob(filepath.Join(d.dir, "EMP_*.md"))
	for _, f := range files {
		byID[FileIDFromPath(f)] = f
	}
	dirs, _ := filepath.Glob(filepath.Join(d.dir, "EMP_*"))
	for _, dir := range dirs {
		candidate := filepath.Join(dir, FolderProfileName)
		if isFile(candidate) {
			byID[filepath.Base(dir)] = candidate
		}
	}
	paths := make([]string, 0, len(byID))
	for _, p := range byID {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// List parses every profile. Unparseable profiles are skipped.
func (d *Directory) List() []*Profile {
	var out []*Profile
	for _, path := range d.profilePaths() {
		p, err := ParseProfile(path, d.env)
		if err != nil {
			agentLog.Warn("profile_skipped", "path", path, "error", err)
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileID < out[j].FileID })
	return out
}

// Resolve finds a profile by path, bare .md filename, name or file id, in
// that order.
func (d *Directory) Resolve(ref string) (*Profile, error) {
	if path, ok := profilePathFor(ref); ok {
		return ParseProfile(path, d.env)
	}

	if strings.HasSuffix(ref, ".md") {
		candidate := filepath.Join(d.dir, filepath.Base(ref))
		if isFile(candidate) {
			return ParseProfile(candidate, d.env)
		}
	}

	if _, err := os.Stat(d.dir); err != nil {
		return nil, &NotFoundError{Ref: ref}
	}

	profiles := d.List()
	for _, p := range profiles {
		if p.Name == ref {
			return p, nil
		}
	}

	for _, candidate := range []string{
		filepath.Join(d.dir, ref+".md"),
		filepath.Join(d.dir, ref, FolderProfileName),
	} {
		if isFile(candidate) {
			return ParseProfile(candidate, d.env)
		}
	}

	return nil, &NotFoundError{Ref: ref, Suggestions: suggest(ref, profiles)}
}

// profilePathFor accepts an existing .md file or a folder holding AGENTS.md.
func profilePathFor(ref string) (string, bool) {
	info, err := os.Stat(ref)
	if err != nil {
		return "", false
	}
	if !info.IsDir() {
		return ref, strings.EqualFold(filepath.Ext(ref), ".md")
	}
	candidate := filepath.Join(ref, FolderProfileName)
	return candidate, isFile(candidate)
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

type nameSource []string

func (s nameSource) String(i int) string { return s[i] }
func (s nameSource) Len() int            { return len(s) }

// suggest returns up to three profile names or file ids resembling ref.
func suggest(ref string, profiles []*Profile) []string {
	var names nameSource
	seen := map[string]bool{}
	for _, p := range profiles {
		for _, n := range []string{p.Name, p.FileID} {
			if n != "" && !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}
	matches := fuzzy.FindFrom(ref, names)
	out := make([]string, 0, 3)
	for _, m := range matches {
		if len(out) == 3 {
			break
		}
		out = append(out, names[m.Index])
	}
	return out
}

// ScheduleEntry is a schedule with its owning profile.
type ScheduleEntry struct {
	Profile  *Profile
	Schedule *Schedule
}

// Enabled reports whether both the agent and the schedule are enabled.
func (e ScheduleEntry) Enabled() bool {
	return e.Profile.IsEnabled() && e.Schedule.IsEnabled()
}

// AllSchedules lists every schedule of every profile.
func (d *Directory) AllSchedules() []ScheduleEntry {
	var out []ScheduleEntry
	for _, p := range d.List() {
		for i := range p.Schedules {
			out = append(out, ScheduleEntry{Profile: p, Schedule: &p.Schedules[i]})
		}
	}
	return out
}

// ResolveSchedule finds an agent and one of its schedules.
func (d *Directory) ResolveSchedule(ref, job string) (*Profile, *Schedule, error) {
	p, err := d.Resolve(ref)
	if err != nil {
		return nil, nil, err
	}
	s, err := p.Schedule(job)
	if err != nil {
		return p, nil, err
	}
	return p, s, nil
}

// IsNotFound reports whether err is an unknown agent or schedule.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAgentNotFound) || errors.Is(err, ErrScheduleNotFound)
}

package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const workspacePreflight = "## Workspace Preflight\n\n" +
	"If `openskills` can't find skills when you're working inside a subdirectory or git submodule, " +
	"first `cd` to the superproject (repo root) and retry:\n\n" +
	"```bash\n" +
	"cd \"$(git rev-parse --show-superproject-working-tree 2>/dev/null || git rev-parse --show-toplevel 2>/dev/null)\"\n" +
	"```\n"

// SkillSearchDirs returns where SKILL.md folders are looked up, in order.
func SkillSearchDirs(repoRoot, home string) []string {
	dirs := []string{
		filepath.Join(repoRoot, ".agent", "skills"),
		filepath.Join(repoRoot, ".claude", "skills"),
	}
	if home != "" {
		dirs = append(dirs, filepath.Join(home, ".claude", "skills"))
	}
	seen := map[string]bool{}
	out := dirs[:0]
	for _, d := range dirs {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

func findSkill(name string, dirs []string) (string, bool) {
	for _, d := range dirs {
		candidate := filepath.Join(d, name, "SKILL.md")
		if isFile(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func skillDescription(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	header, _, ok := splitFrontMatter(string(data))
	if !ok {
		return "No description", nil
	}
	var meta struct {
		Description string `yaml:"description"`
	}
	if err := yaml.Unmarshal([]byte(header), &meta); err != nil {
		return "", err
	}
	if meta.Description == "" {
		return "No description", nil
	}
	return meta.Description, nil
}

// SkillsSection lists the profile's skills that can be found. Missing or
// unreadable skills are skipped; "" when none remain.
func SkillsSection(p *Profile, repoRoot, home string) string {
	if len(p.Skills) == 0 {
		return ""
	}
	dirs := SkillSearchDirs(repoRoot, home)
	var entries []string
	for _, name := range p.Skills {
		path, ok := findSkill(name, dirs)
		if !ok {
			continue
		}
		desc, err := skillDescription(path)
		if err != nil {
			agentLog.Debug("skill_unreadable", "skill", name, "error", err)
			continue
		}
		entries = append(entries, fmt.Sprintf("### %s\n\n%s\n", name, desc))
	}
	if len(entries) == 0 {
		return ""
	}
	return "## Available Skills\n\n" + strings.Join(entries, "\n\n")
}

// SystemPrompt assembles the role definition and skills into the prompt
// handed to the CLI at launch. "" when the profile has neither.
func SystemPrompt(p *Profile, repoRoot, home string) string {
	var parts []string
	if p.RoleDefinition != "" {
		name := p.Name
		if name == "" {
			name = "Agent"
		}
		parts = append(parts, fmt.Sprintf("# %s ROLE\n\n%s", strings.ToUpper(name), p.RoleDefinition))
	}
	if skills := SkillsSection(p, repoRoot, home); skills != "" {
		parts = append(parts, skills, workspacePreflight)
	}
	return strings.Join(parts, "\n\n---\n\n")
}

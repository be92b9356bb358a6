// Package agent loads agent profiles: markdown files whose YAML front-matter
// declares the launcher, schedules and MCP servers, and whose body is the
// agent's role definition.
package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrInvalidProfile   = errors.New("invalid agent profile")
	ErrInvalidMCPConfig = errors.New("invalid 'mcps' in agent config (expected a mapping)")
)

// FolderProfileName is the profile file inside a folder-based agent.
const FolderProfileName = "AGENTS.md"

// Profile is one parsed agent.
type Profile struct {
	Name             string     `yaml:"name"`
	Description      string     `yaml:"description"`
	WorkingDirectory string     `yaml:"working_directory"`
	Launcher         string     `yaml:"launcher"`
	LauncherArgs     []string   `yaml:"launcher_args"`
	Skills           []string   `yaml:"skills"`
	Schedules        []Schedule `yaml:"schedules"`
	MCPs             any        `yaml:"mcps"`
	Enabled          *bool      `yaml:"enabled"`

	// FileID is derived from the path: EMP_0001 for EMP_0001.md and for
	// EMP_0001/AGENTS.md.
	FileID         string `yaml:"-"`
	Path           string `yaml:"-"`
	RoleDefinition string `yaml:"-"`
}

// ID is the lowercase, hyphenated FileID used for session and state names.
func (p *Profile) ID() string {
	return strings.ReplaceAll(strings.ToLower(p.FileID), "_", "-")
}

// DisplayName is the profile name, or the file id when unnamed.
func (p *Profile) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.FileID
}

// IsEnabled defaults to true.
func (p *Profile) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Schedule returns the schedule named job.
func (p *Profile) Schedule(job string) (*Schedule, error) {
	for i := range p.Schedules {
		if p.Schedules[i].Name == job {
			return &p.Schedules[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrScheduleNotFound, p.DisplayName(), job)
}

// MCPConfigJSON renders mcps as {"mcpServers": ...} for CLIs that accept it.
// An empty mapping yields "".
func (p *Profile) MCPConfigJSON() (string, error) {
	if p.MCPs == nil {
		return "", nil
	}
	servers, ok := p.MCPs.(map[string]any)
	if !ok {
		return "", ErrInvalidMCPConfig
	}
	if len(servers) == 0 {
		return "", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any{"mcpServers": servers}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMCPConfig, err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

var frontMatterRe = regexp.MustCompile(`(?s)^---\n(.*?)\n---\n(.*)$`)

// splitFrontMatter returns the YAML header and markdown body.
func splitFrontMatter(content string) (string, string, bool) {
	m := frontMatterRe.FindStringSubmatch(content)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// FileIDFromPath derives the file id from a profile path.
func FileIDFromPath(path string) string {
	if filepath.Base(path) == FolderProfileName {
		return filepath.Base(filepath.Dir(path))
	}
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// ParseProfile reads a profile, expanding ${VAR} references with env.
func ParseProfile(path string, env *Expander) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	header, body, ok := splitFrontMatter(string(data))
	if !ok {
		return nil, fmt.Errorf("%w: %s: missing front-matter", ErrInvalidProfile, path)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(header), &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidProfile, path, err)
	}
	p := &Profile{}
	if len(doc.Content) > 0 {
		root := doc.Content[0]
		if root.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%w: %s: front-matter is not a mapping", ErrInvalidProfile, path)
		}
		if env != nil {
			env.expandMapping(root)
		}
		if err := root.Decode(p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidProfile, path, err)
		}
	}
	p.FileID = FileIDFromPath(path)
	p.Path = path
	p.RoleDefinition = strings.TrimSpace(body)
	return p, nil
}

package agent

import (
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envRefRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// Expander substitutes ${VAR} references. Unknown variables are left as-is.
type Expander struct {
	lookup   func(string) (string, bool)
	repoRoot string
}

// NewExpander reads the process environment. REPO_ROOT falls back to repoRoot.
func NewExpander(repoRoot string) *Expander {
	return &Expander{lookup: os.LookupEnv, repoRoot: repoRoot}
}

// NewExpanderFromMap is for callers with a fixed environment.
func NewExpanderFromMap(vars map[string]string, repoRoot string) *Expander {
	return &Expander{
		lookup: func(k string) (string, bool) {
			v, ok := vars[k]
			return v, ok
		},
		repoRoot: repoRoot,
	}
}

// Expand replaces every ${VAR} in s.
func (e *Expander) Expand(s string) string {
	return envRefRe.ReplaceAllStringFunc(s, func(ref string) string {
		name := ref[2 : len(ref)-1]
		if v, ok := e.lookup(name); ok {
			return v
		}
		if name == "REPO_ROOT" && e.repoRoot != "" {
			return e.repoRoot
		}
		return ref
	})
}

// expandMapping expands string scalars in a mapping, in string lists, and
// in nested mappings. Lists of mappings (schedules) are left alone; their
// task files are expanded when resolved.
func (e *Expander) expandMapping(m *yaml.Node) {
	for i := 1; i < len(m.Content); i += 2 {
		v := m.Content[i]
		switch v.Kind {
		case yaml.ScalarNode:
			e.expandScalar(v)
		case yaml.SequenceNode:
			for _, item := range v.Content {
				if item.Kind == yaml.ScalarNode {
					e.expandScalar(item)
				}
			}
		case yaml.MappingNode:
			e.expandMapping(v)
		}
	}
}

func (e *Expander) expandScalar(n *yaml.Node) {
	if n.Tag == "!!str" || n.Tag == "" {
		n.Value = e.Expand(n.Value)
	}
}

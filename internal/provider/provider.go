// Package provider holds the static capability table for the agent CLIs the
// manager can host, and the pattern matching used to read their terminal
// output. Pattern lists are data; adding a provider means adding a Spec.
package provider

import (
	"sort"
	"time"
)

// Key is the normalized provider identifier.
type Key string

const (
	KeyClaudeCode Key = "claude-code"
	KeyDroid      Key = "droid"
	KeyClaude     Key = "claude"
	KeyGeneric    Key = "generic"
	KeyOpenCode   Key = "opencode"
	KeyCodex      Key = "codex"
)

// SystemPromptMode says how a role prompt reaches the CLI.
type SystemPromptMode string

const (
	SystemPromptCLIAppend   SystemPromptMode = "cli_append"
	SystemPromptCLIConfigKV SystemPromptMode = "cli_config_kv"
	SystemPromptTmuxPaste   SystemPromptMode = "tmux_paste"
)

// MCPMode says whether an MCP server mapping can be passed at launch.
type MCPMode string

const (
	MCPCLIJSON     MCPMode = "cli_json"
	MCPUnsupported MCPMode = "unsupported"
)

// RestoreMode says whether a previous conversation can be resumed by id.
type RestoreMode string

const (
	RestoreCLIOptionalArg RestoreMode = "cli_optional_arg"
	RestoreUnsupported    RestoreMode = "unsupported"
)

// AgentsMDMode says whether the CLI reads AGENTS.md from its working directory.
type AgentsMDMode string

const (
	AgentsMDNone AgentsMDMode = "none"
	AgentsMDCwd  AgentsMDMode = "cwd"
)

// PromptMatch selects how a prompt pattern is recognised on a captured line.
type PromptMatch int

const (
	// MatchStandalone: the trimmed line is the pattern, or starts with it and is at most 3 runes.
	MatchStandalone PromptMatch = iota
	// MatchPrefix: the trimmed line starts with the pattern.
	MatchPrefix
)

// SystemPrompt describes system prompt injection.
type SystemPrompt struct {
	Mode SystemPromptMode
	Flag string
	Key  string // cli_config_kv only
}

// MCPConfig describes MCP config injection.
type MCPConfig struct {
	Mode MCPMode
	Flag string
}

// Restore describes conversation resume.
type Restore struct {
	Mode RestoreMode
	Flag string
}

// Prompt describes how to recognise a CLI that is ready for input.
type Prompt struct {
	// Patterns are prompt glyphs. Empty means the CLI exposes no stable
	// prompt and is treated as ready once StartupWait has passed.
	Patterns []string
	Match    PromptMatch
	// LenientPrefix, when set, accepts any line starting with it once a
	// pattern appears anywhere in the capture.
	LenientPrefix string
	// ReadyHints are substrings that mean ready on their own.
	ReadyHints []string
	// ReadyLinePrefixes are trimmed-line prefixes that mean ready on their own.
	ReadyLinePrefixes []string
}

// Spec is one row of the capability table.
type Spec struct {
	Key         Key
	Name        string
	Description string

	Prompt      Prompt
	StartupWait time.Duration

	BusyPatterns      []string
	BlockedPatterns   []string
	StuckAfterSeconds int

	SystemPrompt SystemPrompt
	MCP          MCPConfig
	Restore      Restore
	AgentsMD     AgentsMDMode

	// LocalBinary is a home-relative executable used when the launcher is
	// the bare provider name and that file exists.
	LocalBinary string
}

// Capabilities is the classification surface the runtime classifier needs.
type Capabilities interface {
	ClassifyBusy(text string) bool
	ClassifyBlocked(text string) bool
	ClassifyError(text string) (Reason, bool)
	ParseElapsed(text string) (int, bool)
	StuckAfterSeconds() int
}

// Provider is a Spec with its patterns compiled.
type Provider struct {
	Spec
	busy    *Matcher
	blocked *Matcher
}

var _ Capabilities = (*Provider)(nil)

// New compiles spec into a Provider. Empty pattern lists fall back to the
// cross-provider defaults.
func New(spec Spec) *Provider {
	if spec.StuckAfterSeconds <= 0 {
		spec.StuckAfterSeconds = DefaultStuckAfterSeconds
	}
	if spec.AgentsMD == "" {
		spec.AgentsMD = AgentsMDNone
	}
	busy := spec.BusyPatterns
	if len(busy) == 0 {
		busy = fallbackBusyPatterns
	}
	blocked := spec.BlockedPatterns
	if len(blocked) == 0 {
		blocked = fallbackBlockedPatterns
	}
	return &Provider{
		Spec:    spec,
		busy:    CompilePatterns(busy),
		blocked: CompilePatterns(blocked),
	}
}

func (p *Provider) ClassifyBusy(text string) bool    { return p.busy.MatchAny(text) }
func (p *Provider) ClassifyBlocked(text string) bool { return p.blocked.MatchAny(text) }
func (p *Provider) StuckAfterSeconds() int           { return p.Spec.StuckAfterSeconds }

func (p *Provider) ParseElapsed(text string) (int, bool) { return ParseElapsed(text) }

func (p *Provider) ClassifyError(text string) (Reason, bool) { return DetectErrorReason(text) }

// SupportsRestore reports whether the provider can resume a conversation by id.
func (p *Provider) SupportsRestore() bool {
	return p.Restore.Mode == RestoreCLIOptionalArg && p.Restore.Flag != ""
}

// Override adjusts a provider's runtime heuristics from user configuration.
// Non-nil pattern slices replace the defaults; Extra slices are appended.
type Override struct {
	BusyPatterns         []string
	ExtraBusyPatterns    []string
	BlockedPatterns      []string
	ExtraBlockedPatterns []string
	StuckAfterSeconds    int
}

// Registry maps provider keys to compiled providers.
type Registry struct {
	providers map[Key]*Provider
}

// NewRegistry builds a registry from specs, applying overrides by key.
func NewRegistry(specs []Spec, overrides map[Key]Override) *Registry {
	r := &Registry{providers: make(map[Key]*Provider, len(specs))}
	for _, spec := range specs {
		if o, ok := overrides[spec.Key]; ok {
			spec.BusyPatterns = MergePatterns(spec.BusyPatterns, o.BusyPatterns, o.ExtraBusyPatterns)
			spec.BlockedPatterns = MergePatterns(spec.BlockedPatterns, o.BlockedPatterns, o.ExtraBlockedPatterns)
			if o.StuckAfterSeconds > 0 {
				spec.StuckAfterSeconds = o.StuckAfterSeconds
			}
		}
		r.providers[spec.Key] = New(spec)
	}
	return r
}

// DefaultRegistry returns the built-in table without overrides.
func DefaultRegistry() *Registry {
	return NewRegistry(DefaultSpecs(), nil)
}

// Get returns the provider for key, falling back to generic.
func (r *Registry) Get(key Key) *Provider {
	if p, ok := r.providers[key]; ok {
		return p
	}
	return r.providers[KeyGeneric]
}

// ForLauncher resolves launcher to a key once and returns its provider.
func (r *Registry) ForLauncher(launcher string) *Provider {
	return r.Get(ResolveKey(launcher))
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []Key {
	keys := make([]Key, 0, len(r.providers))
	for k := range r.providers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

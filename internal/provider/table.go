package provider

import "time"

// DefaultStuckAfterSeconds is the busy duration after which an agent counts as stuck.
const DefaultStuckAfterSeconds = 180

var fallbackBusyPatterns = []string{
	"✻ Thinking",
	"Thinking...",
	"⏳ Thinking",
	"(esc to interrupt",
}

var fallbackBlockedPatterns = []string{
	"all actions require approval",
	"actions require approval",
	"requires approval",
	"waiting for approval",
}

var droidSpinnerBusy = func() []string {
	frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇"}
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f+" Thinking")
	}
	return out
}()

// DefaultSpecs returns the built-in capability table.
func DefaultSpecs() []Spec {
	return []Spec{
		{
			Key:         KeyClaudeCode,
			Name:        "Claude Code",
			Description: "Official Claude Code CLI",
			// Claude Code 2.1+ renders its prompt as "❯".
			Prompt:      Prompt{Patterns: []string{">", ">\u00a0", "⟩", "❯"}},
			StartupWait: 0,
			BusyPatterns: []string{
				"✻ Forging",
				"✻ Spelunking",
				"✻ Thinking",
				"Forging…",
				"Spelunking…",
				"Working…",
				"⏳ Thinking",
				"(esc to interrupt",
			},
			BlockedPatterns: []string{
				"actions require approval",
				"requires approval",
				"waiting for approval",
			},
			StuckAfterSeconds: DefaultStuckAfterSeconds,
			SystemPrompt:      SystemPrompt{Mode: SystemPromptCLIAppend, Flag: "--append-system-prompt"},
			MCP:               MCPConfig{Mode: MCPCLIJSON, Flag: "--mcp-config"},
			Restore:           Restore{Mode: RestoreCLIOptionalArg, Flag: "--resume"},
		},
		{
			Key:         KeyDroid,
			Name:        "Droid",
			Description: "Droid CLI agent",
			Prompt: Prompt{
				Patterns:      []string{">", ">\u00a0", "⟩"},
				LenientPrefix: ">",
				ReadyHints:    []string{"? for help", "/ide for VS Code"},
			},
			StartupWait: 5 * time.Second,
			BusyPatterns: append(append([]string{
				"Thinking...",
				"Thinking…",
				"⏳ Thinking",
			}, droidSpinnerBusy...), "(esc to interrupt"),
			BlockedPatterns:   fallbackBlockedPatterns,
			StuckAfterSeconds: DefaultStuckAfterSeconds,
			SystemPrompt:      SystemPrompt{Mode: SystemPromptTmuxPaste},
			MCP:               MCPConfig{Mode: MCPUnsupported},
			Restore:           Restore{Mode: RestoreCLIOptionalArg, Flag: "--resume"},
		},
		{
			Key:         KeyClaude,
			Name:        "Claude",
			Description: "Generic Claude CLI",
			Prompt:      Prompt{Patterns: []string{">", "⟩", ":"}},
			StartupWait: time.Second,
			BusyPatterns: []string{
				"✻ Thinking",
				"Thinking...",
				"⏳ Thinking",
				"(esc to interrupt",
			},
			BlockedPatterns: []string{
				"actions require approval",
				"requires approval",
			},
			StuckAfterSeconds: DefaultStuckAfterSeconds,
			SystemPrompt:      SystemPrompt{Mode: SystemPromptCLIAppend, Flag: "--append-system-prompt"},
			MCP:               MCPConfig{Mode: MCPCLIJSON, Flag: "--mcp-config"},
			Restore:           Restore{Mode: RestoreCLIOptionalArg, Flag: "--resume"},
		},
		{
			Key:         KeyGeneric,
			Name:        "Generic",
			Description: "Generic CLI with common prompts",
			Prompt:      Prompt{Patterns: []string{">", "$", "#", ":", "⟩"}},
			StartupWait: time.Second,
			BusyPatterns: []string{
				"Thinking...",
				"Thinking…",
				"Working…",
				"⏳ Thinking",
				"(esc to interrupt",
			},
			BlockedPatterns: []string{
				"actions require approval",
				"requires approval",
				"waiting for approval",
			},
			StuckAfterSeconds: DefaultStuckAfterSeconds,
			SystemPrompt:      SystemPrompt{Mode: SystemPromptTmuxPaste},
			MCP:               MCPConfig{Mode: MCPUnsupported},
			Restore:           Restore{Mode: RestoreUnsupported},
		},
		{
			Key:         KeyOpenCode,
			Name:        "OpenCode",
			Description: "OpenCode CLI agent (opencode.ai)",
			// Full-screen TUI without a stable prompt in capture-pane output.
			Prompt:      Prompt{},
			StartupWait: 2 * time.Second,
			BusyPatterns: []string{
				"Thinking...",
				"Thinking…",
				"⏳ Thinking",
				"(esc to interrupt",
			},
			BlockedPatterns: []string{
				"actions require approval",
				"requires approval",
				"waiting for approval",
			},
			StuckAfterSeconds: DefaultStuckAfterSeconds,
			SystemPrompt:      SystemPrompt{Mode: SystemPromptCLIAppend, Flag: "--prompt"},
			MCP:               MCPConfig{Mode: MCPUnsupported},
			Restore:           Restore{Mode: RestoreCLIOptionalArg, Flag: "--session"},
			LocalBinary:       ".opencode/bin/opencode",
		},
		{
			Key:         KeyCodex,
			Name:        "Codex",
			Description: "OpenAI Codex CLI",
			Prompt: Prompt{
				Patterns:          []string{"›", "❯", ">"},
				Match:             MatchPrefix,
				ReadyHints:        []string{"Auto (High)", "shift+tab to cycle modes"},
				ReadyLinePrefixes: []string{"›", "❯"},
			},
			StartupWait: 2 * time.Second,
			BusyPatterns: []string{
				"esc to interrupt)",
				"(esc to interrupt",
				"⏳ Thinking",
				"Thinking…",
			},
			BlockedPatterns: []string{
				"requires approval",
				"waiting for approval",
				"Allow command?",
			},
			StuckAfterSeconds: DefaultStuckAfterSeconds,
			SystemPrompt: SystemPrompt{
				Mode: SystemPromptCLIConfigKV,
				Flag: "-c",
				Key:  "experimental_instructions_file",
			},
			MCP:      MCPConfig{Mode: MCPUnsupported},
			Restore:  Restore{Mode: RestoreUnsupported},
			AgentsMD: AgentsMDCwd,
		},
	}
}

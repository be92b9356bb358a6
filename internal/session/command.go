package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/asheshgoplani/agent-manager/internal/provider"
	"github.com/asheshgoplani/agent-manager/internal/statestore"
)

// pathPrefix makes user-local installs visible under cron's minimal PATH.
const pathPrefix = `export PATH="$HOME/.local/bin:$HOME/bin:$PATH"`

// BuildStartCommand returns the shell line run inside the new session.
func BuildStartCommand(workDir, launcher string, launcherArgs []string) string {
	words := make([]string, 0, len(launcherArgs)+1)
	for _, a := range append([]string{launcher}, launcherArgs...) {
		if a != "" {
			words = append(words, ShellQuote(a))
		}
	}
	return fmt.Sprintf("%s && cd %s && %s", pathPrefix, ShellQuote(workDir), strings.Join(words, " "))
}

// ShellQuote returns s quoted for a POSIX shell. Words made only of safe
// characters pass through unchanged.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') ||
			strings.ContainsRune("@%+=:,./-_", c)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// SystemPromptPath is where an agent's role prompt is written for CLIs that
// read it from a file.
func SystemPromptPath(repoRoot, agentID string) string {
	return filepath.Join(repoRoot, ".claude", "state", "system-prompts", agentID+".txt")
}

// WriteSystemPrompt writes prompt to the agent's prompt file.
func WriteSystemPrompt(repoRoot, agentID, prompt string) (string, error) {
	path := SystemPromptPath(repoRoot, agentID)
	if err := statestore.WriteFileAtomic(path, []byte(prompt+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("session: write system prompt: %w", err)
	}
	return path, nil
}

// appendSystemPrompt adds the provider's prompt flag to command.
func appendSystemPrompt(command string, sp provider.SystemPrompt, promptFile string) string {
	switch sp.Mode {
	case provider.SystemPromptCLIAppend:
		return fmt.Sprintf(`%s %s "$(cat %s)"`, command, ShellQuote(sp.Flag), ShellQuote(promptFile))
	case provider.SystemPromptCLIConfigKV:
		// The value is parsed as TOML; a JSON string is a valid TOML basic string.
		quoted, _ := json.Marshal(promptFile)
		kv := sp.Key + "=" + string(quoted)
		return fmt.Sprintf("%s %s %s", command, ShellQuote(sp.Flag), ShellQuote(kv))
	}
	return command
}

// cliPromptSupported reports whether sp can deliver a prompt at launch.
func cliPromptSupported(sp provider.SystemPrompt) bool {
	switch sp.Mode {
	case provider.SystemPromptCLIAppend:
		return sp.Flag != ""
	case provider.SystemPromptCLIConfigKV:
		return sp.Flag != "" && sp.Key != ""
	}
	return false
}

// NormalizePath expands ~ and resolves dir to an absolute, symlink-free path.
func NormalizePath(dir, home string) string {
	if dir == "~" {
		dir = home
	} else if strings.HasPrefix(dir, "~/") {
		dir = filepath.Join(home, dir[2:])
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

package provider

import (
	"strings"
	"unicode/utf8"
)

// HasPrompt reports whether the provider exposes a detectable prompt.
func (p *Provider) HasPrompt() bool {
	return len(p.Prompt.Patterns) > 0
}

// PromptReady reports whether captured output shows the CLI waiting for input.
func (p *Provider) PromptReady(output string) bool {
	pr := p.Prompt
	for _, hint := range pr.ReadyHints {
		if strings.Contains(output, hint) {
			return true
		}
	}

	lines := strings.Split(output, "\n")
	if len(pr.ReadyLinePrefixes) > 0 {
		for _, line := range lines {
			stripped := strings.TrimSpace(line)
			for _, prefix := range pr.ReadyLinePrefixes {
				if strings.HasPrefix(stripped, prefix) {
					return true
				}
			}
		}
	}

	for _, pattern := range pr.Patterns {
		if !strings.Contains(output, pattern) {
			continue
		}
		for _, line := range lines {
			stripped := strings.TrimSpace(line)
			if pr.LenientPrefix != "" {
				if strings.HasPrefix(stripped, pr.LenientPrefix) {
					return true
				}
				continue
			}
			switch pr.Match {
			case MatchPrefix:
				if strings.HasPrefix(stripped, pattern) {
					return true
				}
			default:
				if stripped == pattern ||
					(strings.HasPrefix(stripped, pattern) && utf8.RuneCountInString(stripped) <= 3) {
					return true
				}
			}
		}
	}
	return false
}

package provider

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/asheshgoplani/agent-manager/internal/logging"
)

var patternLog = logging.ForComponent(logging.CompStatus)

// Matcher is a compiled pattern list. Entries prefixed with "re:" are
// regular expressions; everything else is a case-sensitive substring.
type Matcher struct {
	strings []string
	regexps []*regexp.Regexp
}

// CompilePatterns compiles raw patterns. Invalid regexes are logged and
// skipped so a bad override never disables the rest of the list.
func CompilePatterns(raw []string) *Matcher {
	m := &Matcher{}
	for _, p := range raw {
		if expr, ok := strings.CutPrefix(p, "re:"); ok {
			re, err := regexp.Compile(expr)
			if err != nil {
				patternLog.Warn("invalid_pattern_regex",
					slog.String("pattern", p),
					slog.String("error", err.Error()))
				continue
			}
			m.regexps = append(m.regexps, re)
			continue
		}
		if p == "" {
			continue
		}
		m.strings = append(m.strings, p)
	}
	return m
}

// MatchAny reports whether any pattern occurs in text.
func (m *Matcher) MatchAny(text string) bool {
	if m == nil || text == "" {
		return false
	}
	for _, s := range m.strings {
		if strings.Contains(text, s) {
			return true
		}
	}
	for _, re := range m.regexps {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Len returns the number of usable patterns.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.strings) + len(m.regexps)
}

// MergePatterns applies an override (replaces when non-nil) and appends extras.
func MergePatterns(defaults, override, extras []string) []string {
	var out []string
	if override != nil {
		out = append(out, override...)
	} else {
		out = append(out, defaults...)
	}
	return append(out, extras...)
}

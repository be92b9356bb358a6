package provider

import (
	"regexp"
	"strconv"
)

var (
	elapsedMinSecRe = regexp.MustCompile(`\[\s*(?:⏱|⏳)\s*(\d+)m\s*(\d+)s\s*\]`)
	elapsedSecRe    = regexp.MustCompile(`\[\s*(?:⏱|⏳)\s*(\d+)s\s*\]`)
	elapsedFloatRe  = regexp.MustCompile(`\b(\d+\.\d+)s\b`)
)

// ParseElapsed extracts the on-screen elapsed timer from text. Bracketed
// timers, "[⏱ 5m 7s]" or "[⏱ 42s]", win over a bare "12.50s" token
// (truncated). When the window holds several, the last one is current;
// earlier ones are scrollback from finished work.
func ParseElapsed(text string) (int, bool) {
	if text == "" {
		return 0, false
	}
	best, pos := -1, -1
	if m := lastSubmatch(elapsedMinSecRe, text); m != nil {
		minutes, err1 := strconv.Atoi(text[m[2]:m[3]])
		seconds, err2 := strconv.Atoi(text[m[4]:m[5]])
		if err1 == nil && err2 == nil {
			best, pos = minutes*60+seconds, m[0]
		}
	}
	if m := lastSubmatch(elapsedSecRe, text); m != nil && m[0] > pos {
		if seconds, err := strconv.Atoi(text[m[2]:m[3]]); err == nil {
			best, pos = seconds, m[0]
		}
	}
	if pos >= 0 {
		return best, true
	}
	if m := lastSubmatch(elapsedFloatRe, text); m != nil {
		if f, err := strconv.ParseFloat(text[m[2]:m[3]], 64); err == nil {
			return int(f), true
		}
	}
	return 0, false
}

// lastSubmatch returns the index pairs of the last match of re in text.
func lastSubmatch(re *regexp.Regexp, text string) []int {
	all := re.FindAllStringSubmatchIndex(text, -1)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/termenv"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("format JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// table pads columns by display width so emoji and CJK names line up.
type table struct {
	rows [][]string
}

func (t *table) add(cols ...string) { t.rows = append(t.rows, cols) }

func (t *table) render(w io.Writer) {
	var widths []int
	for _, row := range t.rows {
		for i, c := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			widths[i] = max(widths[i], runewidth.StringWidth(c))
		}
	}
	for ri, row := range t.rows {
		var b strings.Builder
		for i, c := range row {
			if i == len(row)-1 {
				b.WriteString(c)
				break
			}
			b.WriteString(runewidth.FillRight(c, widths[i]))
			b.WriteString("  ")
		}
		line := strings.TrimRight(b.String(), " ")
		if ri == 0 {
			line = headerStyle.Render(line)
		}
		fmt.Fprintln(w, line)
	}
}

func initColorProfile() {
	// AGENT_MANAGER_COLOR: truecolor, 256, 16, none
	if p, ok := colorProfileFromEnv(os.Getenv("AGENT_MANAGER_COLOR")); ok {
		lipgloss.SetColorProfile(p)
		return
	}
	if os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	colorTerm := os.Getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}
	// Otherwise keep termenv's detection, which drops to Ascii when
	// stdout is not a terminal (cron logs, pipes).
}

func colorProfileFromEnv(v string) (termenv.Profile, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "truecolor", "true", "24bit":
		return termenv.TrueColor, true
	case "256", "ansi256":
		return termenv.ANSI256, true
	case "16", "ansi", "basic":
		return termenv.ANSI, true
	case "none", "off", "ascii":
		return termenv.Ascii, true
	}
	return termenv.Ascii, false
}

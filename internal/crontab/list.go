package crontab

import (
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/asheshgoplani/agent-manager/internal/agent"
)

const listColumn = 20

// FormatList renders every schedule grouped by agent, marking disabled ones.
func FormatList(entries []agent.ScheduleEntry) string {
	if len(entries) == 0 {
		return "No scheduled jobs configured."
	}
	lines := []string{"📅 Scheduled Jobs:", ""}
	current := ""
	for _, e := range entries {
		if e.Profile.FileID != current {
			if current != "" {
				lines = append(lines, "")
			}
			lines = append(lines, Header(e.Profile)+":")
			current = e.Profile.FileID
		}
		mark := "✓"
		if !e.Schedule.IsEnabled() {
			mark = "✗"
		}
		cron := e.Schedule.Cron
		if cron == "" {
			cron = "N/A"
		}
		runtime := ""
		if e.Schedule.MaxRuntime != "" {
			runtime = "(" + e.Schedule.MaxRuntime + ")"
		}
		lines = append(lines, "  "+mark+" "+
			runewidth.FillRight(e.Schedule.JobName(), listColumn)+" "+
			runewidth.FillRight(cron, listColumn)+" "+runtime)
	}
	return strings.Join(lines, "\n")
}

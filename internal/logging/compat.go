package logging

import (
	"bytes"
	"log/slog"
	"strings"
)

// BridgeWriter wraps slog as an io.Writer so that stdlib log.Printf calls
// (including ones from dependencies) land in the structured log. A leading
// "[category] " prefix becomes the component field.
type BridgeWriter struct {
	component string
}

// NewBridgeWriter creates a writer that forwards writes to slog.
// defaultComponent is used when no [category] prefix is found.
func NewBridgeWriter(defaultComponent string) *BridgeWriter {
	return &BridgeWriter{component: defaultComponent}
}

// Write implements io.Writer. Each write is treated as one log line.
func (bw *BridgeWriter) Write(p []byte) (int, error) {
	n := len(p)
	msg := stripLogTimestamp(string(bytes.TrimSpace(p)))
	if msg == "" {
		return n, nil
	}

	component := bw.component
	if strings.HasPrefix(msg, "[") {
		if idx := strings.Index(msg, "] "); idx > 0 {
			component = canonicalComponent(strings.ToLower(msg[1:idx]))
			msg = msg[idx+2:]
		}
	}

	Logger().Info(msg, slog.String("component", component))
	return n, nil
}

// stripLogTimestamp removes the prefix added by log.Ltime, with or without
// log.Lmicroseconds.
func stripLogTimestamp(s string) string {
	if len(s) > 16 && s[2] == ':' && s[5] == ':' && s[8] == '.' && s[15] == ' ' {
		return s[16:]
	}
	if len(s) > 9 && s[2] == ':' && s[5] == ':' && s[8] == ' ' {
		return s[9:]
	}
	return s
}

func canonicalComponent(cat string) string {
	switch cat {
	case "tmux", "pane", "send":
		return CompTmux
	case "status", "classify":
		return CompStatus
	case "session", "start", "stop":
		return CompSession
	case "restore", "resume":
		return CompRestore
	case "schedule", "cron", "crontab":
		return CompSchedule
	case "watchdog", "supervisor":
		return CompWatchdog
	case "store", "statedb":
		return CompStore
	default:
		return cat
	}
}

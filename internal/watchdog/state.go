package watchdog

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// State is the checkpoint carried between ticks. On disk it is one flat
// JSON object: next_scan_ts, backoff_steps, last_nudge_<agent>_ts,
// last_work_url and last_work_nudge_ts, all timestamps in unix seconds.
// Keys this version does not know are kept as they were.
type State struct {
	NextScan      time.Time
	BackoffSteps  int
	LastNudge     map[string]time.Time
	LastWorkURL   string
	LastWorkNudge time.Time

	extra map[string]json.RawMessage
}

const (
	keyNextScan      = "next_scan_ts"
	keyBackoffSteps  = "backoff_steps"
	keyLastWorkURL   = "last_work_url"
	keyLastWorkNudge = "last_work_nudge_ts"
	nudgePrefix      = "last_nudge_"
	nudgeSuffix      = "_ts"
)

// DefaultStatePath returns the checkpoint location under a repo root.
func DefaultStatePath(repoRoot string) string {
	return filepath.Join(repoRoot, ".claude", "state", "supervisor_watchdog.json")
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// MarshalJSON flattens the state into its on-disk keys.
func (s State) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.extra)+len(s.LastNudge)+4)
	for k, v := range s.extra {
		out[k] = v
	}
	out[keyNextScan] = unix(s.NextScan)
	out[keyBackoffSteps] = s.BackoffSteps
	if s.LastWorkURL != "" {
		out[keyLastWorkURL] = s.LastWorkURL
	}
	if !s.LastWorkNudge.IsZero() {
		out[keyLastWorkNudge] = unix(s.LastWorkNudge)
	}
	for name, at := range s.LastNudge {
		out[nudgePrefix+name+nudgeSuffix] = unix(at)
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the flat form. Numbers may be stored as JSON numbers
// or numeric strings; anything unparsable reads as zero.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("watchdog state: %w", err)
	}
	*s = State{}
	for k, v := range raw {
		switch {
		case k == keyNextScan:
			s.NextScan = fromUnix(rawInt(v))
		case k == keyBackoffSteps:
			s.BackoffSteps = int(rawInt(v))
		case k == keyLastWorkURL:
			_ = json.Unmarshal(v, &s.LastWorkURL)
		case k == keyLastWorkNudge:
			s.LastWorkNudge = fromUnix(rawInt(v))
		case strings.HasPrefix(k, nudgePrefix) && strings.HasSuffix(k, nudgeSuffix) && len(k) > len(nudgePrefix)+len(nudgeSuffix):
			if s.LastNudge == nil {
				s.LastNudge = make(map[string]time.Time)
			}
			name := strings.TrimSuffix(strings.TrimPrefix(k, nudgePrefix), nudgeSuffix)
			s.LastNudge[name] = fromUnix(rawInt(v))
		default:
			if s.extra == nil {
				s.extra = make(map[string]json.RawMessage)
			}
			s.extra[k] = v
		}
	}
	return nil
}

func rawInt(v json.RawMessage) int64 {
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return int64(f)
		}
	}
	var str string
	if err := json.Unmarshal(v, &str); err == nil {
		if i, err := strconv.ParseInt(strings.TrimSpace(str), 10, 64); err == nil {
			return i
		}
	}
	return 0
}

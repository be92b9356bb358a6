package restore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-manager/internal/provider"
	"github.com/asheshgoplani/agent-manager/internal/statestore"
)

// RecordTimeFormat is the layout of Record.UpdatedAt.
const RecordTimeFormat = "2006-01-02T15:04:05Z"

// Record is the last known provider conversation for an agent.
type Record struct {
	Provider  provider.Key `json:"provider"`
	AgentID   string       `json:"agent_id"`
	SessionID string       `json:"session_id"`
	Cwd       string       `json:"cwd"`
	UpdatedAt string       `json:"updated_at"`
}

// RecordStore keeps one JSON file per (provider, agent) under dir.
type RecordStore struct {
	dir string
}

// RecordDir returns the default record directory for a repo.
func RecordDir(repoRoot string) string {
	return filepath.Join(repoRoot, ".claude", "state", "agent-manager", "provider-sessions")
}

// NewRecordStore returns a store rooted at dir.
func NewRecordStore(dir string) *RecordStore {
	return &RecordStore{dir: dir}
}

func (s *RecordStore) file(key provider.Key, agentID string) *statestore.JSONFile[Record] {
	return statestore.NewJSONFile[Record](filepath.Join(s.dir, string(key), agentID+".json"))
}

// Load returns the cached record. ok is false when there is none or the file
// is unreadable; a bad cache is only a missing hint.
func (s *RecordStore) Load(ctx context.Context, key provider.Key, agentID string) (Record, bool) {
	rec, err := s.file(key, agentID).Load(ctx)
	if err != nil {
		restoreLog.Warn("record_unreadable", "provider", key, "agent", agentID, "error", err)
		return Record{}, false
	}
	rec.SessionID = strings.TrimSpace(rec.SessionID)
	if rec.SessionID == "" {
		return Record{}, false
	}
	return rec, true
}

// Save writes a record stamped with now.
func (s *RecordStore) Save(ctx context.Context, key provider.Key, agentID, sessionID, cwd string, now time.Time) error {
	rec := Record{
		Provider:  key,
		AgentID:   agentID,
		SessionID: sessionID,
		Cwd:       cwd,
		UpdatedAt: now.UTC().Format(RecordTimeFormat),
	}
	if err := s.file(key, agentID).Save(ctx, rec); err != nil {
		return fmt.Errorf("restore: save record: %w", err)
	}
	return nil
}

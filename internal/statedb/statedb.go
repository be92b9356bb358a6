package statedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// StateDB is the run ledger: one row per scheduled job execution and one
// row per agent restart. Safe for concurrent use within one process; other
// processes (cron runs, the watchdog) share it through WAL mode and a busy
// timeout.
type StateDB struct {
	db *sql.DB
}

// Outcome is how a scheduled run ended.
type Outcome string

const (
	OutcomeRunning Outcome = "running"
	OutcomeSuccess Outcome = "success"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// JobRun is one row of job_runs.
type JobRun struct {
	ID         int64     `json:"id"`
	AgentID    string    `json:"agent_id"`
	Job        string    `json:"job"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    Outcome   `json:"outcome"`
	Decision   string    `json:"decision,omitempty"`
	FinalState string    `json:"final_state,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Restart is one row of restarts.
type Restart struct {
	ID      int64
	AgentID string
	Reason  string
	Source  string
	At      time.Time
}

// DefaultPath returns the ledger location under a repo root.
func DefaultPath(repoRoot string) string {
	return filepath.Join(repoRoot, ".claude", "state", "agent-manager", "ledger.db")
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy
// timeout, and brings its schema up to date.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	// DSN pragmas apply to every pooled connection. Immediate transactions
	// take the write lock at BEGIN.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	s := &StateDB{db: db}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB.
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// --- Job runs ---

// StartRun inserts a running row and returns its id.
func (s *StateDB) StartRun(agentID, job string, at time.Time) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO job_runs (agent_id, job, started_at, outcome)
		VALUES (?, ?, ?, ?)
	`, agentID, job, at.UnixMilli(), string(OutcomeRunning))
	if err != nil {
		return 0, fmt.Errorf("statedb: start run: %w", err)
	}
	return res.LastInsertId()
}

// FinishRun closes a run row.
func (s *StateDB) FinishRun(id int64, outcome Outcome, decision, finalState, detail string, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE job_runs
		SET finished_at = ?, outcome = ?, decision = ?, final_state = ?, detail = ?
		WHERE id = ?
	`, at.UnixMilli(), string(outcome), decision, finalState, detail, id)
	if err != nil {
		return fmt.Errorf("statedb: finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("statedb: finish run: no run with id %d", id)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first. An empty agentID
// returns runs for every agent.
func (s *StateDB) RecentRuns(agentID string, limit int) ([]JobRun, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, agent_id, job, started_at, finished_at, outcome, decision, final_state, detail
		FROM job_runs`
	args := []any{}
	if agentID != "" {
		query += " WHERE agent_id = ?"
		args = append(args, agentID)
	}
	query += " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("statedb: recent runs: %w", err)
	}
	defer rows.Close()

	var runs []JobRun
	for rows.Next() {
		var (
			r                 JobRun
			started, finished int64
			outcome           string
		)
		if err := rows.Scan(&r.ID, &r.AgentID, &r.Job, &started, &finished, &outcome,
			&r.Decision, &r.FinalState, &r.Detail); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		if finished > 0 {
			r.FinishedAt = time.UnixMilli(finished)
		}
		r.Outcome = Outcome(outcome)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Restarts ---

// RecordRestart appends a restart row.
func (s *StateDB) RecordRestart(agentID, reason, source string, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO restarts (agent_id, reason, source, at) VALUES (?, ?, ?, ?)
	`, agentID, reason, source, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("statedb: record restart: %w", err)
	}
	return nil
}

// RestartCount returns restarts for agentID at or after since.
func (s *StateDB) RestartCount(agentID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM restarts WHERE agent_id = ? AND at >= ?",
		agentID, since.UnixMilli(),
	).Scan(&n)
	return n, err
}

// RestartCounts returns per-agent restart counts at or after since.
func (s *StateDB) RestartCounts(since time.Time) (map[string]int, error) {
	rows, err := s.db.Query(
		"SELECT agent_id, COUNT(*) FROM restarts WHERE at >= ? GROUP BY agent_id",
		since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("statedb: restart counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// Prune deletes runs and restarts older than before.
func (s *StateDB) Prune(before time.Time) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, q := range []string{
		"DELETE FROM job_runs WHERE started_at < ?",
		"DELETE FROM restarts WHERE at < ?",
	} {
		res, err := tx.Exec(q, before.UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("statedb: prune: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, tx.Commit()
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetMetaTime stores t as unix milliseconds.
func (s *StateDB) SetMetaTime(key string, t time.Time) error {
	return s.SetMeta(key, strconv.FormatInt(t.UnixMilli(), 10))
}

// GetMetaTime reads a time stored by SetMetaTime. Missing keys yield the zero time.
func (s *StateDB) GetMetaTime(key string) (time.Time, error) {
	val, err := s.GetMeta(key)
	if err != nil || val == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("statedb: meta %s: %w", key, err)
	}
	return time.UnixMilli(ms), nil
}

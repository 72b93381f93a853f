package offlinekit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// JournalConfig configures the SQLite-backed sync journal.
type JournalConfig struct {
	// Path to the SQLite database file.
	Path string

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA)
	Synchronous string

	// BusyTimeout is the timeout for acquiring locks in milliseconds.
	BusyTimeout int
}

// DefaultJournalConfig returns default journal configuration.
func DefaultJournalConfig(path string) JournalConfig {
	return JournalConfig{
		Path:        path,
		JournalMode: "WAL",
		Synchronous: "NORMAL",
		BusyTimeout: 5000,
	}
}

// JournalStats summarizes journal contents.
type JournalStats struct {
	Results      int64 `json:"results"`
	Checkpoints  int64 `json:"checkpoints"`
	AppendErrors int64 `json:"append_errors"`
}

// SyncJournal durably records sync results and per-key fingerprint
// checkpoints so delta-sync survives process restarts. The journal is an
// optional sink for the orchestrator's own state; it is not a remote store.
type SyncJournal struct {
	db     *sql.DB
	config JournalConfig

	mu           sync.Mutex
	closed       bool
	appendErrors int64

	insertResult   *sql.Stmt
	upsertCheckpt  *sql.Stmt
	selectCheckpts *sql.Stmt
}

// OpenSyncJournal opens (creating if needed) a sync journal at the
// configured path.
func OpenSyncJournal(config JournalConfig) (*SyncJournal, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}

	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA journal_mode=%s", config.JournalMode),
		fmt.Sprintf("PRAGMA synchronous=%s", config.Synchronous),
		fmt.Sprintf("PRAGMA busy_timeout=%d", config.BusyTimeout),
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS sync_results (
			seq            INTEGER PRIMARY KEY AUTOINCREMENT,
			item_id        TEXT NOT NULL,
			key            TEXT NOT NULL,
			status         TEXT NOT NULL,
			resolved_value TEXT,
			synced_at      INTEGER NOT NULL,
			error          TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_results_key ON sync_results(key)`,
		`CREATE TABLE IF NOT EXISTS sync_checkpoints (
			key         TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			updated_at  INTEGER NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create journal schema: %w", err)
		}
	}

	j := &SyncJournal{db: db, config: config}

	j.insertResult, err = db.Prepare(
		`INSERT INTO sync_results (item_id, key, status, resolved_value, synced_at, error)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare insert: %w", err)
	}

	j.upsertCheckpt, err = db.Prepare(
		`INSERT INTO sync_checkpoints (key, fingerprint, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET fingerprint=excluded.fingerprint, updated_at=excluded.updated_at`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare upsert: %w", err)
	}

	j.selectCheckpts, err = db.Prepare(`SELECT key, fingerprint FROM sync_checkpoints`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare select: %w", err)
	}

	return j, nil
}

// Append records one sync result in the append-only history.
func (j *SyncJournal) Append(result SyncResult) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}

	var resolved any
	if result.ResolvedValue != nil {
		data, err := json.Marshal(result.ResolvedValue)
		if err == nil {
			resolved = string(data)
		} else {
			resolved = fmt.Sprintf("%v", result.ResolvedValue)
		}
	}

	_, err := j.insertResult.Exec(
		result.ItemID,
		result.Key,
		string(result.Status),
		resolved,
		result.SyncedAt.UnixNano(),
		nullableString(result.Error),
	)
	if err != nil {
		j.appendErrors++
		return fmt.Errorf("append result: %w", err)
	}
	return nil
}

// SetFingerprint checkpoints the last synced fingerprint for a key.
func (j *SyncJournal) SetFingerprint(key, fingerprint string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}

	_, err := j.upsertCheckpt.Exec(key, fingerprint, time.Now().UnixNano())
	if err != nil {
		j.appendErrors++
		return fmt.Errorf("checkpoint %q: %w", key, err)
	}
	return nil
}

// Fingerprints loads all checkpointed fingerprints, keyed by logical key.
func (j *SyncJournal) Fingerprints() (map[string]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, ErrJournalClosed
	}

	rows, err := j.selectCheckpts.Query()
	if err != nil {
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}
	defer rows.Close()

	checkpoints := make(map[string]string)
	for rows.Next() {
		var key, fingerprint string
		if err := rows.Scan(&key, &fingerprint); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		checkpoints[key] = fingerprint
	}
	return checkpoints, rows.Err()
}

// History returns the most recent results, newest first. A non-positive
// limit returns everything.
func (j *SyncJournal) History(limit int) ([]SyncResult, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, ErrJournalClosed
	}

	query := `SELECT item_id, key, status, resolved_value, synced_at, error
	          FROM sync_results ORDER BY seq DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var results []SyncResult
	for rows.Next() {
		var (
			res      SyncResult
			status   string
			resolved sql.NullString
			syncedAt int64
			errMsg   sql.NullString
		)
		if err := rows.Scan(&res.ItemID, &res.Key, &status, &resolved, &syncedAt, &errMsg); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		res.Status = SyncStatus(status)
		res.SyncedAt = time.Unix(0, syncedAt).UTC()
		res.Error = errMsg.String
		if resolved.Valid {
			var value any
			if err := json.Unmarshal([]byte(resolved.String), &value); err == nil {
				res.ResolvedValue = value
			} else {
				res.ResolvedValue = resolved.String
			}
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// Stats returns journal counters.
func (j *SyncJournal) Stats() (JournalStats, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return JournalStats{}, ErrJournalClosed
	}

	stats := JournalStats{AppendErrors: j.appendErrors}
	if err := j.db.QueryRow(`SELECT COUNT(*) FROM sync_results`).Scan(&stats.Results); err != nil {
		return stats, fmt.Errorf("count results: %w", err)
	}
	if err := j.db.QueryRow(`SELECT COUNT(*) FROM sync_checkpoints`).Scan(&stats.Checkpoints); err != nil {
		return stats, fmt.Errorf("count checkpoints: %w", err)
	}
	return stats, nil
}

// Close closes the journal. Further operations return ErrJournalClosed.
func (j *SyncJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true

	j.insertResult.Close()
	j.upsertCheckpt.Close()
	j.selectCheckpts.Close()
	return j.db.Close()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

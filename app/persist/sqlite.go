// Package persist implements the durable side of the orchestrator: the full
// snapshot of {jobs, queue, active} mirrored on every state change, and the
// transition audit table backing the analytics sink. Storage failures never
// propagate to mutating callers; the orchestrator degrades to in-memory only.
package persist

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/covergen/coverd/app/store"
)

// snapshotKey is the fixed storage key of the single persisted blob
const snapshotKey = "jobs-state"

// SQLiteStore keeps the orchestrator snapshot and transition events in SQLite
type SQLiteStore struct {
	db *sqlx.DB
}

// Transition is one audited state change with a flat property bag
type Transition struct {
	ID         int64             `db:"id" json:"id"`
	PlaylistID string            `db:"playlist_id" json:"playlist_id"`
	Event      string            `db:"event" json:"event"`
	Props      map[string]string `db:"-" json:"props,omitempty"`
	PropsJSON  string            `db:"props" json:"-"`
	CreatedAt  time.Time         `db:"-" json:"created_at"`
	CreatedSec int64             `db:"created_at" json:"-"`
}

// NewSQLiteStore opens (or creates) the database and initializes the schema
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	res := &SQLiteStore{db: db}
	if err := res.initialize(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return res, nil
}

func (s *SQLiteStore) initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			key TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			payload TEXT NOT NULL,
			updated_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			playlist_id TEXT NOT NULL,
			event TEXT NOT NULL,
			props TEXT,
			created_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_playlist ON transitions(playlist_id)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_created ON transitions(created_at)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// Save serializes the snapshot and stores it under the fixed key, replacing
// the previous blob. Called after every mutating operation.
func (s *SQLiteStore) Save(snap store.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO snapshots (key, version, payload, updated_at) VALUES (?, ?, ?, ?)`,
		snapshotKey, snap.Version, string(payload), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Load reads the persisted snapshot once at startup. Absent, corrupted or
// wrong-version state is treated as an empty store, never as an error.
func (s *SQLiteStore) Load() store.Snapshot {
	var row struct {
		Version int    `db:"version"`
		Payload string `db:"payload"`
	}
	err := s.db.Get(&row, `SELECT version, payload FROM snapshots WHERE key = ?`, snapshotKey)
	if err != nil {
		log.Printf("[DEBUG] no persisted snapshot, starting empty: %v", err)
		return store.NewSnapshot()
	}
	if row.Version != store.SnapshotVersion {
		log.Printf("[WARN] persisted snapshot version %d not supported, starting empty", row.Version)
		return store.NewSnapshot()
	}

	var snap store.Snapshot
	if err := json.Unmarshal([]byte(row.Payload), &snap); err != nil {
		log.Printf("[WARN] corrupted persisted snapshot, starting empty: %v", err)
		return store.NewSnapshot()
	}
	if snap.Jobs == nil {
		snap.Jobs = map[string]*store.Job{}
	}
	for _, job := range snap.Jobs {
		job.Normalize()
	}
	return snap
}

// RecordTransition appends one audit event. Best-effort by contract, callers
// log and carry on if it fails.
func (s *SQLiteStore) RecordTransition(playlistID, event string, props map[string]string) error {
	propsJSON := ""
	if len(props) > 0 {
		data, err := json.Marshal(props)
		if err != nil {
			return fmt.Errorf("failed to marshal transition props: %w", err)
		}
		propsJSON = string(data)
	}
	_, err := s.db.Exec(`INSERT INTO transitions (playlist_id, event, props, created_at) VALUES (?, ?, ?, ?)`,
		playlistID, event, propsJSON, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// Transitions returns the most recent audit events for a playlist, newest first
func (s *SQLiteStore) Transitions(playlistID string, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []Transition
	err := s.db.Select(&rows, `SELECT id, playlist_id, event, props, created_at FROM transitions
		WHERE playlist_id = ? ORDER BY id DESC LIMIT ?`, playlistID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	for i := range rows {
		rows[i].CreatedAt = time.Unix(rows[i].CreatedSec, 0)
		if rows[i].PropsJSON != "" {
			if err := json.Unmarshal([]byte(rows[i].PropsJSON), &rows[i].Props); err != nil {
				log.Printf("[WARN] bad props for transition %d: %v", rows[i].ID, err)
			}
		}
	}
	return rows, nil
}

// CleanupTransitions drops audit events beyond the per-playlist limit
func (s *SQLiteStore) CleanupTransitions(limit int) error {
	if limit <= 0 {
		return nil
	}
	var playlists []string
	if err := s.db.Select(&playlists, `SELECT DISTINCT playlist_id FROM transitions`); err != nil {
		return fmt.Errorf("failed to list playlists: %w", err)
	}
	sort.Strings(playlists)
	for _, id := range playlists {
		_, err := s.db.Exec(`DELETE FROM transitions WHERE playlist_id = ? AND id NOT IN
			(SELECT id FROM transitions WHERE playlist_id = ? ORDER BY id DESC LIMIT ?)`, id, id, limit)
		if err != nil {
			return fmt.Errorf("failed to cleanup transitions for %s: %w", id, err)
		}
	}
	return nil
}

// transitionsKeep caps the audit trail per playlist, trimmed on maintenance
const transitionsKeep = 500

// Maintain runs periodic sqlite housekeeping, scheduled by the service cron
func (s *SQLiteStore) Maintain() error {
	if err := s.CleanupTransitions(transitionsKeep); err != nil {
		return err
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint wal: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/netplay/internal/session"
	"github.com/energizer-project/netplay/internal/util"
)

// DefaultHistoryKeep is used when no retention is configured.
const DefaultHistoryKeep = 200

// HistoryEntry is one recorded session.
type HistoryEntry struct {
	ID             int64      `json:"id"`
	Path           string     `json:"path"`
	PeerName       string     `json:"peer_name"`
	PeerID         string     `json:"peer_id"`
	Remote         string     `json:"remote"`
	PlayerNumber   int        `json:"player_number"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	ReachedRunning bool       `json:"reached_running"`
	Outcome        string     `json:"outcome"`
}

// HistoryStore records sessions in SQLite. It implements session.Recorder;
// recorder calls come from the session loop, Recent may be called from any
// goroutine.
type HistoryStore struct {
	db     *Database
	keep   int
	open   int64 // row of the session in progress
	logger zerolog.Logger
}

// NewHistoryStore opens the history database at path and keeps at most keep
// sessions.
func NewHistoryStore(path string, keep int) (*HistoryStore, error) {
	database, err := NewDatabase(path)
	if err != nil {
		return nil, err
	}
	if keep <= 0 {
		keep = DefaultHistoryKeep
	}

	h := &HistoryStore{
		db:     database,
		keep:   keep,
		logger: util.ComponentLogger("history"),
	}
	if err := h.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}
	return h, nil
}

func (h *HistoryStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL,
			peer_name TEXT NOT NULL DEFAULT '',
			peer_id TEXT NOT NULL DEFAULT '',
			remote TEXT NOT NULL DEFAULT '',
			player_number INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER,
			reached_running INTEGER NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at);
	`
	if _, err := h.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	h.logger.Debug().Msg("history schema migrated")
	return nil
}

// Close closes the database.
func (h *HistoryStore) Close() error {
	return h.db.Close()
}

// SessionStarted inserts an open row for the session.
func (h *HistoryStore) SessionStarted(rec session.Record) {
	id, err := h.insert(rec)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to record session start")
		return
	}
	h.open = id
}

// SessionEnded closes the open row, or inserts a complete one when the start
// was not recorded, and prunes old sessions.
func (h *HistoryStore) SessionEnded(rec session.Record) {
	id := h.open
	h.open = 0

	var pruned int64
	err := h.db.Transaction(func(tx *sql.Tx) error {
		var err error
		if id == 0 {
			_, err = tx.Exec(insertSession, insertArgs(rec)...)
		} else {
			_, err = tx.Exec(
				`UPDATE sessions SET ended_at = ?, reached_running = ?, outcome = ? WHERE id = ?`,
				rec.EndedAt.UnixMilli(), rec.ReachedRunning, rec.Outcome, id)
		}
		if err != nil {
			return fmt.Errorf("failed to record session end: %w", err)
		}

		res, err := tx.Exec(
			`DELETE FROM sessions WHERE id NOT IN (SELECT id FROM sessions ORDER BY id DESC LIMIT ?)`,
			h.keep)
		if err != nil {
			return fmt.Errorf("failed to prune session history: %w", err)
		}
		pruned, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		h.logger.Warn().Err(err).Msg("session history update failed")
		return
	}
	if pruned > 0 {
		h.logger.Debug().Int64("removed", pruned).Msg("pruned session history")
	}
}

const insertSession = `INSERT INTO sessions (path, peer_name, peer_id, remote, player_number, started_at, ended_at, reached_running, outcome)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

func insertArgs(rec session.Record) []interface{} {
	var ended interface{}
	if !rec.EndedAt.IsZero() {
		ended = rec.EndedAt.UnixMilli()
	}
	return []interface{}{
		rec.Path.String(), rec.PeerName, rec.PeerID, rec.Remote.String(), rec.PlayerNumber,
		rec.StartedAt.UnixMilli(), ended, rec.ReachedRunning, rec.Outcome,
	}
}

func (h *HistoryStore) insert(rec session.Record) (int64, error) {
	var id int64
	err := h.db.QueryRow(insertSession+` RETURNING id`, insertArgs(rec)...).Scan(&id)
	return id, err
}

// Recent returns up to limit sessions, newest first.
func (h *HistoryStore) Recent(limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = h.keep
	}
	rows, err := h.db.Query(
		`SELECT id, path, peer_name, peer_id, remote, player_number, started_at, ended_at, reached_running, outcome
		 FROM sessions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query session history: %w", err)
	}
	defer rows.Close()

	entries := []HistoryEntry{}
	for rows.Next() {
		var (
			e       HistoryEntry
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.Path, &e.PeerName, &e.PeerID, &e.Remote,
			&e.PlayerNumber, &started, &ended, &e.ReachedRunning, &e.Outcome); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		e.StartedAt = time.UnixMilli(started).UTC()
		if ended.Valid {
			t := time.UnixMilli(ended.Int64).UTC()
			e.EndedAt = &t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

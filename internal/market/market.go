// Package market is the SQLite-backed marketplace store: linked profiles,
// coaching rates, community memberships, call sessions and provisioned
// voice-channel records. The orchestrator consumes it through lookups and
// call-session writes; the rest of the marketplace CRUD lives elsewhere.
package market

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound reports that a lookup matched no row.
var ErrNotFound = errors.New("market: not found")

// Call session statuses.
const (
	CallStatusInProgress = "in_progress"
	CallStatusCompleted  = "completed"
	CallStatusAbandoned  = "abandoned"
)

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	discord_id  TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS coach_rates (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	profile_id  INTEGER NOT NULL REFERENCES profiles(id),
	hourly_rate REAL NOT NULL,
	designated  INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS community_members (
	profile_id   INTEGER NOT NULL REFERENCES profiles(id),
	community_id TEXT NOT NULL,
	active       INTEGER NOT NULL DEFAULT 1,
	joined_at    INTEGER NOT NULL,
	PRIMARY KEY (profile_id, community_id)
);

CREATE TABLE IF NOT EXISTS call_sessions (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	coach_profile_id    INTEGER NOT NULL,
	attendee_profile_id INTEGER NOT NULL,
	channel_id          TEXT NOT NULL,
	started_at          INTEGER NOT NULL,
	ended_at            INTEGER,
	duration_seconds    INTEGER,
	status              TEXT NOT NULL DEFAULT 'in_progress'
);

CREATE TABLE IF NOT EXISTS voice_channels (
	channel_id       TEXT PRIMARY KEY,
	guild_id         TEXT NOT NULL,
	coach_profile_id INTEGER NOT NULL,
	name             TEXT NOT NULL,
	created_at       INTEGER NOT NULL,
	deleted_at       INTEGER
);
`

// Store persists marketplace state in SQLite.
type Store struct {
	db *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the SQLite store and applies the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := path + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

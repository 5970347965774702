package repo

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// Store is the SQLite-backed Repository. The teacher's own process has no
// durable store of its own (Redis only); this is grounded on
// ManuGH-xg2g's sqlite_store.go schema-versioned migration pattern.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies any pending schema migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("repo: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repo: migration failed: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	var currentVersion int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		display_name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		room_code TEXT NOT NULL UNIQUE,
		owner_id TEXT NOT NULL,
		max_members INTEGER NOT NULL,
		mutiny_threshold REAL NOT NULL,
		dj_cooldown_minutes INTEGER NOT NULL,
		auto_randomize_dj INTEGER NOT NULL,
		clear_dj_on_disconnect INTEGER NOT NULL,
		created_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS room_members (
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		joined_at_ms INTEGER NOT NULL,
		UNIQUE(room_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_room_members_room ON room_members(room_id);

	CREATE TABLE IF NOT EXISTS votes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		voter_id TEXT NOT NULL,
		vote_type TEXT NOT NULL,
		target_user_id TEXT,
		vote_session_id TEXT NOT NULL,
		cast_at_ms INTEGER NOT NULL,
		UNIQUE(room_id, voter_id, vote_session_id)
	);

	CREATE TABLE IF NOT EXISTS dj_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		became_at_ms INTEGER NOT NULL,
		removed_at_ms INTEGER,
		removal_reason TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_dj_history_room_active ON dj_history(room_id, removed_at_ms);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

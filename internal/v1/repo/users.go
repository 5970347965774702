package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roomsync/coordinator/internal/v1/types"
)

// ErrNotFound is returned by lookups that find nothing, distinct from a
// genuine storage failure.
var ErrNotFound = errors.New("repo: not found")

// UpsertUser creates or updates the durable record for an authenticated
// user, keyed by the ID the Auth collaborator resolved.
func (s *Store) UpsertUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, display_name) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET username = excluded.username, display_name = excluded.display_name
	`, string(u.ID), u.Username, u.DisplayName)
	if err != nil {
		return fmt.Errorf("repo: upsert user: %w", err)
	}
	return nil
}

// FindUser looks up a user by ID.
func (s *Store) FindUser(ctx context.Context, id types.UserID) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, display_name FROM users WHERE id = ?`, string(id))
	var u User
	var uid string
	if err := row.Scan(&uid, &u.Username, &u.DisplayName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repo: find user: %w", err)
	}
	u.ID = types.UserID(uid)
	return &u, nil
}

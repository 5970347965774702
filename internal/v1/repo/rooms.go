package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roomsync/coordinator/internal/v1/types"
)

// CreateRoom persists a new room and inserts its owner as the first
// member with role owner.
func (s *Store) CreateRoom(ctx context.Context, room Room, nowMs int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repo: create room: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rooms (id, room_code, owner_id, max_members, mutiny_threshold, dj_cooldown_minutes, auto_randomize_dj, clear_dj_on_disconnect, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(room.ID), room.RoomCode, string(room.OwnerID), room.Settings.MaxMembers,
		room.Settings.MutinyThreshold, room.Settings.DjCooldownMinutes,
		boolToInt(room.Settings.AutoRandomizeDJ), boolToInt(room.Settings.ClearDjOnDisconnect), nowMs)
	if err != nil {
		return fmt.Errorf("repo: create room: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO room_members (room_id, user_id, role, joined_at_ms) VALUES (?, ?, ?, ?)
	`, string(room.ID), string(room.OwnerID), string(RoleOwner), nowMs)
	if err != nil {
		return fmt.Errorf("repo: create room: add owner: %w", err)
	}

	return tx.Commit()
}

func scanRoom(scan func(dest ...any) error) (*Room, error) {
	var r Room
	var id, ownerID string
	var autoRandomize, clearOnDisconnect int
	if err := scan(&id, &r.RoomCode, &ownerID, &r.Settings.MaxMembers,
		&r.Settings.MutinyThreshold, &r.Settings.DjCooldownMinutes, &autoRandomize, &clearOnDisconnect); err != nil {
		return nil, err
	}
	r.ID = types.RoomID(id)
	r.OwnerID = types.UserID(ownerID)
	r.Settings.AutoRandomizeDJ = autoRandomize != 0
	r.Settings.ClearDjOnDisconnect = clearOnDisconnect != 0
	return &r, nil
}

const roomColumns = `id, room_code, owner_id, max_members, mutiny_threshold, dj_cooldown_minutes, auto_randomize_dj, clear_dj_on_disconnect`

// FindRoomByCode looks up a room by its human-facing join code.
func (s *Store) FindRoomByCode(ctx context.Context, code string) (*Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE room_code = ?`, code)
	room, err := scanRoom(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repo: find room by code: %w", err)
	}
	return room, nil
}

// FindRoomByID looks up a room by its internal ID.
func (s *Store) FindRoomByID(ctx context.Context, id types.RoomID) (*Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = ?`, string(id))
	room, err := scanRoom(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repo: find room by id: %w", err)
	}
	return room, nil
}

// IsMember reports whether userID holds any membership row in roomID.
func (s *Store) IsMember(ctx context.Context, roomID types.RoomID, userID types.UserID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM room_members WHERE room_id = ? AND user_id = ?`,
		string(roomID), string(userID)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("repo: is member: %w", err)
	}
	return n > 0, nil
}

// IsOwner reports whether userID is the room's durable owner.
func (s *Store) IsOwner(ctx context.Context, roomID types.RoomID, userID types.UserID) (bool, error) {
	room, err := s.FindRoomByID(ctx, roomID)
	if err != nil {
		return false, err
	}
	return room.OwnerID == userID, nil
}

// CountMembers returns the number of durable members of a room — the
// totalEligibleVoters snapshot taken when a vote session starts.
func (s *Store) CountMembers(ctx context.Context, roomID types.RoomID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM room_members WHERE room_id = ?`, string(roomID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("repo: count members: %w", err)
	}
	return n, nil
}

// Members returns every member's userID for a room.
func (s *Store) Members(ctx context.Context, roomID types.RoomID) ([]types.UserID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM room_members WHERE room_id = ?`, string(roomID))
	if err != nil {
		return nil, fmt.Errorf("repo: members: %w", err)
	}
	defer rows.Close()

	var out []types.UserID
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("repo: members: %w", err)
		}
		out = append(out, types.UserID(uid))
	}
	return out, rows.Err()
}

// AddMember inserts a room membership, enforced as a cap via
// RoomSettings.MaxMembers by the caller before invoking this — the
// repository itself only enforces the (roomId,userId) uniqueness.
func (s *Store) AddMember(ctx context.Context, roomID types.RoomID, userID types.UserID, role MemberRole, nowMs int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_members (room_id, user_id, role, joined_at_ms) VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id, user_id) DO NOTHING
	`, string(roomID), string(userID), string(role), nowMs)
	if err != nil {
		return fmt.Errorf("repo: add member: %w", err)
	}
	return nil
}

// RemoveMember deletes a room membership row.
func (s *Store) RemoveMember(ctx context.Context, roomID types.RoomID, userID types.UserID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM room_members WHERE room_id = ? AND user_id = ?`, string(roomID), string(userID))
	if err != nil {
		return fmt.Errorf("repo: remove member: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roomsync/coordinator/internal/v1/types"
)

// CurrentDjHistoryRow returns the room's open DjHistory row (RemovedAtMs
// IS NULL), or ErrNotFound if the room currently has no DJ. Invariant I1
// guarantees at most one such row exists per room.
func (s *Store) CurrentDjHistoryRow(ctx context.Context, roomID types.RoomID) (*DjHistory, error) {
	return currentDjHistoryRow(ctx, s.db, roomID)
}

func currentDjHistoryRow(ctx context.Context, q querier, roomID types.RoomID) (*DjHistory, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, room_id, user_id, became_at_ms, removed_at_ms, removal_reason
		FROM dj_history WHERE room_id = ? AND removed_at_ms IS NULL
	`, string(roomID))

	var h DjHistory
	var rid, uid string
	var removedAt sql.NullInt64
	var reason sql.NullString
	if err := row.Scan(&h.ID, &rid, &uid, &h.BecameAtMs, &removedAt, &reason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repo: current dj history row: %w", err)
	}
	h.RoomID = types.RoomID(rid)
	h.UserID = types.UserID(uid)
	if removedAt.Valid {
		h.RemovedAtMs = &removedAt.Int64
	}
	h.RemovalReason = RemovalReason(reason.String)
	return &h, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting the row
// lookup above run either standalone or inside a transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func closeOpenDjRow(ctx context.Context, tx *sql.Tx, roomID types.RoomID, nowMs int64, reason RemovalReason) (*DjHistory, error) {
	existing, err := currentDjHistoryRow(ctx, tx, roomID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE dj_history SET removed_at_ms = ?, removal_reason = ? WHERE id = ?`,
		nowMs, string(reason), existing.ID)
	if err != nil {
		return nil, fmt.Errorf("repo: close dj history row: %w", err)
	}
	return existing, nil
}

func openDjRow(ctx context.Context, tx *sql.Tx, roomID types.RoomID, userID types.UserID, nowMs int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO dj_history (room_id, user_id, became_at_ms, removed_at_ms, removal_reason)
		VALUES (?, ?, ?, NULL, '')
	`, string(roomID), string(userID), nowMs)
	if err != nil {
		return fmt.Errorf("repo: open dj history row: %w", err)
	}
	return nil
}

// ApplyElectionOutcome closes out any existing DJ tenure with
// removalReason='vote' and opens a new one for winner, atomically.
func (s *Store) ApplyElectionOutcome(ctx context.Context, roomID types.RoomID, winner types.UserID, nowMs int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repo: apply election outcome: %w", err)
	}
	defer tx.Rollback()

	if _, err := closeOpenDjRow(ctx, tx, roomID, nowMs, RemovalVote); err != nil {
		return err
	}
	if err := openDjRow(ctx, tx, roomID, winner, nowMs); err != nil {
		return err
	}
	return tx.Commit()
}

// ApplyMutinyOutcome closes the current DJ's tenure with
// removalReason='mutiny' and leaves the room without a DJ. Returns the
// removed DJ's userID so the caller can arm their per-user cooldown.
func (s *Store) ApplyMutinyOutcome(ctx context.Context, roomID types.RoomID, nowMs int64) (types.UserID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("repo: apply mutiny outcome: %w", err)
	}
	defer tx.Rollback()

	removed, err := closeOpenDjRow(ctx, tx, roomID, nowMs, RemovalMutiny)
	if err != nil {
		return "", err
	}
	if removed == nil {
		return "", fmt.Errorf("repo: apply mutiny outcome: %w: no current dj", ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("repo: apply mutiny outcome: %w", err)
	}
	return removed.UserID, nil
}

// ApplyRandomizeDj performs the same transition as an election outcome
// but records removalReason='voluntary' for the previous DJ, per the
// owner-initiated randomize operation.
func (s *Store) ApplyRandomizeDj(ctx context.Context, roomID types.RoomID, newDj types.UserID, nowMs int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repo: apply randomize dj: %w", err)
	}
	defer tx.Rollback()

	if _, err := closeOpenDjRow(ctx, tx, roomID, nowMs, RemovalVoluntary); err != nil {
		return err
	}
	if err := openDjRow(ctx, tx, roomID, newDj, nowMs); err != nil {
		return err
	}
	return tx.Commit()
}

// ApplyDisconnectRemoval closes the current DJ's tenure with
// removalReason='disconnect', used by the Session Registry when the
// departing connection held the DJ seat and the room's
// clearDjOnDisconnect setting is enabled.
func (s *Store) ApplyDisconnectRemoval(ctx context.Context, roomID types.RoomID, nowMs int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repo: apply disconnect removal: %w", err)
	}
	defer tx.Rollback()

	if _, err := closeOpenDjRow(ctx, tx, roomID, nowMs, RemovalDisconnect); err != nil {
		return err
	}
	return tx.Commit()
}

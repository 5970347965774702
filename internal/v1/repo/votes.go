package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roomsync/coordinator/internal/v1/types"
)

// CastVote inserts a durable ballot row. The (roomId, voterId,
// voteSessionId) uniqueness constraint enforces invariant I3 — "at most
// one vote per voter per session" — even under concurrent writers; a
// duplicate attempt comes back as ErrDuplicateVote rather than a generic
// error so the vote engine can translate it to a conflict.
func (s *Store) CastVote(ctx context.Context, v Vote) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO votes (room_id, voter_id, vote_type, target_user_id, vote_session_id, cast_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(v.RoomID), string(v.VoterID), string(v.VoteType), string(v.TargetUserID), string(v.VoteSessionID), v.CastAtMs)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return ErrDuplicateVote
		}
		return fmt.Errorf("repo: cast vote: %w", err)
	}
	return nil
}

// ErrDuplicateVote is returned by CastVote when the voter already has a
// ballot row for this session.
var ErrDuplicateVote = errors.New("repo: duplicate vote")

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// VotesForSession returns every durable ballot cast in a vote session, for
// audit or rebuild purposes.
func (s *Store) VotesForSession(ctx context.Context, roomID types.RoomID, sessionID types.VoteSessionID) ([]Vote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_id, voter_id, vote_type, target_user_id, vote_session_id, cast_at_ms
		FROM votes WHERE room_id = ? AND vote_session_id = ?
	`, string(roomID), string(sessionID))
	if err != nil {
		return nil, fmt.Errorf("repo: votes for session: %w", err)
	}
	defer rows.Close()

	var out []Vote
	for rows.Next() {
		var v Vote
		var rid, voter, vtype, target, session string
		if err := rows.Scan(&rid, &voter, &vtype, &target, &session, &v.CastAtMs); err != nil {
			return nil, fmt.Errorf("repo: votes for session: %w", err)
		}
		v.RoomID = types.RoomID(rid)
		v.VoterID = types.UserID(voter)
		v.VoteType = VoteType(vtype)
		v.TargetUserID = types.UserID(target)
		v.VoteSessionID = types.VoteSessionID(session)
		out = append(out, v)
	}
	return out, rows.Err()
}

package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/roomsync/coordinator/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateRoomAndMembership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	room := Room{
		ID:       types.RoomID("room-1"),
		RoomCode: "ABCD",
		OwnerID:  types.UserID("owner-1"),
		Settings: RoomSettings{MaxMembers: 10, MutinyThreshold: 0.51, DjCooldownMinutes: 5},
	}
	require.NoError(t, s.CreateRoom(ctx, room, 1000))

	found, err := s.FindRoomByCode(ctx, "ABCD")
	require.NoError(t, err)
	assert.Equal(t, room.ID, found.ID)
	assert.Equal(t, room.OwnerID, found.OwnerID)
	assert.Equal(t, 10, found.Settings.MaxMembers)

	isOwner, err := s.IsOwner(ctx, room.ID, room.OwnerID)
	require.NoError(t, err)
	assert.True(t, isOwner)

	isMember, err := s.IsMember(ctx, room.ID, room.OwnerID)
	require.NoError(t, err)
	assert.True(t, isMember)

	count, err := s.CountMembers(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, s.AddMember(ctx, room.ID, types.UserID("user-2"), RoleListener, 2000))
	count, err = s.CountMembers(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	members, err := s.Members(ctx, room.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.UserID{"owner-1", "user-2"}, members)
}

func TestFindRoomByCode_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.FindRoomByCode(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDjHistoryLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	roomID := types.RoomID("room-dj")

	require.NoError(t, s.CreateRoom(ctx, Room{ID: roomID, RoomCode: "DJDJ", OwnerID: "owner-1"}, 1000))

	_, err := s.CurrentDjHistoryRow(ctx, roomID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.ApplyElectionOutcome(ctx, roomID, "dj-1", 2000))

	row, err := s.CurrentDjHistoryRow(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, types.UserID("dj-1"), row.UserID)
	assert.Nil(t, row.RemovedAtMs)

	removed, err := s.ApplyMutinyOutcome(ctx, roomID, 3000)
	require.NoError(t, err)
	assert.Equal(t, types.UserID("dj-1"), removed)

	_, err = s.CurrentDjHistoryRow(ctx, roomID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.ApplyRandomizeDj(ctx, roomID, "dj-2", 4000))
	row, err = s.CurrentDjHistoryRow(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, types.UserID("dj-2"), row.UserID)
}

func TestApplyMutinyOutcome_NoCurrentDj(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	roomID := types.RoomID("room-no-dj")
	require.NoError(t, s.CreateRoom(ctx, Room{ID: roomID, RoomCode: "NDNDN", OwnerID: "owner-1"}, 1000))

	_, err := s.ApplyMutinyOutcome(ctx, roomID, 2000)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCastVote_DuplicateRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	roomID := types.RoomID("room-vote")
	require.NoError(t, s.CreateRoom(ctx, Room{ID: roomID, RoomCode: "VOTE1", OwnerID: "owner-1"}, 1000))

	v := Vote{RoomID: roomID, VoterID: "voter-1", VoteType: VoteTypeElection, TargetUserID: "cand-1", VoteSessionID: "sess-1", CastAtMs: 1000}
	require.NoError(t, s.CastVote(ctx, v))

	err := s.CastVote(ctx, v)
	assert.ErrorIs(t, err, ErrDuplicateVote)

	votes, err := s.VotesForSession(ctx, roomID, "sess-1")
	require.NoError(t, err)
	assert.Len(t, votes, 1)
}

func TestUpsertAndFindUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := User{ID: "user-1", Username: "alice", DisplayName: "Alice"}
	require.NoError(t, s.UpsertUser(ctx, u))

	found, err := s.FindUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, u, *found)

	u.DisplayName = "Alice Updated"
	require.NoError(t, s.UpsertUser(ctx, u))
	found, err = s.FindUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "Alice Updated", found.DisplayName)
}

func TestFindUser_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.FindUser(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

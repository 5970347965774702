// Package repo implements the Repository collaborator (spec C2): durable
// users, rooms, memberships, vote records, and DJ history, backed by
// SQLite.
package repo

import "github.com/roomsync/coordinator/internal/v1/types"

// User is a durable user record.
type User struct {
	ID          types.UserID
	Username    string
	DisplayName string
}

// RoomSettings holds the per-room tunables the owner can configure.
type RoomSettings struct {
	MaxMembers         int
	MutinyThreshold    float64
	DjCooldownMinutes  int
	AutoRandomizeDJ    bool
	ClearDjOnDisconnect bool
}

// Room is a durable room record.
type Room struct {
	ID       types.RoomID
	RoomCode string
	OwnerID  types.UserID
	Settings RoomSettings
}

// MemberRole is a member's role within a room.
type MemberRole string

const (
	RoleOwner    MemberRole = "owner"
	RoleDJ       MemberRole = "dj"
	RoleListener MemberRole = "listener"
)

// RoomMember is a durable membership record; uniqueness (roomId, userId).
type RoomMember struct {
	RoomID types.RoomID
	UserID types.UserID
	Role   MemberRole
}

// VoteType distinguishes the two vote flavors sharing the Vote table.
type VoteType string

const (
	VoteTypeElection VoteType = "election"
	VoteTypeMutiny   VoteType = "mutiny"
)

// Vote is a durable, append-only ballot record; uniqueness
// (roomId, voterId, voteSessionId) enforces "one ballot per voter per
// session" even under concurrent writers.
type Vote struct {
	RoomID        types.RoomID
	VoterID       types.UserID
	VoteType      VoteType
	TargetUserID  types.UserID // election: candidate. mutiny: unused.
	VoteSessionID types.VoteSessionID
	CastAtMs      int64
}

// RemovalReason explains why a DjHistory row was closed out.
type RemovalReason string

const (
	RemovalMutiny     RemovalReason = "mutiny"
	RemovalVoluntary  RemovalReason = "voluntary"
	RemovalDisconnect RemovalReason = "disconnect"
	RemovalVote       RemovalReason = "vote"
	RemovalRandomize  RemovalReason = "randomize"
)

// DjHistory is a durable record of a DJ tenure. At most one row per room
// has RemovedAtMs == nil at any instant (invariant I1).
type DjHistory struct {
	ID            int64
	RoomID        types.RoomID
	UserID        types.UserID
	BecameAtMs    int64
	RemovedAtMs   *int64
	RemovalReason RemovalReason
}

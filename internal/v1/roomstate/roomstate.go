// Package roomstate holds the ephemeral "Room State" from spec §3: the
// current DJ, the playback tagged-union, the active vote session
// pointer, and cooldown deadlines. All mutable per-room fields are
// reached through Store.Do, which serializes access per room with a
// dedicated mutex — the "per-room serial queue" the design notes (§9)
// recommend over a KV compare-and-set loop or a single global lock.
package roomstate

import (
	"sync"

	"github.com/roomsync/coordinator/internal/v1/types"
)

// PlaybackStatus is the tag of the Playback union.
type PlaybackStatus string

const (
	PlaybackStopped PlaybackStatus = "stopped"
	PlaybackPaused  PlaybackStatus = "paused"
	PlaybackPlaying PlaybackStatus = "playing"
)

// Playback models `{Stopped | Paused(position) | Playing(...)}` as a
// single tagged struct rather than a loose record of nullable fields
// (spec §9 "Tagged variants").
type Playback struct {
	Status              PlaybackStatus
	TrackID             types.TrackID
	StartAtServerTimeMs int64
	InitialPositionMs   int64
	DurationMs          int64
	SyncBufferMs        int64
	PositionMs          int64 // meaningful only when Status == PlaybackPaused
}

// RoomState is the full ephemeral state of one room.
type RoomState struct {
	CurrentDJ               types.UserID
	Playback                Playback
	ActiveVoteSessionID     types.VoteSessionID
	MutinyCooldownDeadline  int64
	PerUserDjCooldown       map[types.UserID]int64
}

func newRoomState() *RoomState {
	return &RoomState{
		Playback:          Playback{Status: PlaybackStopped},
		PerUserDjCooldown: make(map[types.UserID]int64),
	}
}

// IsCurrentDJ reports whether userID currently holds the DJ seat.
func (r *RoomState) IsCurrentDJ(userID types.UserID) bool {
	return r.CurrentDJ != "" && r.CurrentDJ == userID
}

// SetMutinyCooldown raises the room's mutiny-start cooldown deadline.
// Deadlines are monotonic (invariant I6): a call with an earlier
// deadline than what's already stored is a no-op.
func (r *RoomState) SetMutinyCooldown(deadlineMs int64) {
	if deadlineMs > r.MutinyCooldownDeadline {
		r.MutinyCooldownDeadline = deadlineMs
	}
}

// SetUserDjCooldown raises a per-user post-removal DJ cooldown
// deadline, monotonically.
func (r *RoomState) SetUserDjCooldown(userID types.UserID, deadlineMs int64) {
	if deadlineMs > r.PerUserDjCooldown[userID] {
		r.PerUserDjCooldown[userID] = deadlineMs
	}
}

// Store is the process-wide registry of per-room ephemeral state.
type Store struct {
	mu    sync.Mutex
	rooms map[types.RoomID]*lockedRoom
}

type lockedRoom struct {
	mu    sync.Mutex
	state *RoomState
}

func NewStore() *Store {
	return &Store{rooms: make(map[types.RoomID]*lockedRoom)}
}

func (s *Store) room(roomID types.RoomID) *lockedRoom {
	s.mu.Lock()
	defer s.mu.Unlock()
	lr, ok := s.rooms[roomID]
	if !ok {
		lr = &lockedRoom{state: newRoomState()}
		s.rooms[roomID] = lr
	}
	return lr
}

// Do runs fn with exclusive access to roomID's state, serializing all
// state-machine transitions for that room (the per-room serial queue
// design note). fn's return value is forwarded to the caller.
func (s *Store) Do(roomID types.RoomID, fn func(*RoomState) error) error {
	lr := s.room(roomID)
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return fn(lr.state)
}

// Snapshot returns a read-only copy of the room's state, for
// composing a room:state message.
func (s *Store) Snapshot(roomID types.RoomID) RoomState {
	lr := s.room(roomID)
	lr.mu.Lock()
	defer lr.mu.Unlock()
	cp := *lr.state
	cooldowns := make(map[types.UserID]int64, len(lr.state.PerUserDjCooldown))
	for k, v := range lr.state.PerUserDjCooldown {
		cooldowns[k] = v
	}
	cp.PerUserDjCooldown = cooldowns
	return cp
}

package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roomsync/coordinator/internal/v1/bus"
	"github.com/roomsync/coordinator/internal/v1/repo"
	"github.com/roomsync/coordinator/internal/v1/types"
)

// Registry binds live transport connections to authenticated
// identities and tracks which rooms they've joined, per spec §4.1. The
// authoritative per-process connection objects live here; the KV
// mirror (room connection sets) exists so any instance can answer "who
// is connected to this room right now" without a cross-instance call.
type Registry struct {
	bus  *bus.Service
	repo *repo.Store
	ttl  time.Duration

	mu          sync.RWMutex
	connections map[types.ConnectionID]*Connection
}

func roomConnKey(roomID types.RoomID) string { return fmt.Sprintf("room:%s:connections", roomID) }
func connKey(connID types.ConnectionID) string { return fmt.Sprintf("conn:%s", connID) }

// NewRegistry constructs a Registry. ttlSeconds is the §6.3
// CONNECTION_TTL_S tunable.
func NewRegistry(busSvc *bus.Service, repoStore *repo.Store, ttlSeconds int) *Registry {
	return &Registry{
		bus:         busSvc,
		repo:        repoStore,
		ttl:         time.Duration(ttlSeconds) * time.Second,
		connections: make(map[types.ConnectionID]*Connection),
	}
}

// Bind registers a newly-authenticated connection and refreshes its KV
// presence record.
func (r *Registry) Bind(ctx context.Context, conn *Connection) error {
	r.mu.Lock()
	r.connections[conn.ID] = conn
	r.mu.Unlock()

	return r.bus.Set(ctx, connKey(conn.ID), string(conn.UserID), r.ttl)
}

// Touch refreshes a connection's TTL, called on every inbound event to
// keep an active connection's ephemeral record alive.
func (r *Registry) Touch(ctx context.Context, connID types.ConnectionID) error {
	return r.bus.Expire(ctx, connKey(connID), r.ttl)
}

// Get returns the local Connection object, if this process holds it.
func (r *Registry) Get(connID types.ConnectionID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connections[connID]
	return c, ok
}

// JoinRoom admits a connection to a room's ephemeral connection set.
// Idempotent: joining twice leaves the set unchanged (spec P: "room:join
// idempotence").
func (r *Registry) JoinRoom(ctx context.Context, conn *Connection, roomID types.RoomID) error {
	conn.addRoom(roomID)
	return r.bus.SetAdd(ctx, roomConnKey(roomID), string(conn.ID))
}

// LeaveRoom removes a connection from a room's ephemeral connection
// set.
func (r *Registry) LeaveRoom(ctx context.Context, conn *Connection, roomID types.RoomID) error {
	conn.removeRoom(roomID)
	return r.bus.SetRem(ctx, roomConnKey(roomID), string(conn.ID))
}

// RoomConnectionIDs returns every connection ID currently joined to a
// room, from the KV mirror.
func (r *Registry) RoomConnectionIDs(ctx context.Context, roomID types.RoomID) ([]types.ConnectionID, error) {
	ids, err := r.bus.SetMembers(ctx, roomConnKey(roomID))
	if err != nil {
		return nil, err
	}
	out := make([]types.ConnectionID, len(ids))
	for i, id := range ids {
		out[i] = types.ConnectionID(id)
	}
	return out, nil
}

// LocalRoomConnections returns the live Connection objects, local to
// this process, that are currently joined to roomID. Clock Sync
// aggregation (§4.2 maxRoomRtt) and broadcast fan-out both use this —
// scoped strictly to the room, never a global scan.
func (r *Registry) LocalRoomConnections(roomID types.RoomID) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Connection
	for _, c := range r.connections {
		c.mu.RLock()
		joined := c.joinedRooms.Has(roomID)
		c.mu.RUnlock()
		if joined {
			out = append(out, c)
		}
	}
	return out
}

// Unbind removes the connection from local and KV tracking entirely,
// returning the rooms it had joined so the caller can run per-room
// disconnect cleanup (DJ clearing, room:user-left broadcast).
func (r *Registry) Unbind(ctx context.Context, conn *Connection) []types.RoomID {
	r.mu.Lock()
	delete(r.connections, conn.ID)
	r.mu.Unlock()

	rooms := conn.JoinedRooms()
	for _, roomID := range rooms {
		_ = r.bus.SetRem(ctx, roomConnKey(roomID), string(conn.ID))
	}
	_ = r.bus.Del(ctx, connKey(conn.ID))
	return rooms
}

// IsMember delegates to the Repository: is userID a durable member of
// roomID.
func (r *Registry) IsMember(ctx context.Context, roomID types.RoomID, userID types.UserID) (bool, error) {
	return r.repo.IsMember(ctx, roomID, userID)
}

// IsOwner delegates to the Repository: is userID the durable owner of
// roomID.
func (r *Registry) IsOwner(ctx context.Context, roomID types.RoomID, userID types.UserID) (bool, error) {
	return r.repo.IsOwner(ctx, roomID, userID)
}

package clocksync

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/roomsync/coordinator/internal/v1/bus"
	"github.com/roomsync/coordinator/internal/v1/presence"
	"github.com/roomsync/coordinator/internal/v1/repo"
	"github.com/roomsync/coordinator/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWSConn struct{}

func (fakeWSConn) ReadMessage() (int, []byte, error) { return 0, nil, nil }
func (fakeWSConn) WriteMessage(int, []byte) error    { return nil }
func (fakeWSConn) Close() error                      { return nil }
func (fakeWSConn) SetWriteDeadline(time.Time) error  { return nil }

type fakeRouter struct{}

func (fakeRouter) Route(context.Context, *presence.Connection, types.Message) {}
func (fakeRouter) HandleDisconnect(*presence.Connection)                     {}

func newTestRegistry(t *testing.T) *presence.Registry {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	busSvc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = busSvc.Close() })

	repoStore, err := repo.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repoStore.Close() })

	return presence.NewRegistry(busSvc, repoStore, 300)
}

func TestPing_Accepted(t *testing.T) {
	svc := NewService(newTestRegistry(t))
	res, err := svc.Ping(context.Background(), types.NowMs())
	require.NoError(t, err)
	assert.Equal(t, res.ServerT1, res.ServerT1)
	assert.GreaterOrEqual(t, res.ServerT2, res.ServerT1)
}

func TestPing_RejectsSkew(t *testing.T) {
	svc := NewService(newTestRegistry(t))
	_, err := svc.Ping(context.Background(), types.NowMs()-2*pingSkewToleranceMs)
	assert.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindInvalidInput))
}

func TestReport_RejectsOutOfRange(t *testing.T) {
	svc := NewService(newTestRegistry(t))
	conn := presence.NewConnection("c1", "u1", "alice", fakeWSConn{}, fakeRouter{})

	err := svc.Report(context.Background(), conn, maxOffsetMs+1, 10)
	assert.True(t, types.IsKind(err, types.KindInvalidInput))

	err = svc.Report(context.Background(), conn, 10, maxRttMs+1)
	assert.True(t, types.IsKind(err, types.KindInvalidInput))

	err = svc.Report(context.Background(), conn, 10, -1)
	assert.True(t, types.IsKind(err, types.KindInvalidInput))
}

func TestReport_StoresValidValues(t *testing.T) {
	svc := NewService(newTestRegistry(t))
	conn := presence.NewConnection("c1", "u1", "alice", fakeWSConn{}, fakeRouter{})

	require.NoError(t, svc.Report(context.Background(), conn, 25, 150))
	offset, rtt, reported := conn.ClockState()
	assert.True(t, reported)
	assert.EqualValues(t, 25, offset)
	assert.EqualValues(t, 150, rtt)
}

func TestMaxRoomRtt_DefaultFloor(t *testing.T) {
	registry := newTestRegistry(t)
	svc := NewService(registry)
	assert.EqualValues(t, defaultRttFloorMs, svc.MaxRoomRtt("empty-room"))
}

func TestMaxRoomRtt_ScopedToRoom(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)
	svc := NewService(registry)

	connA := presence.NewConnection("a", "u-a", "alice", fakeWSConn{}, fakeRouter{})
	connB := presence.NewConnection("b", "u-b", "bob", fakeWSConn{}, fakeRouter{})
	connOther := presence.NewConnection("c", "u-c", "carol", fakeWSConn{}, fakeRouter{})

	require.NoError(t, registry.Bind(ctx, connA))
	require.NoError(t, registry.Bind(ctx, connB))
	require.NoError(t, registry.Bind(ctx, connOther))

	require.NoError(t, registry.JoinRoom(ctx, connA, "room-1"))
	require.NoError(t, registry.JoinRoom(ctx, connB, "room-1"))
	require.NoError(t, registry.JoinRoom(ctx, connOther, "room-2"))

	connA.SetClockState(0, 150)
	connB.SetClockState(0, 75)
	connOther.SetClockState(0, 9999) // in a different room, must not affect room-1's max

	assert.EqualValues(t, 150, svc.MaxRoomRtt("room-1"))
}

package playback

import (
	"context"
	"testing"
	"time"

	"github.com/roomsync/coordinator/internal/v1/clocksync"
	"github.com/roomsync/coordinator/internal/v1/presence"
	"github.com/roomsync/coordinator/internal/v1/roomstate"
	"github.com/roomsync/coordinator/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// TestMain verifies every sync ticker goroutine started by a test is
// stopped by the time the package's tests finish, the same property
// the teacher's room package checks around its Redis subscribe
// goroutine.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeWSConn struct{}

func (fakeWSConn) ReadMessage() (int, []byte, error) { return 0, nil, nil }
func (fakeWSConn) WriteMessage(int, []byte) error    { return nil }
func (fakeWSConn) Close() error                      { return nil }
func (fakeWSConn) SetWriteDeadline(time.Time) error  { return nil }

type fakeRouter struct{}

func (fakeRouter) Route(context.Context, *presence.Connection, types.Message) {}
func (fakeRouter) HandleDisconnect(*presence.Connection)                     {}

func testConfig() Config {
	return Config{DefaultBufferMs: 100, MaxBufferMs: 500, RTTMultiplier: 2, SyncTickMs: 10000}
}

type capturedBroadcast struct {
	roomID  types.RoomID
	event   types.Event
	payload any
}

func newCapturingBroadcaster() (*[]capturedBroadcast, Broadcaster) {
	events := &[]capturedBroadcast{}
	return events, func(roomID types.RoomID, event types.Event, payload any) {
		*events = append(*events, capturedBroadcast{roomID, event, payload})
	}
}

func TestStart_RequiresCurrentDJ(t *testing.T) {
	state := roomstate.NewStore()
	clock := clocksync.NewService(presence.NewRegistry(nil, nil, 300))
	_, broadcaster := newCapturingBroadcaster()
	svc := NewService(testConfig(), state, clock, broadcaster)

	err := svc.Start(context.Background(), "room-1", "not-the-dj", "track-1", 0, 180000)
	assert.True(t, types.IsKind(err, types.KindUnauthorized))
}

func TestStart_ComputesSyncBuffer(t *testing.T) {
	state := roomstate.NewStore()
	registry := presence.NewRegistry(nil, nil, 300)
	clock := clocksync.NewService(registry)
	events, broadcaster := newCapturingBroadcaster()
	svc := NewService(testConfig(), state, clock, broadcaster)

	_ = state.Do("room-1", func(rs *roomstate.RoomState) error {
		rs.CurrentDJ = "dj-1"
		return nil
	})

	conn := presence.NewConnection("c1", "dj-1", "dj", fakeWSConn{}, fakeRouter{})
	require.NoError(t, registry.Bind(context.Background(), conn))
	require.NoError(t, registry.JoinRoom(context.Background(), conn, "room-1"))
	conn.SetClockState(0, 150) // R=150 -> syncBuffer = clamp(300,100,500) = 300

	require.NoError(t, svc.Start(context.Background(), "room-1", "dj-1", "track-1", 0, 180000))
	svc.StopAll()

	require.Len(t, *events, 1)
	payload := (*events)[0].payload.(map[string]any)
	assert.EqualValues(t, 300, payload["syncBuffer"])
}

func TestStartThenPauseThenStop(t *testing.T) {
	state := roomstate.NewStore()
	registry := presence.NewRegistry(nil, nil, 300)
	clock := clocksync.NewService(registry)
	events, broadcaster := newCapturingBroadcaster()
	svc := NewService(testConfig(), state, clock, broadcaster)

	_ = state.Do("room-1", func(rs *roomstate.RoomState) error {
		rs.CurrentDJ = "dj-1"
		return nil
	})

	require.NoError(t, svc.Start(context.Background(), "room-1", "dj-1", "track-1", 0, 180000))
	require.NoError(t, svc.Pause(context.Background(), "room-1", "dj-1", 5000))
	require.NoError(t, svc.Stop(context.Background(), "room-1", "dj-1"))
	svc.StopAll()

	var names []types.Event
	for _, e := range *events {
		names = append(names, e.event)
	}
	assert.Equal(t, []types.Event{types.EventPlaybackStart, types.EventPlaybackPause, types.EventPlaybackStop}, names)

	snap := svc.StateSnapshot("room-1")
	assert.False(t, snap.Playing)
}

func TestPause_RejectsWhenNotPlaying(t *testing.T) {
	state := roomstate.NewStore()
	registry := presence.NewRegistry(nil, nil, 300)
	clock := clocksync.NewService(registry)
	_, broadcaster := newCapturingBroadcaster()
	svc := NewService(testConfig(), state, clock, broadcaster)

	_ = state.Do("room-1", func(rs *roomstate.RoomState) error {
		rs.CurrentDJ = "dj-1"
		return nil
	})

	err := svc.Pause(context.Background(), "room-1", "dj-1", 1000)
	assert.True(t, types.IsKind(err, types.KindConflict))
}

func TestStateSnapshot_MidStreamJoin(t *testing.T) {
	state := roomstate.NewStore()
	_ = state.Do("room-1", func(rs *roomstate.RoomState) error {
		rs.Playback = roomstate.Playback{
			Status:              roomstate.PlaybackPlaying,
			TrackID:             "track-1",
			StartAtServerTimeMs: types.NowMs() - 5000,
			InitialPositionMs:   0,
			DurationMs:          180000,
		}
		return nil
	})
	registry := presence.NewRegistry(nil, nil, 300)
	clock := clocksync.NewService(registry)
	_, broadcaster := newCapturingBroadcaster()
	svc := NewService(testConfig(), state, clock, broadcaster)

	snap := svc.StateSnapshot("room-1")
	assert.True(t, snap.Playing)
	require.NotNil(t, snap.CurrentPosition)
	assert.InDelta(t, 5000, *snap.CurrentPosition, 200)
}

func TestTick_EmitsTrackEndedAtDurationBoundary(t *testing.T) {
	state := roomstate.NewStore()
	registry := presence.NewRegistry(nil, nil, 300)
	clock := clocksync.NewService(registry)
	events, broadcaster := newCapturingBroadcaster()
	svc := NewService(testConfig(), state, clock, broadcaster)

	// Duration=10000ms, started 11000ms ago: the next tick observes
	// position (11000) >= duration (10000) and must end the track.
	_ = state.Do("room-1", func(rs *roomstate.RoomState) error {
		rs.Playback = roomstate.Playback{
			Status:              roomstate.PlaybackPlaying,
			TrackID:             "track-1",
			StartAtServerTimeMs: types.NowMs() - 11000,
			InitialPositionMs:   0,
			DurationMs:          10000,
		}
		return nil
	})

	more := svc.tick("room-1")
	assert.False(t, more, "tick must signal the ticker to stop once the track has ended")

	require.Len(t, *events, 1)
	assert.Equal(t, types.EventTrackEnded, (*events)[0].event)
	payload := (*events)[0].payload.(map[string]any)
	assert.EqualValues(t, "track-1", payload["trackId"])

	snap := svc.StateSnapshot("room-1")
	assert.False(t, snap.Playing)
}

func TestTick_BroadcastsSyncBeforeDurationBoundary(t *testing.T) {
	state := roomstate.NewStore()
	registry := presence.NewRegistry(nil, nil, 300)
	clock := clocksync.NewService(registry)
	events, broadcaster := newCapturingBroadcaster()
	svc := NewService(testConfig(), state, clock, broadcaster)

	_ = state.Do("room-1", func(rs *roomstate.RoomState) error {
		rs.Playback = roomstate.Playback{
			Status:              roomstate.PlaybackPlaying,
			TrackID:             "track-1",
			StartAtServerTimeMs: types.NowMs() - 9000,
			InitialPositionMs:   0,
			DurationMs:          10000,
		}
		return nil
	})

	more := svc.tick("room-1")
	assert.True(t, more)

	require.Len(t, *events, 1)
	assert.Equal(t, types.EventPlaybackSync, (*events)[0].event)
	snap := svc.StateSnapshot("room-1")
	assert.True(t, snap.Playing)
}

func TestClamp(t *testing.T) {
	assert.EqualValues(t, 100, clamp(20, 100, 500))
	assert.EqualValues(t, 500, clamp(1000, 100, 500))
	assert.EqualValues(t, 300, clamp(300, 100, 500))
}

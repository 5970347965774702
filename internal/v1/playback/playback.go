// Package playback implements the Playback Coordinator (spec C5): a
// per-room state machine transitioned only by the current DJ, a
// periodic sync ticker, and mid-stream join snapshot composition.
package playback

import (
	"context"
	"sync"
	"time"

	"github.com/roomsync/coordinator/internal/v1/clocksync"
	"github.com/roomsync/coordinator/internal/v1/logging"
	"github.com/roomsync/coordinator/internal/v1/metrics"
	"github.com/roomsync/coordinator/internal/v1/roomstate"
	"github.com/roomsync/coordinator/internal/v1/types"
	"go.uber.org/zap"
)

// Broadcaster sends an event to every connection joined to a room,
// breaking the cyclic dependency between the Coordinator and the
// Event Gateway (spec §9).
type Broadcaster func(roomID types.RoomID, event types.Event, payload any)

// Config carries the §6.3 tunables this component reads.
type Config struct {
	DefaultBufferMs int64
	MaxBufferMs     int64
	RTTMultiplier   int64
	SyncTickMs      int64
}

// Service implements start/pause/stop and the sync ticker.
type Service struct {
	cfg         Config
	state       *roomstate.Store
	clock       *clocksync.Service
	broadcast   Broadcaster

	mu      sync.Mutex
	tickers map[types.RoomID]context.CancelFunc
}

func NewService(cfg Config, state *roomstate.Store, clock *clocksync.Service, broadcast Broadcaster) *Service {
	return &Service{
		cfg:       cfg,
		state:     state,
		clock:     clock,
		broadcast: broadcast,
		tickers:   make(map[types.RoomID]context.CancelFunc),
	}
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// syncBufferMs computes `clamp(2*R, 100, 500)` per spec §4.3.
func (s *Service) syncBufferMs(roomID types.RoomID) int64 {
	r := s.clock.MaxRoomRtt(roomID)
	return clamp(s.cfg.RTTMultiplier*r, s.cfg.DefaultBufferMs, s.cfg.MaxBufferMs)
}

// Start transitions a room into `playing`, computing
// startAtServerTime from the current room RTT aggregate (invariant
// I4), broadcasts playback:start, and (re)starts the sync ticker.
func (s *Service) Start(ctx context.Context, roomID types.RoomID, userID types.UserID, trackID types.TrackID, positionMs, durationMs int64) error {
	if durationMs <= 0 {
		return types.ErrInvalidInput("trackDuration must be > 0")
	}
	if positionMs < 0 {
		return types.ErrInvalidInput("position must be >= 0")
	}

	syncBuffer := s.syncBufferMs(roomID)
	now := types.NowMs()
	startAt := now + syncBuffer

	var snapshot roomstate.Playback
	err := s.state.Do(roomID, func(rs *roomstate.RoomState) error {
		if !rs.IsCurrentDJ(userID) {
			return types.ErrUnauthorized("only the current dj may start playback")
		}
		rs.Playback = roomstate.Playback{
			Status:              roomstate.PlaybackPlaying,
			TrackID:             trackID,
			StartAtServerTimeMs: startAt,
			InitialPositionMs:   positionMs,
			DurationMs:          durationMs,
			SyncBufferMs:        syncBuffer,
		}
		snapshot = rs.Playback
		return nil
	})
	if err != nil {
		return err
	}

	metrics.PlaybackStateTransitions.WithLabelValues("start").Inc()
	s.broadcast(roomID, types.EventPlaybackStart, map[string]any{
		"trackId":           snapshot.TrackID,
		"position":          snapshot.InitialPositionMs,
		"startAtServerTime":  snapshot.StartAtServerTimeMs,
		"trackDuration":      snapshot.DurationMs,
		"syncBuffer":         snapshot.SyncBufferMs,
		"serverTimestamp":    now,
	})
	s.startTicker(roomID)
	return nil
}

// Pause transitions a room into `paused{position}`, stopping the
// ticker.
func (s *Service) Pause(ctx context.Context, roomID types.RoomID, userID types.UserID, positionMs int64) error {
	now := types.NowMs()
	err := s.state.Do(roomID, func(rs *roomstate.RoomState) error {
		if !rs.IsCurrentDJ(userID) {
			return types.ErrUnauthorized("only the current dj may pause playback")
		}
		if rs.Playback.Status != roomstate.PlaybackPlaying {
			return types.ErrConflict("room is not currently playing")
		}
		rs.Playback = roomstate.Playback{Status: roomstate.PlaybackPaused, TrackID: rs.Playback.TrackID, PositionMs: positionMs}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.PlaybackStateTransitions.WithLabelValues("pause").Inc()
	s.stopTicker(roomID)
	s.broadcast(roomID, types.EventPlaybackPause, map[string]any{"position": positionMs, "serverTimestamp": now})
	return nil
}

// Stop transitions a room to `stopped`, stopping the ticker.
func (s *Service) Stop(ctx context.Context, roomID types.RoomID, userID types.UserID) error {
	now := types.NowMs()
	err := s.state.Do(roomID, func(rs *roomstate.RoomState) error {
		if !rs.IsCurrentDJ(userID) {
			return types.ErrUnauthorized("only the current dj may stop playback")
		}
		if rs.Playback.Status == roomstate.PlaybackStopped {
			return types.ErrConflict("room is already stopped")
		}
		rs.Playback = roomstate.Playback{Status: roomstate.PlaybackStopped}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.PlaybackStateTransitions.WithLabelValues("stop").Inc()
	s.stopTicker(roomID)
	s.broadcast(roomID, types.EventPlaybackStop, map[string]any{"serverTimestamp": now})
	return nil
}

// startTicker arms a new periodic sync ticker for roomID, replacing
// (and canceling) any prior one — tickers are keyed by room and
// starting a new one always supersedes the old (spec §9).
func (s *Service) startTicker(roomID types.RoomID) {
	s.mu.Lock()
	if cancel, ok := s.tickers[roomID]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.tickers[roomID] = cancel
	s.mu.Unlock()

	go s.runTicker(ctx, roomID)
}

func (s *Service) stopTicker(roomID types.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.tickers[roomID]; ok {
		cancel()
		delete(s.tickers, roomID)
	}
}

// StopAll cancels every outstanding ticker, for graceful shutdown
// (spec §5).
func (s *Service) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for roomID, cancel := range s.tickers {
		cancel()
		delete(s.tickers, roomID)
	}
}

func (s *Service) runTicker(ctx context.Context, roomID types.RoomID) {
	interval := time.Duration(s.cfg.SyncTickMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.tick(roomID) {
				return
			}
		}
	}
}

// tick performs one sync-broadcast cycle. Returns false when the
// ticker should stop itself (room no longer playing or track ended).
func (s *Service) tick(roomID types.RoomID) bool {
	now := types.NowMs()
	var (
		shouldBroadcast bool
		trackEnded      bool
		trackID         types.TrackID
		position        int64
		startAt         int64
	)

	err := s.state.Do(roomID, func(rs *roomstate.RoomState) error {
		if rs.Playback.Status != roomstate.PlaybackPlaying {
			return nil
		}
		elapsed := now - rs.Playback.StartAtServerTimeMs
		if elapsed < 0 {
			elapsed = 0
		}
		position = rs.Playback.InitialPositionMs + elapsed
		trackID = rs.Playback.TrackID
		startAt = rs.Playback.StartAtServerTimeMs

		if position >= rs.Playback.DurationMs {
			trackEnded = true
			rs.Playback = roomstate.Playback{Status: roomstate.PlaybackStopped}
			return nil
		}
		shouldBroadcast = true
		return nil
	})
	if err != nil {
		logging.Warn(context.Background(), "playback tick failed, retrying next interval", zap.String("roomId", string(roomID)), zap.Error(err))
		return true
	}

	if trackEnded {
		metrics.PlaybackStateTransitions.WithLabelValues("track_ended").Inc()
		s.broadcast(roomID, types.EventTrackEnded, map[string]any{"trackId": trackID, "serverTimestamp": now})
		return false
	}
	if !shouldBroadcast {
		return false
	}

	metrics.PlaybackSyncBroadcasts.WithLabelValues(string(roomID)).Inc()
	s.broadcast(roomID, types.EventPlaybackSync, map[string]any{
		"trackId":          trackID,
		"position":         position,
		"startAtServerTime": startAt,
		"serverTimestamp":  now,
	})
	return true
}

// StateSnapshot composes the `room:state` playback block for a
// mid-stream join (spec §4.3).
type StateSnapshot struct {
	Playing          bool         `json:"playing"`
	TrackID          *types.TrackID `json:"trackId"`
	StartAtServerTime *int64      `json:"startAtServerTime"`
	CurrentPosition  *int64       `json:"currentPosition"`
	ServerTimestamp  int64        `json:"serverTimestamp"`
}

func (s *Service) StateSnapshot(roomID types.RoomID) StateSnapshot {
	now := types.NowMs()
	snap := s.state.Snapshot(roomID)

	switch snap.Playback.Status {
	case roomstate.PlaybackPlaying:
		elapsed := now - snap.Playback.StartAtServerTimeMs
		if elapsed < 0 {
			elapsed = 0
		}
		pos := snap.Playback.InitialPositionMs + elapsed
		trackID := snap.Playback.TrackID
		startAt := snap.Playback.StartAtServerTimeMs
		return StateSnapshot{Playing: true, TrackID: &trackID, StartAtServerTime: &startAt, CurrentPosition: &pos, ServerTimestamp: now}
	case roomstate.PlaybackPaused, roomstate.PlaybackStopped:
		return StateSnapshot{Playing: false, ServerTimestamp: now}
	default:
		// Malformed/unknown stored state is treated as stopped and
		// logged, never propagated to clients (spec §4.3).
		logging.Warn(context.Background(), "malformed playback state treated as stopped", zap.String("roomId", string(roomID)), zap.String("status", string(snap.Playback.Status)))
		return StateSnapshot{Playing: false, ServerTimestamp: now}
	}
}

// Package clocksync implements the Clock Sync Service (spec C4): a
// lightweight NTP-style ping/report exchange, with per-room max-RTT
// aggregation for the Playback Coordinator's sync buffer.
package clocksync

import (
	"context"
	"strconv"

	"github.com/roomsync/coordinator/internal/v1/presence"
	"github.com/roomsync/coordinator/internal/v1/types"
)

const (
	pingSkewToleranceMs = 60 * 60 * 1000 // one hour, spec §4.2
	maxOffsetMs         = 3_600_000
	minRttMs            = 0
	maxRttMs            = 10_000
	defaultRttFloorMs   = 50
)

// Service implements ping/report and the room RTT aggregate.
type Service struct {
	registry *presence.Registry
}

func NewService(registry *presence.Registry) *Service {
	return &Service{registry: registry}
}

// PingResult is the reply to a ping operation.
type PingResult struct {
	ClientT0  int64 `json:"clientT0"`
	ServerT1  int64 `json:"serverT1"`
	ServerT2  int64 `json:"serverT2"`
}

// Ping records serverT1 on receipt and serverT2 immediately before
// reply. Rejects pings whose clientT0 has drifted more than an hour
// from server time, per spec §4.2.
func (s *Service) Ping(ctx context.Context, clientT0 int64) (*PingResult, error) {
	serverT1 := types.NowMs()
	if abs64(serverT1-clientT0) > pingSkewToleranceMs {
		return nil, types.NewError(types.KindInvalidInput, "ping clock skew exceeds one hour, serverT1="+strconv.FormatInt(serverT1, 10))
	}
	serverT2 := types.NowMs()
	return &PingResult{ClientT0: clientT0, ServerT1: serverT1, ServerT2: serverT2}, nil
}

// Report validates and stores a client-computed offset/RTT pair on the
// connection record. The server never smooths these values — that is
// a client responsibility (spec §4.2).
func (s *Service) Report(ctx context.Context, conn *presence.Connection, offsetMs, rttMs int64) error {
	if abs64(offsetMs) > maxOffsetMs {
		return types.ErrInvalidInput("reported offset out of range")
	}
	if rttMs < minRttMs || rttMs > maxRttMs {
		return types.ErrInvalidInput("reported rtt out of range")
	}
	conn.SetClockState(offsetMs, rttMs)
	return nil
}

// MaxRoomRtt returns the maximum lastRttMs across connections
// currently joined to roomID, scoped strictly to that room's
// connection set — never a global scan (spec §4.2). Returns the
// default floor when the room has no reports yet.
func (s *Service) MaxRoomRtt(roomID types.RoomID) int64 {
	conns := s.registry.LocalRoomConnections(roomID)
	if len(conns) == 0 {
		return defaultRttFloorMs
	}

	var max int64 = -1
	for _, c := range conns {
		_, rtt, reported := c.ClockState()
		if reported && rtt > max {
			max = rtt
		}
	}
	if max < 0 {
		return defaultRttFloorMs
	}
	return max
}

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

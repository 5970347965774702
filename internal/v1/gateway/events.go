package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/roomsync/coordinator/internal/v1/logging"
	"github.com/roomsync/coordinator/internal/v1/metrics"
	"github.com/roomsync/coordinator/internal/v1/presence"
	"github.com/roomsync/coordinator/internal/v1/repo"
	"github.com/roomsync/coordinator/internal/v1/roomstate"
	"github.com/roomsync/coordinator/internal/v1/types"
	"go.uber.org/zap"
)

// routeTimeout bounds how long a single inbound event may take to
// process before it's treated as failed, per spec §5 cancellation.
const routeTimeout = 5 * time.Second

// Route implements presence.Router: it decodes nothing itself (the
// Connection already did that) and dispatches msg to the event handler
// that owns it, translating any error into an `error` reply sent only
// to the originating connection.
func (h *Hub) Route(ctx context.Context, conn *presence.Connection, msg types.Message) {
	ctx, cancel := context.WithTimeout(ctx, routeTimeout)
	defer cancel()

	_ = h.registry.Touch(ctx, conn.ID)

	start := time.Now()
	err := h.dispatch(ctx, conn, msg)
	metrics.MessageProcessingDuration.WithLabelValues(string(msg.Event)).Observe(time.Since(start).Seconds())

	status := "ok"
	if err != nil {
		status = "error"
		if ctx.Err() != nil {
			err = types.ErrTimeout("event processing deadline exceeded")
		}
		h.sendError(conn, err)
	}
	metrics.WebsocketEvents.WithLabelValues(string(msg.Event), status).Inc()
}

// HandleDisconnect implements presence.Router: it releases the
// connection from every room it had joined and, if it held the DJ
// seat, clears it per the room's clearDjOnDisconnect setting (spec §9
// Open Question decision).
func (h *Hub) HandleDisconnect(conn *presence.Connection) {
	ctx := context.Background()
	rooms := h.registry.Unbind(ctx, conn)
	for _, roomID := range rooms {
		h.onMemberLeft(ctx, roomID, conn.UserID)
	}
}

func (h *Hub) onMemberLeft(ctx context.Context, roomID types.RoomID, userID types.UserID) {
	snap := h.state.Snapshot(roomID)
	if snap.CurrentDJ == userID {
		room, err := h.repo.FindRoomByID(ctx, roomID)
		if err != nil {
			logging.Warn(ctx, "failed to load room on disconnect", zap.String("roomId", string(roomID)), zap.Error(err))
		} else if room.Settings.ClearDjOnDisconnect {
			if err := h.repo.ApplyDisconnectRemoval(ctx, roomID, types.NowMs()); err != nil {
				logging.Warn(ctx, "failed to apply disconnect dj removal", zap.String("roomId", string(roomID)), zap.Error(err))
			} else {
				_ = h.state.Do(roomID, func(rs *roomstate.RoomState) error {
					rs.CurrentDJ = ""
					return nil
				})
				h.broadcast(roomID, types.EventDJChanged, map[string]any{"newDjId": nil, "reason": "disconnect"})
			}
		}
	}
	h.broadcast(roomID, types.EventRoomUserLeft, map[string]any{"userId": userID})
}

func (h *Hub) dispatch(ctx context.Context, conn *presence.Connection, msg types.Message) error {
	switch msg.Event {
	case types.EventRoomJoin:
		return h.handleJoin(ctx, conn, msg.Payload)
	case types.EventRoomLeave:
		return h.handleLeave(ctx, conn, msg.Payload)
	case types.EventChatMessage:
		return h.handleChat(ctx, conn, msg.Payload)
	case types.EventSyncPing:
		return h.handleSyncPing(ctx, conn, msg.Payload)
	case types.EventSyncReport:
		return h.handleSyncReport(ctx, conn, msg.Payload)
	case types.EventPlaybackStart:
		return h.handlePlaybackStart(ctx, conn, msg.Payload)
	case types.EventPlaybackPause:
		return h.handlePlaybackPause(ctx, conn, msg.Payload)
	case types.EventPlaybackStop:
		return h.handlePlaybackStop(ctx, conn, msg.Payload)
	case types.EventVoteStartElection:
		return h.handleVoteStartElection(ctx, conn, msg.Payload)
	case types.EventVoteCastDJ:
		return h.handleVoteCastDJ(ctx, conn, msg.Payload)
	case types.EventVoteStartMutiny:
		return h.handleVoteStartMutiny(ctx, conn, msg.Payload)
	case types.EventVoteCastMutiny:
		return h.handleVoteCastMutiny(ctx, conn, msg.Payload)
	case types.EventDJRandomize:
		return h.handleDJRandomize(ctx, conn, msg.Payload)
	case types.EventVoteLateResult:
		return h.handleVoteLateResult(ctx, conn, msg.Payload)
	default:
		return types.ErrInvalidInput("unknown event: " + string(msg.Event))
	}
}

func (h *Hub) sendError(conn *presence.Connection, err error) {
	code := string(types.KindInternal)
	msg := "internal error"
	if ce, ok := err.(*types.CoreError); ok {
		code = ce.Code()
		msg = ce.Msg
	}
	conn.Send(types.Message{Event: types.EventError, Payload: map[string]any{"code": code, "message": msg}})
}

// decodePayload re-marshals a decoded `any` payload (a map, from the
// envelope's loose JSON) into a strict per-event schema: unknown
// fields are rejected, matching spec §4.5's input validation
// requirement.
func decodePayload(raw any, target any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return types.ErrInvalidInput("malformed payload")
	}
	return decodeRaw(data, target)
}

func decodeRaw(data []byte, target any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return types.ErrInvalidInput("payload failed schema validation: " + err.Error())
	}
	return nil
}

func (h *Hub) resolveRoom(ctx context.Context, roomCode string) (*repo.Room, error) {
	if roomCode == "" {
		return nil, types.ErrInvalidInput("roomCode is required")
	}
	room, err := h.repo.FindRoomByCode(ctx, roomCode)
	if err != nil {
		if err == repo.ErrNotFound {
			return nil, types.ErrNotFound("room not found")
		}
		return nil, types.ErrInternal("look up room", err)
	}
	return room, nil
}

// soleJoinedRoom resolves the room a `vote:cast-*` event applies to.
// Those events carry only a voteSessionId (spec §6.2's payload table),
// so the Gateway scopes them to whichever single room the connection
// has joined — the expected case for a listening client.
func soleJoinedRoom(conn *presence.Connection) (types.RoomID, error) {
	rooms := conn.JoinedRooms()
	if len(rooms) != 1 {
		return "", types.ErrInvalidInput("ambiguous room: connection must have joined exactly one room")
	}
	return rooms[0], nil
}

type joinPayload struct {
	RoomCode string `json:"roomCode"`
}

type leavePayload struct {
	RoomCode string `json:"roomCode"`
}

type chatPayload struct {
	RoomCode string `json:"roomCode"`
	Content  string `json:"content"`
}

type syncPingPayload struct {
	ClientT0 int64 `json:"clientT0"`
}

type syncReportPayload struct {
	OffsetMs int64 `json:"offsetMs"`
	RttMs    int64 `json:"rttMs"`
}

type playbackStartPayload struct {
	RoomCode      string `json:"roomCode"`
	TrackID       string `json:"trackId"`
	Position      int64  `json:"position"`
	TrackDuration int64  `json:"trackDuration"`
}

type playbackPausePayload struct {
	RoomCode string `json:"roomCode"`
	Position int64  `json:"position"`
}

type playbackStopPayload struct {
	RoomCode string `json:"roomCode"`
}

type voteStartPayload struct {
	RoomCode string `json:"roomCode"`
}

type voteCastDJPayload struct {
	VoteSessionID string `json:"voteSessionId"`
	TargetUserID  string `json:"targetUserId"`
}

type voteCastMutinyPayload struct {
	VoteSessionID string `json:"voteSessionId"`
	VoteValue     string `json:"voteValue"`
}

type voteLateResultPayload struct {
	VoteSessionID string `json:"voteSessionId"`
}

type djRandomizePayload struct {
	RoomCode string `json:"roomCode"`
}

func (h *Hub) handleJoin(ctx context.Context, conn *presence.Connection, raw any) error {
	var p joinPayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	room, err := h.resolveRoom(ctx, p.RoomCode)
	if err != nil {
		return err
	}

	isMember, err := h.repo.IsMember(ctx, room.ID, conn.UserID)
	if err != nil {
		return types.ErrInternal("check membership", err)
	}
	if !isMember {
		return types.ErrUnauthorized("must be a room member to join")
	}

	if err := h.registry.JoinRoom(ctx, conn, room.ID); err != nil {
		return types.ErrInternal("join room", err)
	}
	h.ensureSubscribed(room.ID)

	members, err := h.repo.Members(ctx, room.ID)
	if err != nil {
		return types.ErrInternal("load members", err)
	}
	snap := h.state.Snapshot(room.ID)
	conn.Send(types.Message{Event: types.EventRoomState, Payload: map[string]any{
		"roomId":              room.ID,
		"ownerId":             room.OwnerID,
		"members":             members,
		"currentDjId":         snap.CurrentDJ,
		"activeVoteSessionId": snap.ActiveVoteSessionID,
		"playback":            h.playback.StateSnapshot(room.ID),
	}})

	h.broadcast(room.ID, types.EventRoomUserJoined, map[string]any{"userId": conn.UserID, "username": conn.Username})
	return nil
}

func (h *Hub) handleLeave(ctx context.Context, conn *presence.Connection, raw any) error {
	var p leavePayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	room, err := h.resolveRoom(ctx, p.RoomCode)
	if err != nil {
		return err
	}
	if err := h.registry.LeaveRoom(ctx, conn, room.ID); err != nil {
		return types.ErrInternal("leave room", err)
	}
	h.broadcast(room.ID, types.EventRoomUserLeft, map[string]any{"userId": conn.UserID})
	return nil
}

func (h *Hub) handleChat(ctx context.Context, conn *presence.Connection, raw any) error {
	var p chatPayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	if len(p.Content) == 0 {
		return types.ErrInvalidInput("content must not be empty")
	}
	if h.cfg.ChatMaxLen > 0 && len(p.Content) > h.cfg.ChatMaxLen {
		return types.ErrInvalidInput("content exceeds maximum length")
	}
	room, err := h.resolveRoom(ctx, p.RoomCode)
	if err != nil {
		return err
	}
	isMember, err := h.repo.IsMember(ctx, room.ID, conn.UserID)
	if err != nil {
		return types.ErrInternal("check membership", err)
	}
	if !isMember {
		return types.ErrUnauthorized("must be a room member to chat")
	}
	if !h.rl.CheckChatEvent(ctx, string(conn.ID)) {
		return types.ErrConflict("chat message rate limit exceeded")
	}

	clean := h.sanitizer.Sanitize(p.Content)
	h.broadcast(room.ID, types.EventChatBroadcast, map[string]any{
		"userId": conn.UserID, "username": conn.Username, "content": clean, "serverTimestamp": types.NowMs(),
	})
	return nil
}

func (h *Hub) handleSyncPing(ctx context.Context, conn *presence.Connection, raw any) error {
	var p syncPingPayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	result, err := h.clock.Ping(ctx, p.ClientT0)
	if err != nil {
		return err
	}
	conn.Send(types.Message{Event: types.EventSyncPong, Payload: result})
	return nil
}

func (h *Hub) handleSyncReport(ctx context.Context, conn *presence.Connection, raw any) error {
	var p syncReportPayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	return h.clock.Report(ctx, conn, p.OffsetMs, p.RttMs)
}

func (h *Hub) handlePlaybackStart(ctx context.Context, conn *presence.Connection, raw any) error {
	var p playbackStartPayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	room, err := h.resolveRoom(ctx, p.RoomCode)
	if err != nil {
		return err
	}
	return h.playback.Start(ctx, room.ID, conn.UserID, types.TrackID(p.TrackID), p.Position, p.TrackDuration)
}

func (h *Hub) handlePlaybackPause(ctx context.Context, conn *presence.Connection, raw any) error {
	var p playbackPausePayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	room, err := h.resolveRoom(ctx, p.RoomCode)
	if err != nil {
		return err
	}
	return h.playback.Pause(ctx, room.ID, conn.UserID, p.Position)
}

func (h *Hub) handlePlaybackStop(ctx context.Context, conn *presence.Connection, raw any) error {
	var p playbackStopPayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	room, err := h.resolveRoom(ctx, p.RoomCode)
	if err != nil {
		return err
	}
	return h.playback.Stop(ctx, room.ID, conn.UserID)
}

func (h *Hub) handleVoteStartElection(ctx context.Context, conn *presence.Connection, raw any) error {
	var p voteStartPayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	room, err := h.resolveRoom(ctx, p.RoomCode)
	if err != nil {
		return err
	}
	_, err = h.vote.StartElection(ctx, room.ID, conn.UserID)
	return err
}

func (h *Hub) handleVoteStartMutiny(ctx context.Context, conn *presence.Connection, raw any) error {
	var p voteStartPayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	room, err := h.resolveRoom(ctx, p.RoomCode)
	if err != nil {
		return err
	}
	_, err = h.vote.StartMutiny(ctx, room.ID, conn.UserID)
	return err
}

func (h *Hub) handleVoteCastDJ(ctx context.Context, conn *presence.Connection, raw any) error {
	var p voteCastDJPayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	roomID, err := soleJoinedRoom(conn)
	if err != nil {
		return err
	}
	return h.vote.CastDJVote(ctx, roomID, types.VoteSessionID(p.VoteSessionID), conn.UserID, types.UserID(p.TargetUserID))
}

func (h *Hub) handleVoteCastMutiny(ctx context.Context, conn *presence.Connection, raw any) error {
	var p voteCastMutinyPayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	roomID, err := soleJoinedRoom(conn)
	if err != nil {
		return err
	}
	return h.vote.CastMutinyVote(ctx, roomID, types.VoteSessionID(p.VoteSessionID), conn.UserID, p.VoteValue)
}

func (h *Hub) handleDJRandomize(ctx context.Context, conn *presence.Connection, raw any) error {
	var p djRandomizePayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	room, err := h.resolveRoom(ctx, p.RoomCode)
	if err != nil {
		return err
	}
	return h.vote.RandomizeDJ(ctx, room.ID, conn.UserID)
}

func (h *Hub) handleVoteLateResult(ctx context.Context, conn *presence.Connection, raw any) error {
	var p voteLateResultPayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	result, err := h.vote.LateResult(ctx, types.VoteSessionID(p.VoteSessionID))
	if err != nil {
		return err
	}
	conn.Send(types.Message{Event: types.EventVoteLateResult, Payload: result})
	return nil
}

// Package gateway implements the Event Gateway (spec C7): the single
// WebSocket ingress for a room. It authenticates connections, routes
// inbound events to the Clock Sync, Playback, and Vote collaborators,
// enforces per-event authorization, and fans broadcasts out to every
// connection joined to a room (locally, and across instances via the
// KV/Pub-Sub store).
package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/roomsync/coordinator/internal/v1/auth"
	"github.com/roomsync/coordinator/internal/v1/bus"
	"github.com/roomsync/coordinator/internal/v1/clocksync"
	"github.com/roomsync/coordinator/internal/v1/logging"
	"github.com/roomsync/coordinator/internal/v1/metrics"
	"github.com/roomsync/coordinator/internal/v1/playback"
	"github.com/roomsync/coordinator/internal/v1/presence"
	"github.com/roomsync/coordinator/internal/v1/ratelimit"
	"github.com/roomsync/coordinator/internal/v1/repo"
	"github.com/roomsync/coordinator/internal/v1/roomstate"
	"github.com/roomsync/coordinator/internal/v1/types"
	"github.com/roomsync/coordinator/internal/v1/vote"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
)

// TokenValidator authenticates the bearer token presented on a
// WebSocket handshake. Mirrors the teacher's session.TokenValidator,
// narrowed to the one method the Gateway needs.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// Config carries the tunables the Gateway itself reads; the sub-configs
// are forwarded unchanged to the Playback and Vote services it
// constructs.
type Config struct {
	Playback       playback.Config
	Vote           vote.Config
	ChatMaxLen     int
	AllowedOrigins []string
}

// Hub is the room coordination core's single process-wide entry point:
// it owns the WebSocket upgrade/auth path and dispatches every inbound
// event to the collaborator that owns it.
type Hub struct {
	cfg       Config
	validator TokenValidator
	registry  *presence.Registry
	state     *roomstate.Store
	clock     *clocksync.Service
	playback  *playback.Service
	vote      *vote.Service
	repo      *repo.Store
	bus       *bus.Service
	rl        *ratelimit.RateLimiter
	sanitizer *bluemonday.Policy

	mu              sync.Mutex
	subscribedRooms map[types.RoomID]struct{}
}

// NewHub wires the Gateway and, via its broadcast method, the Playback
// and Vote services it owns — breaking the cyclic dependency those
// packages would otherwise have back onto the Gateway (spec §9 design
// note: a Broadcaster callback, not a reference to the Hub).
func NewHub(cfg Config, validator TokenValidator, registry *presence.Registry, state *roomstate.Store, clock *clocksync.Service, repoStore *repo.Store, busSvc *bus.Service, rl *ratelimit.RateLimiter) *Hub {
	h := &Hub{
		cfg:             cfg,
		validator:       validator,
		registry:        registry,
		state:           state,
		clock:           clock,
		repo:            repoStore,
		bus:             busSvc,
		rl:              rl,
		sanitizer:       bluemonday.StrictPolicy(),
		subscribedRooms: make(map[types.RoomID]struct{}),
	}
	h.playback = playback.NewService(cfg.Playback, state, clock, h.broadcast)
	h.vote = vote.NewService(cfg.Vote, state, repoStore, busSvc, h.broadcast)
	return h
}

// StopAll cancels every running playback ticker, for graceful shutdown
// (spec §5).
func (h *Hub) StopAll() {
	h.playback.StopAll()
}

func bearerToken(c *gin.Context) string {
	const prefix = "Bearer "
	header := c.GetHeader("Authorization")
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients (tests, CLIs)
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

// ServeWs authenticates and upgrades a connection. The bearer token is
// read only from the Authorization header — never from a URL query
// parameter — so it never lands in proxy or access logs (spec §4.1).
func (h *Hub) ServeWs(c *gin.Context) {
	if !h.rl.CheckWebSocket(c) {
		return
	}

	tokenString := bearerToken(c)
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	claims, err := h.validator.ValidateToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if err := h.rl.CheckWebSocketUser(c.Request.Context(), claims.Subject); err != nil {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
		WriteBufferPool: &sync.Pool{
			New: func() any { return make([]byte, 4096) },
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "failed to upgrade websocket connection", zap.Error(err))
		return
	}

	username := claims.Name
	if username == "" {
		username = claims.Subject
	}

	wsConn := presence.NewConnection(types.ConnectionID(uuid.NewString()), types.UserID(claims.Subject), username, conn, h)
	if err := h.registry.Bind(c.Request.Context(), wsConn); err != nil {
		logging.Warn(c.Request.Context(), "failed to bind connection", zap.Error(err))
	}
	metrics.IncConnection()

	go wsConn.WritePump()
	go wsConn.ReadPump()
}

// broadcast fans an event out to every connection this process holds
// for roomID, and republishes it for other instances via the bus. This
// is the Broadcaster callback injected into Playback and Vote.
func (h *Hub) broadcast(roomID types.RoomID, event types.Event, payload any) {
	msg := types.Message{Event: event, Payload: payload}
	for _, conn := range h.registry.LocalRoomConnections(roomID) {
		conn.Send(msg)
	}
	if h.bus != nil {
		_ = h.bus.Publish(context.Background(), string(roomID), string(event), payload, "", nil)
	}
}

// ensureSubscribed arms a cross-instance pub/sub subscription for
// roomID the first time this process sees a local connection join it,
// mirroring the teacher's subscribeToRedis-on-first-join idiom.
func (h *Hub) ensureSubscribed(roomID types.RoomID) {
	if h.bus == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribedRooms[roomID]; ok {
		return
	}
	h.subscribedRooms[roomID] = struct{}{}

	h.bus.Subscribe(context.Background(), string(roomID), nil, func(p bus.PubSubPayload) {
		h.relayRemoteEvent(roomID, p)
	})
}

// relayRemoteEvent delivers an event published by another instance to
// this process's local connections. It never republishes, to avoid an
// echo loop.
func (h *Hub) relayRemoteEvent(roomID types.RoomID, p bus.PubSubPayload) {
	var payload any
	if err := decodeRaw(p.Payload, &payload); err != nil {
		logging.Warn(context.Background(), "failed to decode relayed event payload", zap.String("roomId", string(roomID)), zap.Error(err))
		return
	}
	msg := types.Message{Event: types.Event(p.Event), Payload: payload}
	for _, conn := range h.registry.LocalRoomConnections(roomID) {
		conn.Send(msg)
	}
}

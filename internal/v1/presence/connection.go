// Package presence implements the Session Registry (spec C3): it
// binds each transport connection, already authenticated by the
// gateway's upgrade handler, to an identity, and tracks which rooms a
// connection has joined. The actual
// playback/vote/clocksync business logic lives in their own packages;
// presence only owns connection lifecycle and room membership.
package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/roomsync/coordinator/internal/v1/logging"
	"github.com/roomsync/coordinator/internal/v1/metrics"
	"github.com/roomsync/coordinator/internal/v1/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/set"
)

// wsConn is the subset of *websocket.Conn a Connection needs. Mirrors
// the teacher's wsConnection interface so tests can supply a fake.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Router dispatches a decoded inbound message to the Event Gateway and
// is notified when a connection goes away. Held as a narrow interface
// so presence never imports gateway.
type Router interface {
	Route(ctx context.Context, conn *Connection, msg types.Message)
	HandleDisconnect(conn *Connection)
}

// Connection is a single authenticated transport connection. A user
// may hold more than one (multiple devices); each gets its own ID and
// its own RTT/offset tracking.
type Connection struct {
	ID       types.ConnectionID
	UserID   types.UserID
	Username string

	conn   wsConn
	send   chan []byte
	router Router

	mu            sync.RWMutex
	joinedRooms   set.Set[types.RoomID]
	hasClockState bool
	clockOffsetMs int64
	lastRttMs     int64
}

// NewConnection wraps an upgraded websocket connection with the
// bookkeeping the rest of the core needs.
func NewConnection(id types.ConnectionID, userID types.UserID, username string, conn wsConn, router Router) *Connection {
	return &Connection{
		ID:          id,
		UserID:      userID,
		Username:    username,
		conn:        conn,
		send:        make(chan []byte, 256),
		router:      router,
		joinedRooms: set.New[types.RoomID](),
	}
}

// ReadPump reads and decodes inbound messages until the connection
// closes, handing each to the Router. Runs in its own goroutine.
func (c *Connection) ReadPump() {
	defer func() {
		c.router.HandleDisconnect(c)
		c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warn(context.Background(), "failed to decode inbound message", zap.String("connectionId", string(c.ID)), zap.Error(err))
			continue
		}

		c.router.Route(context.Background(), c, msg)
	}
}

// WritePump drains the send channel to the wire. Runs in its own
// goroutine; exits when send is closed or a write fails.
func (c *Connection) WritePump() {
	const writeWait = 10 * time.Second
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// Send enqueues a message for delivery. Never blocks: if the send
// buffer is full the message is dropped and logged, matching the
// teacher's client.sendProto behavior.
func (c *Connection) Send(msg types.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal outbound message", zap.String("event", string(msg.Event)), zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "connection send buffer full, dropping message", zap.String("connectionId", string(c.ID)), zap.String("event", string(msg.Event)))
	}
}

// Close closes the send channel, stopping WritePump.
func (c *Connection) Close() {
	close(c.send)
}

func (c *Connection) addRoom(roomID types.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joinedRooms.Insert(roomID)
}

func (c *Connection) removeRoom(roomID types.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joinedRooms.Delete(roomID)
}

// JoinedRooms returns a snapshot of the rooms this connection has
// joined.
func (c *Connection) JoinedRooms() []types.RoomID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.joinedRooms.UnsortedList()
}

// SetClockState records the offset/RTT the client reported for this
// connection, as reported and unsmoothed (spec §4.2). Reads are local to avoid a
// KV round trip on every maxRoomRtt aggregation.
func (c *Connection) SetClockState(offsetMs, rttMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasClockState = true
	c.clockOffsetMs = offsetMs
	c.lastRttMs = rttMs
}

// ClockState returns the last reported offset/RTT, and whether any
// report has ever been recorded.
func (c *Connection) ClockState() (offsetMs, rttMs int64, reported bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clockOffsetMs, c.lastRttMs, c.hasClockState
}

package hub

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mailsense/realtime/errors"
	"github.com/mailsense/realtime/notification"
)

// frameWriter is the subset of *websocket.Conn the hub writes through.
// Tests substitute an in-memory implementation.
type frameWriter interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connection is the identity-bound handle to one live transport
// session. It is created on successful authentication and owned by the
// ConnectionRegistry until disconnect or heartbeat timeout.
type Connection struct {
	ID     string
	UserID string
	Opened time.Time

	ws           frameWriter
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closed       atomic.Bool
	closeOnce    sync.Once
	lastActivity atomic.Value // time.Time

	roomsMu sync.Mutex
	rooms   map[string]struct{}
}

func newConnection(userID string, ws frameWriter, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           uuid.NewString(),
		UserID:       userID,
		Opened:       time.Now(),
		ws:           ws,
		writeTimeout: writeTimeout,
		rooms:        make(map[string]struct{}),
	}
	c.lastActivity.Store(c.Opened)
	return c
}

// send writes one frame to the connection. gorilla/websocket panics on
// concurrent writes, so the write mutex is mandatory.
func (c *Connection) send(f notification.Frame) error {
	if c.closed.Load() {
		return errors.ErrConnectionGone
	}

	data, err := json.Marshal(f)
	if err != nil {
		return errors.WrapInvalid(err, "Connection", "send", "marshal frame")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.WrapTransient(err, "Connection", "send", "write frame")
	}
	return nil
}

// sendClose delivers a close frame with the given code, best effort.
func (c *Connection) sendClose(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// close tears down the transport exactly once.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.ws.Close()
	})
}

// touch records inbound activity, refreshing the liveness timestamp.
func (c *Connection) touch() {
	c.lastActivity.Store(time.Now())
}

// LastActivity returns the time of the most recent inbound frame.
func (c *Connection) LastActivity() time.Time {
	return c.lastActivity.Load().(time.Time)
}

func (c *Connection) trackRoom(room string) {
	c.roomsMu.Lock()
	c.rooms[room] = struct{}{}
	c.roomsMu.Unlock()
}

func (c *Connection) untrackRoom(room string) {
	c.roomsMu.Lock()
	delete(c.rooms, room)
	c.roomsMu.Unlock()
}

// Rooms returns a snapshot of the connection's current memberships.
func (c *Connection) Rooms() []string {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

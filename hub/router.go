package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mailsense/realtime/errors"
	"github.com/mailsense/realtime/notification"
)

// TopicRouter owns room membership and performs room-scoped fan-out.
// Rooms are created lazily on first join and garbage collected when the
// last member leaves.
type TopicRouter struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]*Connection
	logger  *slog.Logger
	metrics *Metrics
}

// NewTopicRouter creates a router with no rooms.
func NewTopicRouter(logger *slog.Logger, metrics *Metrics) *TopicRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopicRouter{
		rooms:   make(map[string]map[string]*Connection),
		logger:  logger,
		metrics: metrics,
	}
}

// JoinRoom adds the connection to a room, creating the room if needed.
// Joining a room twice is idempotent.
func (t *TopicRouter) JoinRoom(conn *Connection, room string) {
	t.mu.Lock()
	members := t.rooms[room]
	if members == nil {
		members = make(map[string]*Connection)
		t.rooms[room] = members
	}
	members[conn.ID] = conn
	roomCount := len(t.rooms)
	t.mu.Unlock()

	conn.trackRoom(room)
	t.metrics.setRoomsActive(roomCount)
	t.logger.Debug("joined room", "connection_id", conn.ID, "user_id", conn.UserID, "room", room)
}

// LeaveRoom removes the connection from a room. Empty rooms are deleted.
func (t *TopicRouter) LeaveRoom(conn *Connection, room string) {
	t.mu.Lock()
	if members, ok := t.rooms[room]; ok {
		delete(members, conn.ID)
		if len(members) == 0 {
			delete(t.rooms, room)
		}
	}
	roomCount := len(t.rooms)
	t.mu.Unlock()

	conn.untrackRoom(room)
	t.metrics.setRoomsActive(roomCount)
}

// LeaveAll removes the connection from every room it joined. Called on
// disconnect so membership never outlives the connection.
func (t *TopicRouter) LeaveAll(conn *Connection) {
	for _, room := range conn.Rooms() {
		t.LeaveRoom(conn, room)
	}
}

// Members returns a snapshot of the connections in a room.
func (t *TopicRouter) Members(room string) []*Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	members := make([]*Connection, 0, len(t.rooms[room]))
	for _, conn := range t.rooms[room] {
		members = append(members, conn)
	}
	return members
}

// RoomCount returns the number of rooms with at least one member.
func (t *TopicRouter) RoomCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms)
}

// EmitToRoom delivers one notification to every member of the room.
// Membership is snapshotted before writing so no lock is held across
// network writes, and one slow or broken member never blocks the rest.
// Returns the number of successful deliveries.
func (t *TopicRouter) EmitToRoom(room string, n notification.Notification) (int, error) {
	members := t.Members(room)
	if len(members) == 0 {
		return 0, errors.ErrRoomNotFound
	}
	return t.deliver(members, n), nil
}

// EmitToUser delivers to the user's canonical room. A user with no live
// connections yields zero deliveries without error; the notification is
// still retained in history for later sync.
func (t *TopicRouter) EmitToUser(userID string, n notification.Notification) int {
	sent, err := t.EmitToRoom(notification.UserRoom(userID), n)
	if err != nil {
		return 0
	}
	return sent
}

// Broadcast delivers to every connection in every room, deduplicated by
// connection id so multi-room members receive the frame once.
func (t *TopicRouter) Broadcast(n notification.Notification) int {
	t.mu.RLock()
	seen := make(map[string]*Connection)
	for _, members := range t.rooms {
		for id, conn := range members {
			seen[id] = conn
		}
	}
	t.mu.RUnlock()

	conns := make([]*Connection, 0, len(seen))
	for _, conn := range seen {
		conns = append(conns, conn)
	}
	return t.deliver(conns, n)
}

func (t *TopicRouter) deliver(conns []*Connection, n notification.Notification) int {
	start := time.Now()
	frame, err := notification.NewFrame(notification.FrameNotification, n)
	if err != nil {
		t.logger.Error("encode notification frame", "notification_id", n.ID, "error", err)
		return 0
	}

	sent := 0
	for _, conn := range conns {
		if err := conn.send(frame); err != nil {
			t.metrics.frameDropped(string(notification.FrameNotification))
			t.logger.Warn("delivery failed",
				"connection_id", conn.ID,
				"user_id", conn.UserID,
				"notification_id", n.ID,
				"error", err)
			continue
		}
		t.metrics.frameSent(string(notification.FrameNotification))
		sent++
	}

	t.metrics.observeFanout(time.Since(start).Seconds())
	return sent
}

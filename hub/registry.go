package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mailsense/realtime/errors"
)

// PresenceEvent signals a user's transition between online and offline.
// It fires only on the 0 to 1 and 1 to 0 connection-count edges, never
// for additional connections from the same user.
type PresenceEvent struct {
	UserID      string
	Online      bool
	Connections int
	At          time.Time
}

// PresenceFunc receives presence transitions. Called outside registry
// locks; implementations may block briefly but must not call back into
// the registry synchronously.
type PresenceFunc func(PresenceEvent)

// ConnectionRegistry owns every live connection handle. It is the
// single source of truth for which users are online and with how many
// concurrent sessions.
type ConnectionRegistry struct {
	mu       sync.RWMutex
	byConn   map[string]*Connection
	byUser   map[string]map[string]*Connection
	onChange PresenceFunc
	logger   *slog.Logger
	metrics  *Metrics
}

// NewConnectionRegistry creates an empty registry. onChange may be nil.
func NewConnectionRegistry(logger *slog.Logger, metrics *Metrics, onChange PresenceFunc) *ConnectionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionRegistry{
		byConn:   make(map[string]*Connection),
		byUser:   make(map[string]map[string]*Connection),
		onChange: onChange,
		logger:   logger,
		metrics:  metrics,
	}
}

// Add registers a connection under its user. Multiple simultaneous
// connections per user are allowed; each device gets its own handle.
func (r *ConnectionRegistry) Add(conn *Connection) {
	r.mu.Lock()
	r.byConn[conn.ID] = conn
	userConns := r.byUser[conn.UserID]
	if userConns == nil {
		userConns = make(map[string]*Connection)
		r.byUser[conn.UserID] = userConns
	}
	userConns[conn.ID] = conn
	count := len(userConns)
	r.mu.Unlock()

	r.metrics.connectionOpened()
	r.logger.Debug("connection registered",
		"connection_id", conn.ID,
		"user_id", conn.UserID,
		"user_connections", count)

	if count == 1 && r.onChange != nil {
		r.onChange(PresenceEvent{UserID: conn.UserID, Online: true, Connections: count, At: time.Now()})
	}
}

// Remove deregisters a connection and closes its transport. Removing an
// unknown id is a no-op so disconnect paths can race safely.
func (r *ConnectionRegistry) Remove(connID, reason string) {
	r.mu.Lock()
	conn, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, connID)
	userConns := r.byUser[conn.UserID]
	delete(userConns, connID)
	remaining := len(userConns)
	if remaining == 0 {
		delete(r.byUser, conn.UserID)
	}
	r.mu.Unlock()

	conn.close()
	r.metrics.connectionClosed(reason)
	r.logger.Debug("connection removed",
		"connection_id", connID,
		"user_id", conn.UserID,
		"reason", reason,
		"user_connections", remaining)

	if remaining == 0 && r.onChange != nil {
		r.onChange(PresenceEvent{UserID: conn.UserID, Online: false, Connections: 0, At: time.Now()})
	}
}

// Get returns the connection with the given id.
func (r *ConnectionRegistry) Get(connID string) (*Connection, error) {
	r.mu.RLock()
	conn, ok := r.byConn[connID]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.ErrConnectionGone
	}
	return conn, nil
}

// UserConnections returns a snapshot of all connections for one user.
func (r *ConnectionRegistry) UserConnections(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Connection, 0, len(r.byUser[userID]))
	for _, conn := range r.byUser[userID] {
		conns = append(conns, conn)
	}
	return conns
}

// Online reports whether the user has at least one live connection.
func (r *ConnectionRegistry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Count returns the number of live connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// All returns a snapshot of every live connection.
func (r *ConnectionRegistry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Connection, 0, len(r.byConn))
	for _, conn := range r.byConn {
		conns = append(conns, conn)
	}
	return conns
}

// Stale returns connections whose last inbound activity is older than
// the cutoff. The heartbeat reaper closes these.
func (r *ConnectionRegistry) Stale(cutoff time.Time) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stale []*Connection
	for _, conn := range r.byConn {
		if conn.LastActivity().Before(cutoff) {
			stale = append(stale, conn)
		}
	}
	return stale
}

// CloseAll tears down every connection, used during shutdown.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.byConn))
	for _, conn := range r.byConn {
		conns = append(conns, conn)
	}
	r.byConn = make(map[string]*Connection)
	r.byUser = make(map[string]map[string]*Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.close()
		r.metrics.connectionClosed("shutdown")
	}
}

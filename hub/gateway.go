package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mailsense/realtime/auth"
	"github.com/mailsense/realtime/config"
	"github.com/mailsense/realtime/errors"
	"github.com/mailsense/realtime/metric"
	"github.com/mailsense/realtime/notification"
)

// Gateway is the hub front door. It authenticates handshakes, upgrades
// them to WebSocket sessions, drives the per-connection read loops, and
// serves the HTTP poll and sync endpoints that back degraded clients.
type Gateway struct {
	cfg           config.HubConfig
	authenticator auth.Authenticator
	registry      *ConnectionRegistry
	router        *TopicRouter
	history       *History
	logger        *slog.Logger
	metrics       *Metrics
	upgrader      websocket.Upgrader

	lifecycleMu sync.Mutex
	started     bool
	shutdown    chan struct{}
	wg          sync.WaitGroup
}

// NewGateway wires the gateway against its collaborators. The metrics
// registry may be nil to disable instrumentation.
func NewGateway(cfg config.HubConfig, authenticator auth.Authenticator, logger *slog.Logger, registry *metric.MetricsRegistry, onPresence PresenceFunc) (*Gateway, error) {
	if authenticator == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Gateway", "New", "nil authenticator")
	}
	if logger == nil {
		logger = slog.Default()
	}

	metrics := newMetrics(registry, "hub")
	g := &Gateway{
		cfg:           cfg,
		authenticator: authenticator,
		registry:      NewConnectionRegistry(logger, metrics, onPresence),
		router:        NewTopicRouter(logger, metrics),
		history:       NewHistory(cfg.HistoryLimit, cfg.HistoryWindow.Std()),
		logger:        logger,
		metrics:       metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	return g, nil
}

// Router exposes fan-out for the NATS ingest layer.
func (g *Gateway) Router() *TopicRouter { return g.router }

// History exposes the retained notification log for the ingest layer.
func (g *Gateway) History() *History { return g.history }

// Registry exposes presence queries.
func (g *Gateway) Registry() *ConnectionRegistry { return g.registry }

// Start launches the heartbeat and stale-connection reaper loops.
func (g *Gateway) Start(ctx context.Context) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()
	if g.started {
		return errors.ErrAlreadyStarted
	}
	g.started = true
	g.shutdown = make(chan struct{})

	g.wg.Add(1)
	go g.heartbeatLoop(ctx)

	g.logger.Info("gateway started",
		"ws_path", g.cfg.WSPath,
		"heartbeat_interval", g.cfg.HeartbeatInterval.Std())
	return nil
}

// Stop closes every connection and waits for the loops to drain, up to
// the timeout.
func (g *Gateway) Stop(timeout time.Duration) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()
	if !g.started {
		return errors.ErrNotStarted
	}
	g.started = false
	close(g.shutdown)
	g.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		g.logger.Info("gateway stopped")
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Gateway", "Stop", "drain loops")
	}
}

// Handler returns the HTTP mux exposing the WebSocket endpoint plus the
// poll and sync fallbacks.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(g.cfg.WSPath, g.serveWS)
	mux.HandleFunc("/poll", g.servePoll)
	mux.HandleFunc("/sync", g.serveSync)
	return mux
}

// credential extracts the bearer token from the Authorization header or
// the token query parameter. Browsers cannot set headers on WebSocket
// handshakes, so the query form is accepted there.
func credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	identity, err := g.authenticator.Authenticate(r.Context(), credential(r))
	if err != nil {
		g.metrics.authFailed()
		g.logger.Warn("handshake rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newConnection(identity.UserID, ws, 10*time.Second)
	ws.SetPongHandler(func(string) error {
		conn.touch()
		return nil
	})

	g.registry.Add(conn)
	g.router.JoinRoom(conn, notification.UserRoom(identity.UserID))

	admission, err := notification.NewFrame(notification.FrameConnected, notification.Admission{
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		Timestamp:    time.Now(),
	})
	if err == nil {
		if err := conn.send(admission); err != nil {
			g.logger.Warn("admission frame failed", "connection_id", conn.ID, "error", err)
		} else {
			g.metrics.frameSent(string(notification.FrameConnected))
		}
	}

	g.wg.Add(1)
	go g.readLoop(ws, conn)
}

// readLoop consumes client control frames until the connection dies.
// It is the sole reader; cleanup of registry and router state happens
// here exactly once per connection.
func (g *Gateway) readLoop(ws *websocket.Conn, conn *Connection) {
	defer g.wg.Done()

	readTimeout := 2 * g.cfg.HeartbeatInterval.Std()
	reason := "read_error"
	defer func() {
		g.router.LeaveAll(conn)
		g.registry.Remove(conn.ID, reason)
	}()

	for {
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = "client_closed"
			}
			select {
			case <-g.shutdown:
				reason = "shutdown"
			default:
			}
			return
		}
		conn.touch()

		control, err := notification.ParseControl(data)
		if err != nil {
			// Malformed frames are logged and dropped, never fatal to
			// the connection.
			g.logger.Warn("malformed control frame",
				"connection_id", conn.ID,
				"user_id", conn.UserID,
				"error", err)
			continue
		}
		g.handleControl(conn, control)
	}
}

func (g *Gateway) handleControl(conn *Connection, control notification.Control) {
	switch control.Action {
	case notification.ControlPing:
		frame, _ := notification.NewFrame(notification.FrameHeartbeat, nil)
		if err := conn.send(frame); err == nil {
			g.metrics.frameSent(string(notification.FrameHeartbeat))
		}
	case notification.ControlSubscribe:
		for _, room := range control.Topics {
			if !g.roomAllowed(conn, room) {
				g.sendError(conn, "forbidden_room", "cannot subscribe to "+room)
				continue
			}
			g.router.JoinRoom(conn, room)
		}
	case notification.ControlUnsubscribe:
		for _, room := range control.Topics {
			g.router.LeaveRoom(conn, room)
		}
	}
}

// roomAllowed blocks subscriptions to other users' canonical rooms.
// Feature rooms are open to any authenticated connection.
func (g *Gateway) roomAllowed(conn *Connection, room string) bool {
	if !strings.HasPrefix(room, "user:") {
		return true
	}
	return room == notification.UserRoom(conn.UserID)
}

func (g *Gateway) sendError(conn *Connection, code, message string) {
	frame, err := notification.NewFrame(notification.FrameError, notification.ErrorPayload{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	if err := conn.send(frame); err == nil {
		g.metrics.frameSent(string(notification.FrameError))
	}
}

// heartbeatLoop pings every connection on the heartbeat interval and
// reaps connections with no inbound activity for two intervals. It also
// prunes expired history entries.
func (g *Gateway) heartbeatLoop(ctx context.Context) {
	defer g.wg.Done()

	interval := g.cfg.HeartbeatInterval.Std()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	frame, _ := notification.NewFrame(notification.FrameHeartbeat, nil)
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.shutdown:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * interval)
			for _, conn := range g.registry.Stale(cutoff) {
				g.logger.Info("reaping stale connection",
					"connection_id", conn.ID,
					"user_id", conn.UserID,
					"last_activity", conn.LastActivity())
				g.router.LeaveAll(conn)
				g.registry.Remove(conn.ID, "heartbeat_timeout")
			}

			for _, conn := range g.registry.All() {
				if err := conn.send(frame); err != nil {
					continue
				}
				g.metrics.frameSent(string(notification.FrameHeartbeat))
			}

			g.history.Prune()
		}
	}
}

// servePoll returns the caller's recent notifications, newest last. It
// is the degraded-mode transport for clients whose WebSocket reconnect
// budget is exhausted.
func (g *Gateway) servePoll(w http.ResponseWriter, r *http.Request) {
	g.serveHistory(w, r)
}

// serveSync is the missed-notification replay a client runs right after
// reconnecting. Same contract as poll; the split endpoint keeps access
// logs and dashboards honest about why clients are reading history.
func (g *Gateway) serveSync(w http.ResponseWriter, r *http.Request) {
	g.serveHistory(w, r)
}

func (g *Gateway) serveHistory(w http.ResponseWriter, r *http.Request) {
	identity, err := g.authenticator.Authenticate(r.Context(), credential(r))
	if err != nil {
		g.metrics.authFailed()
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			http.Error(w, "invalid since parameter", http.StatusBadRequest)
			return
		}
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "invalid limit parameter", http.StatusBadRequest)
			return
		}
	}

	notifications := g.history.Since(identity.UserID, since, limit)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"notifications": notifications,
		"server_time":   time.Now().UTC(),
	}); err != nil {
		g.logger.Warn("history response failed", "user_id", identity.UserID, "error", err)
	}
}

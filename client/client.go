package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mailsense/realtime/config"
	"github.com/mailsense/realtime/errors"
	"github.com/mailsense/realtime/metric"
	"github.com/mailsense/realtime/notification"
	"github.com/mailsense/realtime/pkg/retry"
)

// State is the client connection state.
type State string

// Connection states. Closed is terminal: a destroyed client or one
// rejected for bad credentials never reconnects.
const (
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateFallback     State = "fallback"
	StateClosed       State = "closed"
)

// Conn is the transport session the client reads frames from. Satisfied
// by *websocket.Conn; tests substitute scripted implementations.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer establishes transport sessions.
type Dialer interface {
	Dial(ctx context.Context, url, credential string) (Conn, error)
}

// wsDialer is the production Dialer backed by gorilla/websocket. A 401
// handshake response is surfaced as a fatal authentication error so the
// state machine stops retrying.
type wsDialer struct{}

func (wsDialer) Dial(ctx context.Context, url, credential string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, errors.WrapFatal(errors.ErrAuthenticationFailed, "Client", "dial", "handshake rejected")
		}
		return nil, errors.WrapTransient(err, "Client", "dial", "websocket handshake")
	}
	return conn, nil
}

// Client maintains a resilient session with the notification hub. One
// goroutine drives the connect/read/reconnect/fallback state machine;
// consumers interact through Subscribe and the queue accessors.
type Client struct {
	cfg        config.ClientConfig
	credential string
	dialer     Dialer
	backoff    retry.Config

	queue      *Queue
	subs       *Subscriptions
	store      Store
	pipeline   *pipeline
	poller     *poller
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *Metrics

	state        atomic.Value // State
	connectionID atomic.Value // string

	// connMu guards the live transport; writeMu serializes frame writes
	// on it (gorilla/websocket forbids concurrent writers).
	connMu  sync.Mutex
	conn    Conn
	writeMu sync.Mutex

	topicsMu sync.Mutex
	topics   map[string]struct{}

	lifecycleMu sync.Mutex
	started     bool
	destroyed   bool
	shutdown    chan struct{}
	destroyOnce sync.Once
	wg          sync.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

// WithDialer substitutes the transport dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithStore attaches a persistence bridge. Without one, persistent
// notifications live only in the in-memory queue.
func WithStore(s Store) Option {
	return func(c *Client) { c.store = s }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetricsRegistry enables instrumentation.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(c *Client) { c.metrics = newMetrics(registry, "client") }
}

// WithHTTPClient sets the HTTP client used by the poll and sync paths.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// New creates a client for the given hub. The credential is presented
// on every handshake and poll request.
func New(cfg config.ClientConfig, credential string, opts ...Option) (*Client, error) {
	if cfg.URL == "" || cfg.HTTPBase == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Client", "New", "url and http_base required")
	}
	if credential == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Client", "New", "empty credential")
	}

	c := &Client{
		cfg:        cfg,
		credential: credential,
		dialer:     wsDialer{},
		backoff: retry.Config{
			MaxAttempts:  cfg.MaxReconnectAttempts,
			InitialDelay: cfg.BaseReconnectDelay.Std(),
			MaxDelay:     cfg.MaxReconnectDelay.Std(),
			Multiplier:   2,
			AddJitter:    true,
		},
		queue:  NewQueue(cfg.QueueSize),
		topics: make(map[string]struct{}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.subs = NewSubscriptions(c.logger, c.metrics)
	c.pipeline = newPipeline(c.queue, c.subs, c.store, c.logger, c.metrics)
	c.poller = newPoller(cfg.HTTPBase, credential, c.httpClient, c.pipeline, c.store, c.logger, c.metrics)
	c.state.Store(StateClosed)
	c.connectionID.Store("")
	return c, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.state.Load().(State)
}

// ConnectionID returns the server-assigned id of the current session,
// empty when not connected.
func (c *Client) ConnectionID() string {
	return c.connectionID.Load().(string)
}

// Subscribe registers a callback for notifications passing the filter.
func (c *Client) Subscribe(filter Filter, callback Callback) string {
	return c.subs.Subscribe(filter, callback)
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(id string) { c.subs.Unsubscribe(id) }

// Pause suspends delivery to a subscription.
func (c *Client) Pause(id string) { c.subs.Pause(id) }

// Resume re-enables a paused subscription.
func (c *Client) Resume(id string) { c.subs.Resume(id) }

// Notifications returns the queued notifications, most recent first. A
// positive limit caps the result at the newest limit entries; zero or a
// negative limit returns everything.
func (c *Client) Notifications(limit int) []notification.Notification {
	return c.queue.Get(limit)
}

// SubscribeTopics joins the given rooms on the hub. The set is
// remembered and replayed after every reconnect; with no open
// connection the join is deferred until the next session.
func (c *Client) SubscribeTopics(topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	c.topicsMu.Lock()
	for _, topic := range topics {
		c.topics[topic] = struct{}{}
	}
	c.topicsMu.Unlock()
	return c.sendControl(notification.Control{Action: notification.ControlSubscribe, Topics: topics})
}

// UnsubscribeTopics leaves the given rooms and removes them from the
// replayed set.
func (c *Client) UnsubscribeTopics(topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	c.topicsMu.Lock()
	for _, topic := range topics {
		delete(c.topics, topic)
	}
	c.topicsMu.Unlock()
	return c.sendControl(notification.Control{Action: notification.ControlUnsubscribe, Topics: topics})
}

// Dismiss removes a notification from the queue and the store.
func (c *Client) Dismiss(ctx context.Context, id string) {
	c.queue.Remove(id)
	c.metrics.setQueueDepth(c.queue.Len())
	if c.store != nil {
		if err := c.store.Delete(ctx, id); err != nil {
			c.logger.Warn("dismiss from store failed", "notification_id", id, "error", err)
		}
	}
}

// Start launches the connection state machine and the expiry sweeper.
func (c *Client) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.destroyed {
		return errors.ErrDestroyed
	}
	if c.started {
		return errors.ErrAlreadyStarted
	}
	c.started = true
	c.shutdown = make(chan struct{})

	c.poller.restoreWatermark(ctx)

	c.wg.Add(2)
	go c.run(ctx)
	go c.sweepLoop(ctx)
	return nil
}

// Destroy permanently shuts the client down: the live transport is
// closed and the goroutines are joined before it returns. Idempotent;
// Start returns ErrDestroyed afterwards.
func (c *Client) Destroy() {
	c.destroyOnce.Do(func() {
		c.lifecycleMu.Lock()
		c.destroyed = true
		if c.shutdown != nil {
			close(c.shutdown)
		}
		c.started = false
		c.lifecycleMu.Unlock()

		// A blocked read must observe the closed transport, not wait
		// out its deadline.
		c.closeConn()
		c.wg.Wait()
		c.setState(StateClosed)
		if c.store != nil {
			if err := c.store.Close(); err != nil {
				c.logger.Warn("store close failed", "error", err)
			}
		}
		c.logger.Info("client destroyed")
	})
}

func (c *Client) setState(s State) {
	if c.state.Load().(State) == s {
		return
	}
	c.state.Store(s)
	c.metrics.transition(string(s))
	c.logger.Info("connection state changed", "state", s)
}

// setConn publishes the live transport so Destroy and the control
// senders can reach it. A nil conn clears it.
func (c *Client) setConn(conn Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) activeConn() Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// writeFrame serializes writes on the connection.
func (c *Client) writeFrame(conn Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// sendControl writes a control frame on the live connection. A nil
// connection is not an error: the desired room set is replayed on the
// next admitted session.
func (c *Client) sendControl(control notification.Control) error {
	conn := c.activeConn()
	if conn == nil {
		return nil
	}
	data, err := json.Marshal(control)
	if err != nil {
		return errors.WrapInvalid(err, "Client", "sendControl", "marshal control")
	}
	if err := c.writeFrame(conn, data); err != nil {
		return errors.WrapTransient(err, "Client", "sendControl", "write control frame")
	}
	return nil
}

// resubscribeTopics replays the desired room set on a fresh session.
func (c *Client) resubscribeTopics() {
	c.topicsMu.Lock()
	topics := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		topics = append(topics, topic)
	}
	c.topicsMu.Unlock()
	if len(topics) == 0 {
		return
	}
	if err := c.sendControl(notification.Control{Action: notification.ControlSubscribe, Topics: topics}); err != nil {
		c.logger.Warn("room resubscribe failed", "topics", topics, "error", err)
	}
}

func (c *Client) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-c.shutdown:
		return true
	default:
		return false
	}
}

// run drives the state machine: connect, read until failure, reconnect
// with exponential backoff, and degrade to polling once the reconnect
// budget is spent. Authentication rejection and Destroy are the only
// exits.
func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	attempt := 0
	first := true
	for {
		if c.stopping(ctx) {
			c.setState(StateClosed)
			return
		}

		if first {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
			c.metrics.reconnect()
		}

		conn, err := c.dialer.Dial(ctx, c.cfg.URL, c.credential)
		if err != nil {
			if errors.IsFatal(err) {
				c.logger.Error("connection permanently rejected", "error", err)
				c.setState(StateClosed)
				return
			}

			attempt++
			c.logger.Warn("connect failed",
				"attempt", attempt,
				"max_attempts", c.cfg.MaxReconnectAttempts,
				"retry_in", c.backoff.DelayFor(attempt),
				"error", err)
			if !c.sleep(ctx, c.backoff.DelayFor(attempt)) {
				c.setState(StateClosed)
				return
			}
			if c.cfg.MaxReconnectAttempts > 0 && attempt >= c.cfg.MaxReconnectAttempts {
				conn = c.fallback(ctx)
				if conn == nil {
					c.setState(StateClosed)
					return
				}
				attempt = 0
			} else {
				continue
			}
		}

		first = false
		attempt = 0
		c.setConn(conn)
		c.setState(StateOpen)
		c.resubscribeTopics()

		// Replay whatever arrived while disconnected before consuming
		// live frames. Duplicates are absorbed by the pipeline.
		if synced, err := c.poller.sync(ctx); err != nil {
			c.logger.Warn("missed-notification sync failed", "error", err)
		} else if synced > 0 {
			c.logger.Info("missed notifications replayed", "count", synced)
		}

		terminal := c.session(ctx, conn)
		c.connectionID.Store("")
		if terminal {
			c.setState(StateClosed)
			return
		}
		attempt = 1
		if !c.sleep(ctx, c.backoff.DelayFor(attempt)) {
			c.setState(StateClosed)
			return
		}
	}
}

// fallback runs degraded polling while dialing in the background at the
// capped reconnect delay. Returns the re-established connection, or nil
// when the client is shutting down or permanently rejected.
func (c *Client) fallback(ctx context.Context) Conn {
	c.setState(StateFallback)
	c.logger.Warn("reconnect budget exhausted, degrading to polling",
		"poll_interval", c.cfg.PollInterval.Std())

	stopPoll := make(chan struct{})
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		c.poller.run(ctx, stopPoll, c.cfg.PollInterval.Std())
	}()
	defer func() {
		close(stopPoll)
		<-pollDone
	}()

	for {
		if !c.sleep(ctx, c.cfg.MaxReconnectDelay.Std()) {
			return nil
		}
		c.metrics.reconnect()
		conn, err := c.dialer.Dial(ctx, c.cfg.URL, c.credential)
		if err == nil {
			c.logger.Info("websocket restored, leaving fallback")
			return conn
		}
		if errors.IsFatal(err) {
			c.logger.Error("connection permanently rejected", "error", err)
			return nil
		}
		c.logger.Debug("background reconnect failed", "error", err)
	}
}

// session reads frames until the connection fails, sending a ping
// control on the heartbeat interval. Returns true when the closure is
// terminal (normal close or credential rejection mid-session).
func (c *Client) session(ctx context.Context, conn Conn) bool {
	defer func() {
		c.setConn(nil)
		_ = conn.Close()
	}()

	readTimeout := 2 * c.cfg.HeartbeatInterval.Std()
	ping, err := json.Marshal(notification.Control{Action: notification.ControlPing})
	if err != nil {
		return false
	}

	heartbeatStop := make(chan struct{})
	defer close(heartbeatStop)
	go func() {
		ticker := time.NewTicker(c.cfg.HeartbeatInterval.Std())
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatStop:
				return
			case <-ticker.C:
				if err := c.writeFrame(conn, ping); err != nil {
					// The read loop observes the broken connection.
					return
				}
			}
		}
	}()

	for {
		if c.stopping(ctx) {
			return false
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, notification.CloseNormal, notification.CloseAuthFailed) {
				c.logger.Info("server closed connection", "error", err)
				return true
			}
			c.logger.Warn("connection lost", "error", err)
			return false
		}
		c.handleFrame(ctx, data)
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	frame, err := notification.ParseFrame(data)
	if err != nil {
		c.logger.Warn("malformed frame dropped", "error", err)
		return
	}

	switch frame.Type {
	case notification.FrameNotification:
		var n notification.Notification
		if err := json.Unmarshal(frame.Payload, &n); err != nil {
			c.logger.Warn("malformed notification payload dropped", "error", err)
			return
		}
		c.pipeline.process(ctx, n, "websocket")
	case notification.FrameConnected:
		var admission notification.Admission
		if err := json.Unmarshal(frame.Payload, &admission); err != nil {
			return
		}
		c.connectionID.Store(admission.ConnectionID)
		c.logger.Info("session admitted",
			"connection_id", admission.ConnectionID,
			"user_id", admission.UserID)
	case notification.FrameHeartbeat:
		// Liveness only; the read deadline reset covers it.
	case notification.FrameError:
		var payload notification.ErrorPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return
		}
		c.logger.Warn("server error frame", "code", payload.Code, "message", payload.Message)
	}
}

// sweepLoop periodically expires queue entries, prunes the seen set,
// and sweeps the store.
func (c *Client) sweepLoop(ctx context.Context) {
	defer c.wg.Done()

	interval := c.cfg.SweepInterval.Std()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			now := time.Now()
			retention := c.cfg.RetentionWindow.Std()
			if removed := c.queue.Sweep(now, retention); removed > 0 {
				c.logger.Debug("expired notifications swept", "removed", removed)
			}
			c.metrics.setQueueDepth(c.queue.Len())
			c.pipeline.sweepSeen(now, retention)
			if c.store != nil {
				if _, err := c.store.Sweep(ctx, now, retention); err != nil {
					c.logger.Warn("store sweep failed", "error", err)
				}
			}
		}
	}
}

// sleep waits for the duration unless the client is shutting down.
// Returns false when interrupted.
func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.shutdown:
		return false
	case <-timer.C:
		return true
	}
}

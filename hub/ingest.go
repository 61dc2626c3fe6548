package hub

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mailsense/realtime/errors"
	"github.com/mailsense/realtime/notification"
)

// NATS subjects domain producers publish notifications on. The token
// after the class names the target: notify.user.<userID> and
// notify.room.<room...>. Broadcasts carry no target.
const (
	SubjectUserPrefix  = "notify.user."
	SubjectRoomPrefix  = "notify.room."
	SubjectBroadcast   = "notify.broadcast"
	subjectUserPattern = "notify.user.*"
	subjectRoomPattern = "notify.room.>"
)

// Ingest bridges NATS to the hub. Domain services (mail analysis,
// workflow engine, team sync) publish Notification JSON; ingest
// validates it, records it in history, and fans it out.
type Ingest struct {
	conn    *nats.Conn
	router  *TopicRouter
	history *History
	logger  *slog.Logger
	metrics *Metrics

	subsMu sync.Mutex
	subs   []*nats.Subscription
}

// NewIngest wires the ingest against a connected NATS client.
func NewIngest(conn *nats.Conn, gateway *Gateway, logger *slog.Logger) (*Ingest, error) {
	if conn == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Ingest", "New", "nil nats connection")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingest{
		conn:    conn,
		router:  gateway.Router(),
		history: gateway.History(),
		logger:  logger,
		metrics: gateway.metrics,
	}, nil
}

// Start subscribes to the notification subjects.
func (i *Ingest) Start() error {
	i.subsMu.Lock()
	defer i.subsMu.Unlock()
	if len(i.subs) > 0 {
		return errors.ErrAlreadyStarted
	}

	type binding struct {
		pattern string
		handler nats.MsgHandler
	}
	bindings := []binding{
		{subjectUserPattern, i.handleUser},
		{subjectRoomPattern, i.handleRoom},
		{SubjectBroadcast, i.handleBroadcast},
	}
	for _, b := range bindings {
		sub, err := i.conn.Subscribe(b.pattern, b.handler)
		if err != nil {
			i.unsubscribeLocked()
			return errors.WrapTransient(err, "Ingest", "Start", "subscribe "+b.pattern)
		}
		i.subs = append(i.subs, sub)
	}

	i.logger.Info("ingest started", "subjects", []string{subjectUserPattern, subjectRoomPattern, SubjectBroadcast})
	return nil
}

// Stop drains the subscriptions.
func (i *Ingest) Stop() error {
	i.subsMu.Lock()
	defer i.subsMu.Unlock()
	if len(i.subs) == 0 {
		return errors.ErrNotStarted
	}
	i.unsubscribeLocked()
	i.logger.Info("ingest stopped")
	return nil
}

func (i *Ingest) unsubscribeLocked() {
	for _, sub := range i.subs {
		_ = sub.Unsubscribe()
	}
	i.subs = nil
}

func (i *Ingest) decode(msg *nats.Msg, class string) (notification.Notification, bool) {
	var n notification.Notification
	if err := json.Unmarshal(msg.Data, &n); err != nil {
		i.metrics.ingested(class, "malformed")
		i.logger.Warn("malformed notification", "subject", msg.Subject, "error", err)
		return notification.Notification{}, false
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	if err := n.Validate(); err != nil {
		i.metrics.ingested(class, "invalid")
		i.logger.Warn("invalid notification", "subject", msg.Subject, "notification_id", n.ID, "error", err)
		return notification.Notification{}, false
	}
	return n, true
}

func (i *Ingest) handleUser(msg *nats.Msg) {
	userID := strings.TrimPrefix(msg.Subject, SubjectUserPrefix)
	if userID == "" || strings.Contains(userID, ".") {
		i.metrics.ingested("user", "bad_subject")
		i.logger.Warn("unroutable user subject", "subject", msg.Subject)
		return
	}
	n, ok := i.decode(msg, "user")
	if !ok {
		return
	}

	// History first: an offline user still gets the notification on
	// the next poll or sync.
	i.history.Append(userID, n)
	sent := i.router.EmitToUser(userID, n)
	i.metrics.ingested("user", "delivered")
	i.logger.Debug("user notification ingested",
		"user_id", userID,
		"notification_id", n.ID,
		"delivered", sent)
}

func (i *Ingest) handleRoom(msg *nats.Msg) {
	room := strings.TrimPrefix(msg.Subject, SubjectRoomPrefix)
	if room == "" {
		i.metrics.ingested("room", "bad_subject")
		return
	}
	// NATS tokens use dots; room names use colons.
	room = strings.ReplaceAll(room, ".", ":")

	n, ok := i.decode(msg, "room")
	if !ok {
		return
	}
	sent, err := i.router.EmitToRoom(room, n)
	if err != nil {
		i.metrics.ingested("room", "empty_room")
		i.logger.Debug("notification for empty room", "room", room, "notification_id", n.ID)
		return
	}
	i.metrics.ingested("room", "delivered")
	i.logger.Debug("room notification ingested",
		"room", room,
		"notification_id", n.ID,
		"delivered", sent)
}

func (i *Ingest) handleBroadcast(msg *nats.Msg) {
	n, ok := i.decode(msg, "broadcast")
	if !ok {
		return
	}
	i.history.AppendBroadcast(n)
	sent := i.router.Broadcast(n)
	i.metrics.ingested("broadcast", "delivered")
	i.logger.Debug("broadcast ingested", "notification_id", n.ID, "delivered", sent)
}

package client

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailsense/realtime/config"
	"github.com/mailsense/realtime/errors"
	"github.com/mailsense/realtime/notification"
)

const (
	errConnClosed  = wireError("connection closed")
	errReadTimeout = wireError("read timeout")
)

type wireError string

func (e wireError) Error() string { return string(e) }

// scriptConn is an in-memory Conn the tests feed frames into.
type scriptConn struct {
	mu           sync.Mutex
	frames       chan []byte
	closed       chan struct{}
	closeOnce    sync.Once
	readErr      error
	readDeadline time.Time
	writes       [][]byte
}

func newScriptConn() *scriptConn {
	return &scriptConn{
		frames:  make(chan []byte, 16),
		closed:  make(chan struct{}),
		readErr: errConnClosed,
	}
}

func (c *scriptConn) push(t *testing.T, frameType notification.FrameType, payload any) {
	t.Helper()
	frame, err := notification.NewFrame(frameType, payload)
	require.NoError(t, err)
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	c.frames <- data
}

// terminate makes the next read fail with err, simulating a dropped or
// server-closed connection.
func (c *scriptConn) terminate(err error) {
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *scriptConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case data := <-c.frames:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return 0, nil, c.readErr
	case <-timeout:
		return 0, nil, errReadTimeout
	}
}

func (c *scriptConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

// sentControls decodes the recorded writes into control frames, ping
// keepalives excluded.
func (c *scriptConn) sentControls() []notification.Control {
	c.mu.Lock()
	writes := append([][]byte(nil), c.writes...)
	c.mu.Unlock()

	var out []notification.Control
	for _, data := range writes {
		ctl, err := notification.ParseControl(data)
		if err != nil || ctl.Action == notification.ControlPing {
			continue
		}
		out = append(out, ctl)
	}
	return out
}

func (c *scriptConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *scriptConn) SetWriteDeadline(time.Time) error { return nil }

func (c *scriptConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// scriptDialer replays a per-call script and records dial times.
type scriptDialer struct {
	mu     sync.Mutex
	calls  int
	times  []time.Time
	script func(call int) (Conn, error)
}

func (d *scriptDialer) Dial(context.Context, string, string) (Conn, error) {
	d.mu.Lock()
	d.calls++
	call := d.calls
	d.times = append(d.times, time.Now())
	d.mu.Unlock()
	return d.script(call)
}

func (d *scriptDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func transientDialError() error {
	return errors.WrapTransient(errors.ErrConnectionLost, "Client", "dial", "test refused")
}

func testClientConfig(server *httptest.Server) config.ClientConfig {
	return config.ClientConfig{
		URL:                  "ws://hub.test/ws",
		HTTPBase:             server.URL,
		HeartbeatInterval:    config.Duration(50 * time.Millisecond),
		BaseReconnectDelay:   config.Duration(20 * time.Millisecond),
		MaxReconnectDelay:    config.Duration(100 * time.Millisecond),
		MaxReconnectAttempts: 2,
		PollInterval:         config.Duration(20 * time.Millisecond),
		SweepInterval:        config.Duration(time.Hour),
		RetentionWindow:      config.Duration(time.Hour),
		QueueSize:            10,
	}
}

func startTestClient(t *testing.T, dialer Dialer, hs *historyServer) *Client {
	t.Helper()
	server := httptest.NewServer(hs.handler())
	t.Cleanup(server.Close)

	c, err := New(testClientConfig(server), "test-token", WithDialer(dialer))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Destroy)
	return c
}

func TestClient_ConnectAndReceive(t *testing.T) {
	conn := newScriptConn()
	dialer := &scriptDialer{script: func(call int) (Conn, error) {
		if call == 1 {
			return conn, nil
		}
		return nil, transientDialError()
	}}

	c := startTestClient(t, dialer, &historyServer{})

	conn.push(t, notification.FrameConnected, notification.Admission{
		ConnectionID: "conn-1",
		UserID:       "user-1",
		Timestamp:    time.Now(),
	})
	conn.push(t, notification.FrameNotification, queueNotification("n-1"))

	require.Eventually(t, func() bool {
		return c.State() == StateOpen && c.ConnectionID() == "conn-1"
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(c.Notifications(0)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "n-1", c.Notifications(0)[0].ID)
}

func TestClient_AuthRejectionIsTerminal(t *testing.T) {
	dialer := &scriptDialer{script: func(int) (Conn, error) {
		return nil, errors.WrapFatal(errors.ErrAuthenticationFailed, "Client", "dial", "handshake rejected")
	}}

	c := startTestClient(t, dialer, &historyServer{})

	require.Eventually(t, func() bool {
		return c.State() == StateClosed
	}, 2*time.Second, 5*time.Millisecond)

	// No retry follows a credential rejection.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestClient_ExponentialBackoffBetweenAttempts(t *testing.T) {
	conn := newScriptConn()
	dialer := &scriptDialer{script: func(call int) (Conn, error) {
		if call < 3 {
			return nil, transientDialError()
		}
		return conn, nil
	}}

	c := startTestClient(t, dialer, &historyServer{})

	require.Eventually(t, func() bool {
		return c.State() == StateOpen
	}, 2*time.Second, 5*time.Millisecond)

	dialer.mu.Lock()
	times := append([]time.Time(nil), dialer.times...)
	dialer.mu.Unlock()
	require.Len(t, times, 3)

	// Delays follow base * 2^(n-1): at least 20ms then 40ms.
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 20*time.Millisecond)
	assert.GreaterOrEqual(t, times[2].Sub(times[1]), 40*time.Millisecond)
}

func TestClient_ReconnectsAfterConnectionLoss(t *testing.T) {
	first := newScriptConn()
	second := newScriptConn()
	dialer := &scriptDialer{script: func(call int) (Conn, error) {
		switch call {
		case 1:
			return first, nil
		default:
			return second, nil
		}
	}}

	c := startTestClient(t, dialer, &historyServer{})
	require.Eventually(t, func() bool {
		return c.State() == StateOpen
	}, 2*time.Second, 5*time.Millisecond)

	first.terminate(errConnClosed)

	require.Eventually(t, func() bool {
		return c.State() == StateOpen && dialer.dialCount() == 2
	}, 2*time.Second, 5*time.Millisecond)

	second.push(t, notification.FrameNotification, queueNotification("after-reconnect"))
	require.Eventually(t, func() bool {
		return len(c.Notifications(0)) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClient_ServerCloseIsTerminal(t *testing.T) {
	conn := newScriptConn()
	dialer := &scriptDialer{script: func(int) (Conn, error) {
		return conn, nil
	}}

	c := startTestClient(t, dialer, &historyServer{})
	require.Eventually(t, func() bool {
		return c.State() == StateOpen
	}, 2*time.Second, 5*time.Millisecond)

	conn.terminate(&websocket.CloseError{Code: websocket.CloseNormalClosure})

	require.Eventually(t, func() bool {
		return c.State() == StateClosed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestClient_FallbackAfterReconnectBudget(t *testing.T) {
	base := time.Now().UTC()
	hs := &historyServer{notifications: []notification.Notification{
		storedNotification("via-poll", base.Add(time.Second)),
	}}
	dialer := &scriptDialer{script: func(int) (Conn, error) {
		return nil, transientDialError()
	}}

	c := startTestClient(t, dialer, hs)

	require.Eventually(t, func() bool {
		return c.State() == StateFallback
	}, 2*time.Second, 5*time.Millisecond)

	// Degraded delivery continues over HTTP polling.
	require.Eventually(t, func() bool {
		return len(c.Notifications(0)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "via-poll", c.Notifications(0)[0].ID)
}

func TestClient_FallbackRecoversWhenDialSucceeds(t *testing.T) {
	conn := newScriptConn()
	var allow sync.Once
	recovered := make(chan struct{})
	dialer := &scriptDialer{script: func(call int) (Conn, error) {
		select {
		case <-recovered:
			var out Conn
			allow.Do(func() { out = conn })
			if out != nil {
				return out, nil
			}
			return nil, transientDialError()
		default:
			return nil, transientDialError()
		}
	}}

	c := startTestClient(t, dialer, &historyServer{})
	require.Eventually(t, func() bool {
		return c.State() == StateFallback
	}, 2*time.Second, 5*time.Millisecond)

	close(recovered)
	require.Eventually(t, func() bool {
		return c.State() == StateOpen
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClient_DestroyIsIdempotent(t *testing.T) {
	conn := newScriptConn()
	dialer := &scriptDialer{script: func(int) (Conn, error) {
		return conn, nil
	}}

	server := httptest.NewServer((&historyServer{}).handler())
	defer server.Close()

	c, err := New(testClientConfig(server), "test-token", WithDialer(dialer))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	c.Destroy()
	c.Destroy()
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.Start(context.Background()), errors.ErrDestroyed,
		"a destroyed client cannot restart")
	assert.Equal(t, StateClosed, c.State())
}

func TestClient_DestroyClosesLiveConnection(t *testing.T) {
	conn := newScriptConn()
	dialer := &scriptDialer{script: func(int) (Conn, error) {
		return conn, nil
	}}

	server := httptest.NewServer((&historyServer{}).handler())
	defer server.Close()

	// A long heartbeat keeps the read blocked for hours unless Destroy
	// closes the transport out from under it.
	cfg := testClientConfig(server)
	cfg.HeartbeatInterval = config.Duration(time.Hour)

	c, err := New(cfg, "test-token", WithDialer(dialer))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool {
		return c.State() == StateOpen
	}, 2*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Destroy()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Destroy did not return while a read was in flight")
	}
	assert.Equal(t, StateClosed, c.State())
}

func TestClient_SubscribeTopicsReplayedAfterReconnect(t *testing.T) {
	first := newScriptConn()
	second := newScriptConn()
	dialer := &scriptDialer{script: func(call int) (Conn, error) {
		if call == 1 {
			return first, nil
		}
		return second, nil
	}}

	c := startTestClient(t, dialer, &historyServer{})
	require.Eventually(t, func() bool {
		return c.State() == StateOpen
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.SubscribeTopics("emails:thread-7"))

	controls := first.sentControls()
	require.Len(t, controls, 1)
	assert.Equal(t, notification.ControlSubscribe, controls[0].Action)
	assert.Equal(t, []string{"emails:thread-7"}, controls[0].Topics)

	first.terminate(errConnClosed)
	require.Eventually(t, func() bool {
		return c.State() == StateOpen && dialer.dialCount() == 2
	}, 2*time.Second, 5*time.Millisecond)

	// The desired room set rides along on the fresh session.
	require.Eventually(t, func() bool {
		controls := second.sentControls()
		return len(controls) == 1 &&
			controls[0].Action == notification.ControlSubscribe &&
			len(controls[0].Topics) == 1 &&
			controls[0].Topics[0] == "emails:thread-7"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClient_UnsubscribeTopicsDropsFromReplay(t *testing.T) {
	conn := newScriptConn()
	dialer := &scriptDialer{script: func(int) (Conn, error) {
		return conn, nil
	}}

	c := startTestClient(t, dialer, &historyServer{})
	require.Eventually(t, func() bool {
		return c.State() == StateOpen
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.SubscribeTopics("emails:thread-7", "emails:thread-9"))
	require.NoError(t, c.UnsubscribeTopics("emails:thread-9"))

	controls := conn.sentControls()
	require.Len(t, controls, 2)
	assert.Equal(t, notification.ControlSubscribe, controls[0].Action)
	assert.Equal(t, notification.ControlUnsubscribe, controls[1].Action)
	assert.Equal(t, []string{"emails:thread-9"}, controls[1].Topics)

	c.topicsMu.Lock()
	_, kept := c.topics["emails:thread-7"]
	_, dropped := c.topics["emails:thread-9"]
	c.topicsMu.Unlock()
	assert.True(t, kept)
	assert.False(t, dropped)
}

func TestClient_SyncReplaysMissedNotifications(t *testing.T) {
	base := time.Now().UTC()
	hs := &historyServer{notifications: []notification.Notification{
		storedNotification("missed-1", base.Add(1*time.Second)),
		storedNotification("missed-2", base.Add(2*time.Second)),
	}}
	conn := newScriptConn()
	dialer := &scriptDialer{script: func(int) (Conn, error) {
		return conn, nil
	}}

	c := startTestClient(t, dialer, hs)

	require.Eventually(t, func() bool {
		return len(c.Notifications(0)) == 2
	}, 2*time.Second, 5*time.Millisecond, "history is replayed on connect")

	// A positive limit caps the snapshot at the newest entries.
	capped := c.Notifications(1)
	require.Len(t, capped, 1)
	assert.Equal(t, "missed-2", capped[0].ID)
}

func TestClient_DuplicateAcrossTransportsObservedOnce(t *testing.T) {
	base := time.Now().UTC()
	n := storedNotification("dup-1", base.Add(time.Second))
	hs := &historyServer{notifications: []notification.Notification{n}}
	conn := newScriptConn()
	dialer := &scriptDialer{script: func(int) (Conn, error) {
		return conn, nil
	}}

	c := startTestClient(t, dialer, hs)
	var delivered []string
	var mu sync.Mutex
	c.Subscribe(Filter{}, func(got notification.Notification) {
		mu.Lock()
		delivered = append(delivered, got.ID)
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		return c.State() == StateOpen
	}, 2*time.Second, 5*time.Millisecond)

	// The same notification also arrives on the push path.
	conn.push(t, notification.FrameNotification, n)

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, c.Notifications(0), 1)
	mu.Lock()
	assert.LessOrEqual(t, len(delivered), 1)
	mu.Unlock()
}

package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailsense/realtime/auth"
	"github.com/mailsense/realtime/config"
	"github.com/mailsense/realtime/notification"
)

var gatewaySecret = []byte("gateway-test-secret")

func gatewayToken(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(gatewaySecret)
	require.NoError(t, err)
	return signed
}

func startGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	authenticator, err := auth.NewJWTAuthenticator(gatewaySecret, slog.Default())
	require.NoError(t, err)

	cfg := config.HubConfig{
		ListenAddr:        ":0",
		WSPath:            "/ws",
		HeartbeatInterval: config.Duration(time.Second),
		HistoryLimit:      100,
		HistoryWindow:     config.Duration(time.Hour),
	}
	g, err := NewGateway(cfg, authenticator, slog.Default(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))

	server := httptest.NewServer(g.Handler())
	t.Cleanup(func() {
		server.Close()
		_ = g.Stop(time.Second)
	})
	return g, server
}

func dialGateway(t *testing.T, server *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + token
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) notification.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	frame, err := notification.ParseFrame(data)
	require.NoError(t, err)
	return frame
}

func TestGateway_RejectsUnauthenticatedHandshake(t *testing.T) {
	_, server := startGateway(t)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_AdmissionAndDelivery(t *testing.T) {
	g, server := startGateway(t)
	ws := dialGateway(t, server, gatewayToken(t, "user-1"))

	frame := readFrame(t, ws)
	require.Equal(t, notification.FrameConnected, frame.Type)
	var admission notification.Admission
	require.NoError(t, json.Unmarshal(frame.Payload, &admission))
	assert.Equal(t, "user-1", admission.UserID)
	assert.NotEmpty(t, admission.ConnectionID)

	n := testNotification("n-1")
	require.Eventually(t, func() bool {
		return g.Router().EmitToUser("user-1", n) == 1
	}, 2*time.Second, 10*time.Millisecond)

	frame = readFrame(t, ws)
	require.Equal(t, notification.FrameNotification, frame.Type)
	var got notification.Notification
	require.NoError(t, json.Unmarshal(frame.Payload, &got))
	assert.Equal(t, "n-1", got.ID)
}

func TestGateway_PingGetsHeartbeat(t *testing.T) {
	_, server := startGateway(t)
	ws := dialGateway(t, server, gatewayToken(t, "user-1"))
	readFrame(t, ws) // connected

	require.NoError(t, ws.WriteJSON(notification.Control{Action: notification.ControlPing}))
	frame := readFrame(t, ws)
	assert.Equal(t, notification.FrameHeartbeat, frame.Type)
}

func TestGateway_SubscribeToFeatureRoom(t *testing.T) {
	g, server := startGateway(t)
	ws := dialGateway(t, server, gatewayToken(t, "user-1"))
	readFrame(t, ws) // connected

	require.NoError(t, ws.WriteJSON(notification.Control{
		Action: notification.ControlSubscribe,
		Topics: []string{"emails:inbox-1"},
	}))

	n := testNotification("n-room")
	require.Eventually(t, func() bool {
		sent, err := g.Router().EmitToRoom("emails:inbox-1", n)
		return err == nil && sent == 1
	}, 2*time.Second, 10*time.Millisecond)

	frame := readFrame(t, ws)
	assert.Equal(t, notification.FrameNotification, frame.Type)
}

func TestGateway_SubscribeToForeignUserRoomRejected(t *testing.T) {
	g, server := startGateway(t)
	ws := dialGateway(t, server, gatewayToken(t, "user-1"))
	readFrame(t, ws) // connected

	require.NoError(t, ws.WriteJSON(notification.Control{
		Action: notification.ControlSubscribe,
		Topics: []string{notification.UserRoom("user-2")},
	}))

	frame := readFrame(t, ws)
	require.Equal(t, notification.FrameError, frame.Type)
	var payload notification.ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, "forbidden_room", payload.Code)

	// The foreign room must not have gained a member.
	assert.Empty(t, g.Router().Members(notification.UserRoom("user-2")))
}

func TestGateway_MalformedControlFrameIsDropped(t *testing.T) {
	_, server := startGateway(t)
	ws := dialGateway(t, server, gatewayToken(t, "user-1"))
	readFrame(t, ws) // connected

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))

	// Connection survives: a ping still gets answered.
	require.NoError(t, ws.WriteJSON(notification.Control{Action: notification.ControlPing}))
	frame := readFrame(t, ws)
	assert.Equal(t, notification.FrameHeartbeat, frame.Type)
}

func TestGateway_PollEndpoint(t *testing.T) {
	g, server := startGateway(t)
	base := time.Now()
	g.History().Append("user-1", timedNotification("n-1", base))
	g.History().Append("user-2", timedNotification("other", base))

	req, err := http.NewRequest(http.MethodGet, server.URL+"/poll", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+gatewayToken(t, "user-1"))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Notifications []notification.Notification `json:"notifications"`
		ServerTime    time.Time                   `json:"server_time"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Notifications, 1, "poll returns only the caller's notifications")
	assert.Equal(t, "n-1", body.Notifications[0].ID)
	assert.False(t, body.ServerTime.IsZero())
}

func TestGateway_SyncEndpointHonorsWatermark(t *testing.T) {
	g, server := startGateway(t)
	base := time.Now()
	g.History().Append("user-1", timedNotification("before", base.Add(-time.Minute)))
	g.History().Append("user-1", timedNotification("after", base.Add(time.Minute)))

	url := server.URL + "/sync?since=" + base.UTC().Format(time.RFC3339Nano)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+gatewayToken(t, "user-1"))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Notifications []notification.Notification `json:"notifications"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Notifications, 1)
	assert.Equal(t, "after", body.Notifications[0].ID)
}

func TestGateway_HistoryEndpointsRequireAuth(t *testing.T) {
	_, server := startGateway(t)
	for _, path := range []string{"/poll", "/sync"} {
		resp, err := http.Get(server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestGateway_DisconnectCleansUpMembership(t *testing.T) {
	g, server := startGateway(t)
	ws := dialGateway(t, server, gatewayToken(t, "user-1"))
	readFrame(t, ws) // connected

	require.Eventually(t, func() bool {
		return g.Registry().Online("user-1")
	}, 2*time.Second, 10*time.Millisecond)

	ws.Close()

	require.Eventually(t, func() bool {
		return !g.Registry().Online("user-1") && g.Router().RoomCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_DoubleStart(t *testing.T) {
	g, _ := startGateway(t)
	assert.Error(t, g.Start(context.Background()))
}

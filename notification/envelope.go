package notification

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameType discriminates server-to-client event frames.
type FrameType string

// Server-to-client frame types.
const (
	FrameNotification FrameType = "notification"
	FrameHeartbeat    FrameType = "heartbeat"
	FrameConnected    FrameType = "connected"
	FrameError        FrameType = "error"
)

// Frame is the typed envelope wrapping every server-to-client message.
// Payload holds the full Notification entity for notification frames,
// an Admission for connected frames, and an ErrorPayload for errors.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame marshals payload into a typed frame.
func NewFrame(t FrameType, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("frame %s: marshal payload: %w", t, err)
	}
	return Frame{Type: t, Payload: data}, nil
}

// ParseFrame decodes a wire frame and validates its type tag.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("frame: unmarshal: %w", err)
	}
	switch f.Type {
	case FrameNotification, FrameHeartbeat, FrameConnected, FrameError:
		return f, nil
	case "":
		return Frame{}, fmt.Errorf("frame: missing type")
	default:
		return Frame{}, fmt.Errorf("frame: unknown type %q", f.Type)
	}
}

// Admission acknowledges a successful handshake.
type Admission struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// ErrorPayload describes a server-reported error frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ControlAction discriminates client-to-server control frames.
type ControlAction string

// Client-to-server control actions.
const (
	ControlSubscribe   ControlAction = "subscribe"
	ControlUnsubscribe ControlAction = "unsubscribe"
	ControlPing        ControlAction = "ping"
)

// Control is a client-to-server control frame. Topics is required for
// subscribe and unsubscribe, ignored for ping.
type Control struct {
	Action ControlAction `json:"action"`
	Topics []string      `json:"topics,omitempty"`
}

// ParseControl decodes a control frame and validates the action tag.
func ParseControl(data []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return Control{}, fmt.Errorf("control: unmarshal: %w", err)
	}
	switch c.Action {
	case ControlPing:
		return c, nil
	case ControlSubscribe, ControlUnsubscribe:
		if len(c.Topics) == 0 {
			return Control{}, fmt.Errorf("control %s: missing topics", c.Action)
		}
		return c, nil
	case "":
		return Control{}, fmt.Errorf("control: missing action")
	default:
		return Control{}, fmt.Errorf("control: unknown action %q", c.Action)
	}
}

// WebSocket close codes. CloseAuthFailed and the standard normal closure
// (1000) are terminal: the client must not re-enter the reconnect loop
// after receiving either. Everything else is reconnect eligible.
const (
	CloseNormal     = 1000
	CloseAuthFailed = 4001
)

// UserRoom is the canonical default room for a user. Every admitted
// connection is joined to it; EmitToUser targets it.
func UserRoom(userID string) string {
	return "user:" + userID
}

package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/mailsense/realtime/notification"
)

// fakeWire is an in-memory frameWriter capturing what the hub writes.
type fakeWire struct {
	mu      sync.Mutex
	frames  []notification.Frame
	failing bool
	closed  bool
}

func (f *fakeWire) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errBrokenWire
	}
	var frame notification.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeWire) WriteControl(int, []byte, time.Time) error { return nil }

func (f *fakeWire) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWire) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeWire) sent() []notification.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notification.Frame(nil), f.frames...)
}

func (f *fakeWire) fail() {
	f.mu.Lock()
	f.failing = true
	f.mu.Unlock()
}

type wireError string

func (e wireError) Error() string { return string(e) }

const errBrokenWire = wireError("broken wire")

func testConnection(userID string) (*Connection, *fakeWire) {
	wire := &fakeWire{}
	return newConnection(userID, wire, time.Second), wire
}

func testNotification(id string) notification.Notification {
	return notification.Notification{
		ID:        id,
		Type:      notification.TypeSystem,
		Category:  notification.CategoryInfo,
		Title:     "test",
		Message:   "test notification " + id,
		Timestamp: time.Now().UTC(),
		Priority:  notification.PriorityNormal,
	}
}

// Package notification defines the notification entity, its closed
// enumerations, and the wire protocol shared by the hub and the client.
package notification

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies the producing domain of a notification.
type Type string

const (
	// TypeMail is emitted by the mail sync pipeline (new mail, analysis done).
	TypeMail Type = "mail"
	// TypeSystem is emitted by the platform itself (maintenance, quota).
	TypeSystem Type = "system"
	// TypeWorkflow is emitted by workflow engines (rule results, automation).
	TypeWorkflow Type = "workflow"
	// TypeTeam is emitted by collaboration features (shares, mentions).
	TypeTeam Type = "team"
	// TypeSecurity is emitted by security monitoring (alerts, new logins).
	TypeSecurity Type = "security"
)

// Valid reports whether t is a member of the closed type set.
func (t Type) Valid() bool {
	switch t {
	case TypeMail, TypeSystem, TypeWorkflow, TypeTeam, TypeSecurity:
		return true
	default:
		return false
	}
}

// Category is the display classification of a notification.
type Category string

// Closed category set.
const (
	CategoryInfo    Category = "info"
	CategorySuccess Category = "success"
	CategoryWarning Category = "warning"
	CategoryError   Category = "error"
)

// Valid reports whether c is a member of the closed category set.
func (c Category) Valid() bool {
	switch c {
	case CategoryInfo, CategorySuccess, CategoryWarning, CategoryError:
		return true
	default:
		return false
	}
}

// Priority is the urgency classification of a notification.
type Priority string

// Closed priority set.
const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a member of the closed priority set.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// Notification is the unit of delivery. The ID is globally unique and is
// the de-duplication key across transports: a notification replayed via
// the polling fallback or the sync endpoint carries the same ID it had
// on the push path.
type Notification struct {
	ID         string     `json:"id"`
	Type       Type       `json:"type"`
	Category   Category   `json:"category"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Priority   Priority   `json:"priority"`
	Source     string     `json:"source,omitempty"`
	ActionURL  string     `json:"action_url,omitempty"`
	Metadata   *Metadata  `json:"metadata,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Persistent bool       `json:"persistent,omitempty"`
}

// New creates a notification with a fresh id and the current timestamp.
func New(t Type, c Category, p Priority, title, message string) Notification {
	return Notification{
		ID:        uuid.NewString(),
		Type:      t,
		Category:  c,
		Priority:  p,
		Title:     title,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Validate checks the closed enumerations and required fields.
func (n Notification) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("notification: missing id")
	}
	if !n.Type.Valid() {
		return fmt.Errorf("notification %s: unknown type %q", n.ID, n.Type)
	}
	if !n.Category.Valid() {
		return fmt.Errorf("notification %s: unknown category %q", n.ID, n.Category)
	}
	if !n.Priority.Valid() {
		return fmt.Errorf("notification %s: unknown priority %q", n.ID, n.Priority)
	}
	if n.Timestamp.IsZero() {
		return fmt.Errorf("notification %s: missing timestamp", n.ID)
	}
	if n.Metadata != nil {
		if err := n.Metadata.validateFor(n.Type); err != nil {
			return fmt.Errorf("notification %s: %w", n.ID, err)
		}
	}
	return nil
}

// Expired reports whether the notification's explicit expiry has passed.
func (n Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && now.After(*n.ExpiresAt)
}

package notification

import "fmt"

// Metadata is a tagged union of per-type structured payloads. Exactly
// one variant may be set, and it must match the notification's Type.
type Metadata struct {
	Mail     *MailMeta     `json:"mail,omitempty"`
	System   *SystemMeta   `json:"system,omitempty"`
	Workflow *WorkflowMeta `json:"workflow,omitempty"`
	Team     *TeamMeta     `json:"team,omitempty"`
	Security *SecurityMeta `json:"security,omitempty"`
}

// MailMeta carries mail-specific context.
type MailMeta struct {
	AccountID  string  `json:"account_id"`
	MessageID  string  `json:"message_id,omitempty"`
	Folder     string  `json:"folder,omitempty"`
	Sender     string  `json:"sender,omitempty"`
	Subject    string  `json:"subject,omitempty"`
	Sentiment  string  `json:"sentiment,omitempty"`
	Urgency    string  `json:"urgency,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// SystemMeta carries platform-level context.
type SystemMeta struct {
	Component   string `json:"component,omitempty"`
	Maintenance bool   `json:"maintenance,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// WorkflowMeta carries workflow execution context.
type WorkflowMeta struct {
	WorkflowID string `json:"workflow_id"`
	RuleID     string `json:"rule_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Matched    int    `json:"matched,omitempty"`
}

// TeamMeta carries collaboration context.
type TeamMeta struct {
	TeamID   string `json:"team_id"`
	ActorID  string `json:"actor_id,omitempty"`
	Resource string `json:"resource,omitempty"`
}

// SecurityMeta carries security alert context.
type SecurityMeta struct {
	AlertID   string `json:"alert_id"`
	Severity  string `json:"severity,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// validateFor enforces the single-variant rule and the type match.
func (m *Metadata) validateFor(t Type) error {
	set := 0
	var kind Type
	if m.Mail != nil {
		set++
		kind = TypeMail
	}
	if m.System != nil {
		set++
		kind = TypeSystem
	}
	if m.Workflow != nil {
		set++
		kind = TypeWorkflow
	}
	if m.Team != nil {
		set++
		kind = TypeTeam
	}
	if m.Security != nil {
		set++
		kind = TypeSecurity
	}
	if set == 0 {
		return nil
	}
	if set > 1 {
		return fmt.Errorf("metadata: multiple variants set")
	}
	if kind != t {
		return fmt.Errorf("metadata: %s variant on %s notification", kind, t)
	}
	return nil
}

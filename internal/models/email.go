package models

import "time"

type EmailStatus string

const (
	StatusPending    EmailStatus = "pending"
	StatusProcessing EmailStatus = "processing"
	StatusSent       EmailStatus = "sent"
	StatusFailed     EmailStatus = "failed"
	StatusCancelled  EmailStatus = "cancelled"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is one of the three known priorities.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

type TemplateType string

const (
	TemplateAssessmentReport  TemplateType = "assessment_report"
	TemplateAppointmentRemind TemplateType = "appointment_reminder"
	TemplateWelcome           TemplateType = "welcome"
	TemplateFollowUp          TemplateType = "follow_up"
	TemplateReengagement      TemplateType = "reengagement"
)

// ScheduledEmail is one unit of deferred send work. The id is stable across
// retries; recurrences create new rows linked via ParentID.
type ScheduledEmail struct {
	ID       string                 `json:"id"`
	TenantID string                 `json:"tenant_id"`
	Template TemplateType           `json:"template_type"`
	To       string                 `json:"recipient"`
	Subject  string                 `json:"subject"`
	Data     map[string]interface{} `json:"template_data"`

	ScheduledAt time.Time  `json:"scheduled_at"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	RetryCount         int `json:"retry_count"`
	MaxRetries         int `json:"max_retries"`
	ProcessingAttempts int `json:"processing_attempts"`

	Status   EmailStatus `json:"status"`
	Priority Priority    `json:"priority"`

	IsRecurring     bool       `json:"is_recurring"`
	RecurrenceRule  string     `json:"recurrence_rule,omitempty"`
	RecurrenceEndAt *time.Time `json:"recurrence_end_at,omitempty"`
	ParentID        string     `json:"parent_scheduled_email_id,omitempty"`

	CampaignID string `json:"campaign_id,omitempty"`
	ErrorMsg   string `json:"error_msg,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	SentAt          *time.Time `json:"sent_at,omitempty"`
	FailedAt        *time.Time `json:"failed_at,omitempty"`
	LastAttemptedAt *time.Time `json:"last_attempted_at,omitempty"`
}

type SuppressionType string

const (
	SuppressionBounce    SuppressionType = "bounce"
	SuppressionComplaint SuppressionType = "complaint"
	SuppressionManual    SuppressionType = "manual"
)

// SuppressionEntry blocks a recipient for one tenant. A non-expired entry
// makes the recipient unreachable regardless of job priority.
type SuppressionEntry struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Recipient string          `json:"recipient"`
	Type      SuppressionType `json:"type"`
	Reason    string          `json:"reason,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ScheduleResult is returned by schedule requests. Failures are reported in
// the struct, not as errors, so handlers can render them directly.
type ScheduleResult struct {
	Success          bool   `json:"success"`
	ScheduledEmailID string `json:"scheduled_email_id,omitempty"`
	Error            string `json:"error,omitempty"`
}

type CancelResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// QueueDepth is the per-status row count of the queue table, used by the
// health surface.
type QueueDepth map[EmailStatus]int

// Package bounce classifies provider delivery events and decides what to do
// about the recipient: suppress permanently, retry later, or ignore.
package bounce

import (
	"time"

	"mailsched/internal/models"
)

type EventType string

const (
	EventDelivered  EventType = "delivered"
	EventBounced    EventType = "bounced"
	EventComplained EventType = "complained"
	EventOpened     EventType = "opened"
	EventClicked    EventType = "clicked"
)

type BounceType string

const (
	BounceHard BounceType = "hard"
	BounceSoft BounceType = "soft"
)

// Event is a provider webhook payload after signature verification.
type Event struct {
	Type          EventType  `json:"type"`
	TenantID      string     `json:"tenant_id"`
	Recipient     string     `json:"recipient"`
	MessageID     string     `json:"message_id,omitempty"`
	BounceType    BounceType `json:"bounce_type,omitempty"`
	ComplaintType string     `json:"complaint_type,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	Timestamp     time.Time  `json:"timestamp,omitempty"`
}

type Action string

const (
	ActionSuppress Action = "suppress"
	ActionRetry    Action = "retry"
	ActionIgnore   Action = "ignore"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityNone     Severity = "none"
)

// Classification is the decision for one event. Retry actions are advisory;
// the classifier never re-enqueues anything itself.
type Classification struct {
	Action          Action
	Severity        Severity
	RetryAfter      time.Duration
	Reason          string
	SuppressionType models.SuppressionType
}

// softBounceRetryDelay is the suggested wait before retrying a recipient
// whose mailbox was temporarily unavailable.
const softBounceRetryDelay = 15 * time.Minute

func Classify(ev Event) Classification {
	switch ev.Type {
	case EventBounced:
		if ev.BounceType == BounceSoft {
			return Classification{
				Action:     ActionRetry,
				Severity:   SeverityMedium,
				RetryAfter: softBounceRetryDelay,
				Reason:     reasonOr(ev, "soft bounce"),
			}
		}
		// Hard bounces, and bounces with no sub-type, mean the address is
		// permanently undeliverable.
		return Classification{
			Action:          ActionSuppress,
			Severity:        SeverityHigh,
			Reason:          reasonOr(ev, "hard bounce"),
			SuppressionType: models.SuppressionBounce,
		}

	case EventComplained:
		// A complaint suppresses regardless of its sub-type.
		return Classification{
			Action:          ActionSuppress,
			Severity:        SeverityCritical,
			Reason:          reasonOr(ev, "spam complaint"),
			SuppressionType: models.SuppressionComplaint,
		}

	default:
		return Classification{Action: ActionIgnore, Severity: SeverityNone}
	}
}

func reasonOr(ev Event, fallback string) string {
	if ev.Reason != "" {
		return ev.Reason
	}
	return fallback
}

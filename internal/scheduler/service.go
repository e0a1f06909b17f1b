package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mailsched/internal/cron"
	"mailsched/internal/db"
	"mailsched/internal/models"
)

// ScheduleRequest creates a one-off scheduled email.
type ScheduleRequest struct {
	TenantID    string                 `json:"tenant_id"`
	Template    models.TemplateType    `json:"template_type"`
	To          string                 `json:"recipient"`
	Subject     string                 `json:"subject"`
	Data        map[string]interface{} `json:"template_data"`
	ScheduledAt time.Time              `json:"scheduled_at"`
	Priority    models.Priority        `json:"priority,omitempty"`
	MaxRetries  int                    `json:"max_retries,omitempty"`
	CampaignID  string                 `json:"campaign_id,omitempty"`
}

// RecurringRequest creates a recurring schedule. The rule is validated before
// anything is persisted.
type RecurringRequest struct {
	ScheduleRequest
	RecurrenceRule string     `json:"recurrence_rule"`
	StartDate      *time.Time `json:"start_date,omitempty"`
	EndDate        *time.Time `json:"end_date,omitempty"`
}

func failed(msg string) models.ScheduleResult {
	return models.ScheduleResult{Error: msg}
}

func (s *Scheduler) validate(req *ScheduleRequest) string {
	if req.TenantID == "" {
		return "tenant_id is required"
	}
	if req.To == "" {
		return "recipient is required"
	}
	if req.Subject == "" {
		return "subject is required"
	}
	if !s.templates.Known(req.Template) {
		return "unknown template type: " + string(req.Template)
	}
	if req.Priority == "" {
		req.Priority = models.PriorityMedium
	}
	if !req.Priority.Valid() {
		return "invalid priority: " + string(req.Priority)
	}
	if req.MaxRetries < 0 {
		return "max_retries must not be negative"
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = s.cfg.DefaultMaxRetries
	}
	return ""
}

// ScheduleEmail validates and persists a one-off job. Validation failures
// are reported in the result and never enqueued.
func (s *Scheduler) ScheduleEmail(ctx context.Context, req ScheduleRequest) models.ScheduleResult {
	if msg := s.validate(&req); msg != "" {
		return failed(msg)
	}

	scheduledAt := req.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = s.now()
	}

	job := models.ScheduledEmail{
		TenantID:    req.TenantID,
		Template:    req.Template,
		To:          req.To,
		Subject:     req.Subject,
		Data:        req.Data,
		ScheduledAt: scheduledAt,
		MaxRetries:  req.MaxRetries,
		Priority:    req.Priority,
		CampaignID:  req.CampaignID,
	}
	if err := s.store.InsertScheduled(ctx, &job); err != nil {
		s.log.Error("failed to persist scheduled email", zap.Error(err))
		return failed("could not persist scheduled email")
	}

	return models.ScheduleResult{Success: true, ScheduledEmailID: job.ID}
}

// ScheduleRecurring validates the rule, computes the first occurrence, and
// persists the head of the recurrence chain.
func (s *Scheduler) ScheduleRecurring(ctx context.Context, req RecurringRequest) models.ScheduleResult {
	if msg := s.validate(&req.ScheduleRequest); msg != "" {
		return failed(msg)
	}
	if !cron.Validate(req.RecurrenceRule) {
		return failed("invalid recurrence rule: " + req.RecurrenceRule)
	}

	from := s.now()
	if req.StartDate != nil && req.StartDate.After(from) {
		from = *req.StartDate
	}

	first, ok := cron.NextOccurrence(req.RecurrenceRule, from)
	if !ok {
		return failed("invalid recurrence rule: " + req.RecurrenceRule)
	}
	if req.EndDate != nil && first.After(*req.EndDate) {
		return failed("recurrence ends before its first occurrence")
	}

	job := models.ScheduledEmail{
		TenantID:        req.TenantID,
		Template:        req.Template,
		To:              req.To,
		Subject:         req.Subject,
		Data:            req.Data,
		ScheduledAt:     first,
		MaxRetries:      req.MaxRetries,
		Priority:        req.Priority,
		IsRecurring:     true,
		RecurrenceRule:  req.RecurrenceRule,
		RecurrenceEndAt: req.EndDate,
		CampaignID:      req.CampaignID,
	}
	if err := s.store.InsertScheduled(ctx, &job); err != nil {
		s.log.Error("failed to persist recurring email", zap.Error(err))
		return failed("could not persist recurring email")
	}

	return models.ScheduleResult{Success: true, ScheduledEmailID: job.ID}
}

// CancelScheduledEmail is the only externally triggered transition besides
// creation: pending to cancelled, scoped to the tenant. A job in any other
// state, or another tenant's job, reports failure without raising.
func (s *Scheduler) CancelScheduledEmail(ctx context.Context, id, tenantID string) models.CancelResult {
	if id == "" || tenantID == "" {
		return models.CancelResult{Error: "scheduled_email_id and tenant_id are required"}
	}

	ok, err := s.store.Cancel(ctx, id, tenantID)
	if err != nil {
		s.log.Error("cancel failed", zap.String("job_id", id), zap.Error(err))
		return models.CancelResult{Error: "could not cancel scheduled email"}
	}
	if !ok {
		return models.CancelResult{Error: "job is not pending or does not belong to tenant"}
	}
	return models.CancelResult{Success: true}
}

// GetScheduledEmails lists a tenant's jobs, optionally filtered by status.
func (s *Scheduler) GetScheduledEmails(ctx context.Context, tenantID string, f db.ListFilter) ([]models.ScheduledEmail, error) {
	return s.store.ListByTenant(ctx, tenantID, f)
}

// QueueDepth exposes per-status queue counts for the health surface.
func (s *Scheduler) QueueDepth(ctx context.Context) (models.QueueDepth, error) {
	return s.store.QueueDepth(ctx)
}

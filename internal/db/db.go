package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailsched/internal/models"
)

//go:embed schema.sql
var schema string

type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, conn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, err
	}

	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const emailColumns = `id, tenant_id, template_type, recipient, subject, template_data,
	scheduled_at, next_retry_at, retry_count, max_retries, processing_attempts,
	status, priority, is_recurring, recurrence_rule, recurrence_end_at,
	parent_scheduled_email_id, campaign_id, error_message,
	created_at, updated_at, sent_at, failed_at, last_attempted_at`

func (s *Store) InsertScheduled(ctx context.Context, job *models.ScheduledEmail) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	dataJSON, err := json.Marshal(job.Data)
	if err != nil {
		return fmt.Errorf("marshal template data: %w", err)
	}

	var parent *string
	if job.ParentID != "" {
		parent = &job.ParentID
	}

	return s.Pool.QueryRow(ctx,
		`INSERT INTO scheduled_emails
		 (id, tenant_id, template_type, recipient, subject, template_data,
		  scheduled_at, max_retries, status, priority,
		  is_recurring, recurrence_rule, recurrence_end_at,
		  parent_scheduled_email_id, campaign_id, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,NOW(),NOW())
		 RETURNING created_at`,
		job.ID,
		job.TenantID,
		job.Template,
		job.To,
		job.Subject,
		dataJSON,
		job.ScheduledAt,
		job.MaxRetries,
		models.StatusPending,
		job.Priority,
		job.IsRecurring,
		job.RecurrenceRule,
		job.RecurrenceEndAt,
		parent,
		job.CampaignID,
	).Scan(&job.CreatedAt)
}

// ClaimReady atomically selects and claims up to limit ready jobs: pending
// jobs whose scheduled time has passed, plus retryable failures whose
// next_retry_at has passed. Claimed rows move to processing with
// processing_attempts incremented and last_attempted_at stamped. SKIP LOCKED
// keeps concurrent scheduler instances from double-claiming; this conditional
// update, not the caller's loop guard, is what makes pickup safe.
func (s *Store) ClaimReady(ctx context.Context, limit int) ([]models.ScheduledEmail, error) {
	rows, err := s.Pool.Query(ctx,
		`UPDATE scheduled_emails SET
		     status = $1,
		     processing_attempts = processing_attempts + 1,
		     last_attempted_at = NOW(),
		     updated_at = NOW()
		 WHERE id IN (
		     SELECT id FROM scheduled_emails
		     WHERE (status = $2 AND scheduled_at <= NOW())
		        OR (status = $3 AND next_retry_at IS NOT NULL AND next_retry_at <= NOW())
		     ORDER BY CASE priority
		                  WHEN 'high' THEN 0
		                  WHEN 'medium' THEN 1
		                  ELSE 2
		              END,
		              scheduled_at ASC
		     FOR UPDATE SKIP LOCKED
		     LIMIT $4
		 )
		 RETURNING `+emailColumns,
		models.StatusProcessing,
		models.StatusPending,
		models.StatusFailed,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim ready jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.ScheduledEmail
	for rows.Next() {
		job, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkSent records a successful dispatch. Only a processing row can become
// sent.
func (s *Store) MarkSent(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE scheduled_emails
		 SET status = $1,
		     sent_at = NOW(),
		     next_retry_at = NULL,
		     error_message = '',
		     updated_at = NOW()
		 WHERE id = $2 AND status = $3`,
		models.StatusSent,
		id,
		models.StatusProcessing,
	)
	return err
}

// MarkRetry puts a processing row into the retryable failed state with the
// next attempt time set.
func (s *Store) MarkRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, errMsg string) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE scheduled_emails
		 SET status = $1,
		     retry_count = $2,
		     next_retry_at = $3,
		     error_message = $4,
		     updated_at = NOW()
		 WHERE id = $5 AND status = $6`,
		models.StatusFailed,
		retryCount,
		nextRetryAt,
		errMsg,
		id,
		models.StatusProcessing,
	)
	return err
}

// MarkFailed makes the failure terminal: next_retry_at is cleared so the row
// never re-enters the ready set.
func (s *Store) MarkFailed(ctx context.Context, id string, retryCount int, errMsg string) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE scheduled_emails
		 SET status = $1,
		     retry_count = $2,
		     next_retry_at = NULL,
		     failed_at = NOW(),
		     error_message = $3,
		     updated_at = NOW()
		 WHERE id = $4 AND status = $5`,
		models.StatusFailed,
		retryCount,
		errMsg,
		id,
		models.StatusProcessing,
	)
	return err
}

// Cancel transitions pending to cancelled, scoped by tenant. Any other
// status, or a foreign tenant, leaves the row untouched and returns false.
func (s *Store) Cancel(ctx context.Context, id, tenantID string) (bool, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE scheduled_emails
		 SET status = $1,
		     updated_at = NOW()
		 WHERE id = $2 AND tenant_id = $3 AND status = $4`,
		models.StatusCancelled,
		id,
		tenantID,
		models.StatusPending,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

type ListFilter struct {
	Status models.EmailStatus
	Limit  int
	Offset int
}

func (s *Store) ListByTenant(ctx context.Context, tenantID string, f ListFilter) ([]models.ScheduledEmail, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}

	query := `SELECT ` + emailColumns + `
		 FROM scheduled_emails
		 WHERE tenant_id = $1`
	args := []any{tenantID}

	if f.Status != "" {
		query += ` AND status = $2`
		args = append(args, f.Status)
	}
	query += fmt.Sprintf(` ORDER BY scheduled_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list by tenant: %w", err)
	}
	defer rows.Close()

	var jobs []models.ScheduledEmail
	for rows.Next() {
		job, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listed job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) QueueDepth(ctx context.Context) (models.QueueDepth, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT status, COUNT(*) FROM scheduled_emails GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	defer rows.Close()

	depth := models.QueueDepth{}
	for rows.Next() {
		var status models.EmailStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		depth[status] = count
	}
	return depth, rows.Err()
}

// FindUnexpandedRecurring returns recurring jobs sent since the cutoff whose
// next occurrence row is missing, so the maintenance sweep can repair the
// chain.
func (s *Store) FindUnexpandedRecurring(ctx context.Context, since time.Time, limit int) ([]models.ScheduledEmail, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+emailColumns+`
		 FROM scheduled_emails p
		 WHERE p.is_recurring
		   AND p.status = $1
		   AND p.sent_at >= $2
		   AND NOT EXISTS (
		       SELECT 1 FROM scheduled_emails c
		       WHERE c.parent_scheduled_email_id = p.id
		   )
		 LIMIT $3`,
		models.StatusSent,
		since,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("find unexpanded recurring: %w", err)
	}
	defer rows.Close()

	var jobs []models.ScheduledEmail
	for rows.Next() {
		job, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recurring job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// RequeueStale moves processing rows whose last attempt predates the cutoff
// back into the retryable failed state with next_retry_at due immediately. A
// row only stays in processing that long when the claiming instance died
// before its Mark* call; the crash does not count against the retry budget,
// so retry_count is left alone.
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE scheduled_emails
		 SET status = $1,
		     next_retry_at = NOW(),
		     error_message = 'requeued after stalled processing',
		     updated_at = NOW()
		 WHERE id IN (
		     SELECT id FROM scheduled_emails
		     WHERE status = $2 AND last_attempted_at < $3
		     FOR UPDATE SKIP LOCKED
		     LIMIT $4
		 )`,
		models.StatusFailed,
		models.StatusProcessing,
		olderThan,
		limit,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale processing: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) Suppress(ctx context.Context, entry *models.SuppressionEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	_, err := s.Pool.Exec(ctx,
		`INSERT INTO suppression_list (id, tenant_id, recipient, type, reason, expires_at, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,NOW())
		 ON CONFLICT (tenant_id, recipient) DO UPDATE SET
		     type = EXCLUDED.type,
		     reason = EXCLUDED.reason,
		     expires_at = EXCLUDED.expires_at`,
		entry.ID,
		entry.TenantID,
		entry.Recipient,
		entry.Type,
		entry.Reason,
		entry.ExpiresAt,
	)
	return err
}

// IsSuppressed reports whether a non-expired suppression entry exists for the
// tenant/recipient pair.
func (s *Store) IsSuppressed(ctx context.Context, tenantID, recipient string) (bool, error) {
	var one int
	err := s.Pool.QueryRow(ctx,
		`SELECT 1 FROM suppression_list
		 WHERE tenant_id = $1 AND recipient = $2
		   AND (expires_at IS NULL OR expires_at > NOW())`,
		tenantID,
		recipient,
	).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Unsuppress(ctx context.Context, tenantID, recipient string) (bool, error) {
	tag, err := s.Pool.Exec(ctx,
		`DELETE FROM suppression_list WHERE tenant_id = $1 AND recipient = $2`,
		tenantID,
		recipient,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func scanEmail(rows pgx.Rows) (models.ScheduledEmail, error) {
	var (
		job      models.ScheduledEmail
		dataJSON []byte
		parent   *string
	)

	err := rows.Scan(
		&job.ID,
		&job.TenantID,
		&job.Template,
		&job.To,
		&job.Subject,
		&dataJSON,
		&job.ScheduledAt,
		&job.NextRetryAt,
		&job.RetryCount,
		&job.MaxRetries,
		&job.ProcessingAttempts,
		&job.Status,
		&job.Priority,
		&job.IsRecurring,
		&job.RecurrenceRule,
		&job.RecurrenceEndAt,
		&parent,
		&job.CampaignID,
		&job.ErrorMsg,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.SentAt,
		&job.FailedAt,
		&job.LastAttemptedAt,
	)
	if err != nil {
		return job, err
	}

	if parent != nil {
		job.ParentID = *parent
	}
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &job.Data); err != nil {
			return job, fmt.Errorf("unmarshal template data: %w", err)
		}
	}
	return job, nil
}

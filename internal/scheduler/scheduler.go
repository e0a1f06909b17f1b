// Package scheduler drains the scheduled-email queue, routes each job through
// the rate-limited dispatcher and transport, and applies the retry and
// recurrence policy.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mailsched/internal/cron"
	"mailsched/internal/db"
	"mailsched/internal/dispatch"
	"mailsched/internal/email"
	"mailsched/internal/metrics"
	"mailsched/internal/models"
)

// Store is the queue and suppression persistence the scheduler needs. The
// conditional updates behind ClaimReady and the Mark* methods are the
// authoritative guard against double-processing; the in-process drain guard
// is only a first-line optimization.
type Store interface {
	InsertScheduled(ctx context.Context, job *models.ScheduledEmail) error
	ClaimReady(ctx context.Context, limit int) ([]models.ScheduledEmail, error)
	MarkSent(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, errMsg string) error
	MarkFailed(ctx context.Context, id string, retryCount int, errMsg string) error
	Cancel(ctx context.Context, id, tenantID string) (bool, error)
	ListByTenant(ctx context.Context, tenantID string, f db.ListFilter) ([]models.ScheduledEmail, error)
	QueueDepth(ctx context.Context) (models.QueueDepth, error)
	IsSuppressed(ctx context.Context, tenantID, recipient string) (bool, error)
	Suppress(ctx context.Context, entry *models.SuppressionEntry) error
	FindUnexpandedRecurring(ctx context.Context, since time.Time, limit int) ([]models.ScheduledEmail, error)
	RequeueStale(ctx context.Context, olderThan time.Time, limit int) (int, error)
}

// Dispatcher throttles sends per resource key.
type Dispatcher interface {
	Do(ctx context.Context, resource string, fn func(context.Context) error) error
}

type Config struct {
	DrainInterval       time.Duration
	MaintenanceInterval time.Duration
	BatchSize           int
	DefaultMaxRetries   int
	FromAddress         string
}

func DefaultConfig() Config {
	return Config{
		DrainInterval:       30 * time.Second,
		MaintenanceInterval: 5 * time.Minute,
		BatchSize:           20,
		DefaultMaxRetries:   3,
		FromAddress:         "noreply@mailsched.io",
	}
}

// Scheduler is constructed once at startup and injected wherever jobs are
// scheduled or queried. Shutdown cancels both loops and waits for an
// in-flight drain to finish.
type Scheduler struct {
	store     Store
	disp      Dispatcher
	transport email.Transport
	templates *email.Registry
	cfg       Config
	log       *zap.Logger

	now      func() time.Time
	stop     chan struct{}
	wg       sync.WaitGroup
	draining atomic.Bool
}

func New(store Store, disp Dispatcher, transport email.Transport, templates *email.Registry, cfg Config, log *zap.Logger) *Scheduler {
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultConfig().DrainInterval
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = DefaultConfig().MaintenanceInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = DefaultConfig().DefaultMaxRetries
	}
	if cfg.FromAddress == "" {
		cfg.FromAddress = DefaultConfig().FromAddress
	}

	return &Scheduler{
		store:     store,
		disp:      disp,
		transport: transport,
		templates: templates,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
}

// Start launches the drain and maintenance loops.
func (s *Scheduler) Start() {
	s.wg.Add(2)
	go s.runLoop("queue-drain", s.cfg.DrainInterval, s.drainOnce)
	go s.runLoop("recurrence-maintenance", s.cfg.MaintenanceInterval, s.maintenanceOnce)
}

// Shutdown stops both loops and waits for any in-flight cycle.
func (s *Scheduler) Shutdown() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Scheduler) runLoop(name string, interval time.Duration, fn func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			s.log.Info("loop stopped", zap.String("loop", name))
			return
		case <-ticker.C:
			fn(context.Background())
		}
	}
}

// drainOnce claims one batch of ready jobs and processes each in isolation.
// The guard skips a tick when the previous drain is still running; the real
// protection against double-processing is the store's conditional claim.
func (s *Scheduler) drainOnce(ctx context.Context) {
	if !s.draining.CompareAndSwap(false, true) {
		s.log.Debug("drain already in flight, skipping tick")
		return
	}
	defer s.draining.Store(false)

	jobs, err := s.store.ClaimReady(ctx, s.cfg.BatchSize)
	if err != nil {
		// Store unreachable: abort this cycle, nothing was claimed.
		s.log.Error("claim ready jobs failed", zap.Error(err))
		return
	}

	orderForDispatch(jobs)
	for _, job := range jobs {
		s.process(ctx, job)
	}

	if depth, err := s.store.QueueDepth(ctx); err == nil {
		// Absent statuses read zero from the map, so a gauge whose count
		// dropped to zero is reset rather than left at its last value.
		for _, status := range allStatuses {
			metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(depth[status]))
		}
	}
}

var allStatuses = []models.EmailStatus{
	models.StatusPending,
	models.StatusProcessing,
	models.StatusSent,
	models.StatusFailed,
	models.StatusCancelled,
}

// orderForDispatch restores priority order within a claimed batch. The claim
// query orders its selection, but UPDATE ... RETURNING does not guarantee the
// returned rows preserve the subquery's order.
func orderForDispatch(jobs []models.ScheduledEmail) {
	sort.SliceStable(jobs, func(a, b int) bool {
		if ra, rb := dispatchRank(jobs[a].Priority), dispatchRank(jobs[b].Priority); ra != rb {
			return ra < rb
		}
		return jobs[a].ScheduledAt.Before(jobs[b].ScheduledAt)
	})
}

func dispatchRank(p models.Priority) int {
	switch p {
	case models.PriorityHigh:
		return 0
	case models.PriorityMedium:
		return 1
	default:
		return 2
	}
}

// deferDelay is how long a job waits when dispatch was refused (breaker open
// or backpressure) rather than attempted. Those refusals never consume the
// retry budget.
const deferDelay = time.Minute

func (s *Scheduler) process(ctx context.Context, job models.ScheduledEmail) {
	suppressed, err := s.store.IsSuppressed(ctx, job.TenantID, job.To)
	if err != nil {
		s.log.Error("suppression check failed",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		s.deferJob(ctx, job, "suppression check unavailable")
		return
	}
	if suppressed {
		metrics.EmailsSuppressed.Inc()
		s.log.Info("send blocked by suppression list",
			zap.String("job_id", job.ID),
			zap.String("tenant_id", job.TenantID),
		)
		if err := s.store.MarkFailed(ctx, job.ID, job.RetryCount, "recipient suppressed"); err != nil {
			s.log.Error("failed to mark suppressed job", zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}

	body, err := s.templates.Render(job.Template, job.Data)
	if err != nil {
		// Template errors will not heal on retry.
		if dbErr := s.store.MarkFailed(ctx, job.ID, job.RetryCount, err.Error()); dbErr != nil {
			s.log.Error("failed to mark render failure", zap.String("job_id", job.ID), zap.Error(dbErr))
		}
		metrics.EmailFailures.Inc()
		return
	}

	var result email.SendResult
	dispErr := s.disp.Do(ctx, "email:"+job.TenantID, func(ctx context.Context) error {
		result = s.transport.Send(ctx, email.SendRequest{
			From:    s.cfg.FromAddress,
			To:      job.To,
			Subject: job.Subject,
			HTML:    body,
		})
		if !result.Success {
			if result.Err != nil {
				return result.Err
			}
			return fmt.Errorf("send failed")
		}
		return nil
	})

	switch {
	case errors.Is(dispErr, dispatch.ErrCircuitOpen) || errors.Is(dispErr, dispatch.ErrBackpressure):
		s.deferJob(ctx, job, dispErr.Error())

	case result.RateLimited:
		// Provider throttling is not the job's fault; retry without
		// charging the budget.
		s.deferJob(ctx, job, "provider rate limited")

	case result.Success:
		if err := s.store.MarkSent(ctx, job.ID); err != nil {
			s.log.Error("failed to mark job sent", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		metrics.EmailsSent.Inc()
		s.log.Info("email sent",
			zap.String("job_id", job.ID),
			zap.String("tenant_id", job.TenantID),
			zap.String("message_id", result.MessageID),
		)
		if job.IsRecurring {
			s.expandRecurrence(ctx, job)
		}

	default:
		s.recordFailure(ctx, job, dispErr)
	}
}

// deferJob reschedules a job without consuming retry budget.
func (s *Scheduler) deferJob(ctx context.Context, job models.ScheduledEmail, reason string) {
	next := s.now().Add(deferDelay)
	if err := s.store.MarkRetry(ctx, job.ID, job.RetryCount, next, reason); err != nil {
		s.log.Error("failed to defer job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (s *Scheduler) recordFailure(ctx context.Context, job models.ScheduledEmail, sendErr error) {
	metrics.EmailFailures.Inc()

	errMsg := "send failed"
	if sendErr != nil {
		errMsg = sendErr.Error()
	}

	retryCount := job.RetryCount + 1
	if retryCount <= job.MaxRetries {
		next := s.now().Add(backoffDelay(retryCount))
		if err := s.store.MarkRetry(ctx, job.ID, retryCount, next, errMsg); err != nil {
			s.log.Error("failed to record retry", zap.String("job_id", job.ID), zap.Error(err))
		}
		s.log.Warn("send failed, retry scheduled",
			zap.String("job_id", job.ID),
			zap.Int("retry_count", retryCount),
			zap.Time("next_retry_at", next),
			zap.String("error", errMsg),
		)
		return
	}

	if err := s.store.MarkFailed(ctx, job.ID, retryCount, "retries exhausted: "+errMsg); err != nil {
		s.log.Error("failed to record terminal failure", zap.String("job_id", job.ID), zap.Error(err))
	}
	s.log.Error("job permanently failed",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.Int("retry_count", retryCount),
		zap.String("error", errMsg),
	)
}

// backoffDelay is 2^retryCount minutes: 2m, 4m, 8m for the first three
// retries.
func backoffDelay(retryCount int) time.Duration {
	return time.Duration(1<<uint(retryCount)) * time.Minute
}

// expandRecurrence inserts exactly one next occurrence, linked back to the
// job that spawned it. Expansion is strictly forward from now: a late run
// never triggers catch-up of missed occurrences.
func (s *Scheduler) expandRecurrence(ctx context.Context, job models.ScheduledEmail) {
	next, ok := cron.NextOccurrence(job.RecurrenceRule, s.now())
	if !ok {
		s.log.Error("recurring job carries invalid rule",
			zap.String("job_id", job.ID),
			zap.String("rule", job.RecurrenceRule),
		)
		return
	}
	if job.RecurrenceEndAt != nil && next.After(*job.RecurrenceEndAt) {
		s.log.Info("recurrence chain complete", zap.String("job_id", job.ID))
		return
	}

	child := models.ScheduledEmail{
		TenantID:        job.TenantID,
		Template:        job.Template,
		To:              job.To,
		Subject:         job.Subject,
		Data:            job.Data,
		ScheduledAt:     next,
		MaxRetries:      job.MaxRetries,
		Priority:        job.Priority,
		IsRecurring:     true,
		RecurrenceRule:  job.RecurrenceRule,
		RecurrenceEndAt: job.RecurrenceEndAt,
		ParentID:        job.ID,
		CampaignID:      job.CampaignID,
	}
	if err := s.store.InsertScheduled(ctx, &child); err != nil {
		s.log.Error("failed to insert next occurrence",
			zap.String("parent_id", job.ID),
			zap.Error(err),
		)
		return
	}

	s.log.Info("next occurrence scheduled",
		zap.String("parent_id", job.ID),
		zap.String("child_id", child.ID),
		zap.Time("scheduled_at", next),
	)
}

// maintenanceLookback bounds the orphan sweep to recently sent recurring
// jobs.
const maintenanceLookback = 24 * time.Hour

// staleProcessingAfter is how long a row may sit in processing before it is
// presumed abandoned by a crashed instance and requeued. Normal processing
// finishes in seconds.
const staleProcessingAfter = 10 * time.Minute

// maintenanceOnce requeues processing rows stranded by a crash, then repairs
// recurrence chains whose next occurrence went missing, e.g. when an insert
// failed right after a send. Best effort: failures are logged and retried on
// the next sweep.
func (s *Scheduler) maintenanceOnce(ctx context.Context) {
	requeued, err := s.store.RequeueStale(ctx, s.now().Add(-staleProcessingAfter), s.cfg.BatchSize)
	if err != nil {
		s.log.Error("stale processing sweep failed", zap.Error(err))
	} else if requeued > 0 {
		s.log.Warn("requeued stalled processing jobs", zap.Int("count", requeued))
	}

	jobs, err := s.store.FindUnexpandedRecurring(ctx, s.now().Add(-maintenanceLookback), s.cfg.BatchSize)
	if err != nil {
		s.log.Error("recurrence sweep failed", zap.Error(err))
		return
	}

	for _, job := range jobs {
		s.expandRecurrence(ctx, job)
	}
}

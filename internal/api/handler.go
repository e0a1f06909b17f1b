package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mailsched/internal/bounce"
	"mailsched/internal/csvparser"
	"mailsched/internal/db"
	"mailsched/internal/dispatch"
	"mailsched/internal/metrics"
	"mailsched/internal/models"
	"mailsched/internal/scheduler"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Webhook-Signature"

// SchedulerService is the scheduling surface the handlers call.
type SchedulerService interface {
	ScheduleEmail(ctx context.Context, req scheduler.ScheduleRequest) models.ScheduleResult
	ScheduleRecurring(ctx context.Context, req scheduler.RecurringRequest) models.ScheduleResult
	CancelScheduledEmail(ctx context.Context, id, tenantID string) models.CancelResult
	GetScheduledEmails(ctx context.Context, tenantID string, f db.ListFilter) ([]models.ScheduledEmail, error)
	QueueDepth(ctx context.Context) (models.QueueDepth, error)
}

// SuppressionStore manages the block list from webhook events and manual
// requests.
type SuppressionStore interface {
	Suppress(ctx context.Context, entry *models.SuppressionEntry) error
	Unsuppress(ctx context.Context, tenantID, recipient string) (bool, error)
}

// Snapshotter exposes dispatcher state for the health surface.
type Snapshotter interface {
	Snapshot() map[string]dispatch.ResourceState
}

type Handler struct {
	Sched         SchedulerService
	Suppressions  SuppressionStore
	Disp          Snapshotter
	WebhookSecret string
	Log           *zap.Logger
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Route("/v1", func(r chi.Router) {
		r.Post("/emails", h.scheduleEmail)
		r.Post("/emails/recurring", h.scheduleRecurring)
		r.Post("/emails/import", h.importCampaign)
		r.Delete("/emails/{id}", h.cancelEmail)
		r.Get("/emails", h.listEmails)

		r.Post("/webhooks/provider", h.providerWebhook)

		r.Post("/suppressions", h.suppress)
		r.Delete("/suppressions", h.unsuppress)

		r.Get("/health", h.health)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) scheduleEmail(w http.ResponseWriter, r *http.Request) {
	var req scheduler.ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ScheduleResult{Error: "invalid request body"})
		return
	}

	res := h.Sched.ScheduleEmail(r.Context(), req)
	if !res.Success {
		writeJSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *Handler) scheduleRecurring(w http.ResponseWriter, r *http.Request) {
	var req scheduler.RecurringRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ScheduleResult{Error: "invalid request body"})
		return
	}

	res := h.Sched.ScheduleRecurring(r.Context(), req)
	if !res.Success {
		writeJSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *Handler) cancelEmail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tenantID := r.URL.Query().Get("tenant_id")

	res := h.Sched.CancelScheduledEmail(r.Context(), id, tenantID)
	if !res.Success {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) listEmails(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant_id is required"})
		return
	}

	f := db.ListFilter{
		Status: models.EmailStatus(r.URL.Query().Get("status")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}

	jobs, err := h.Sched.GetScheduledEmails(r.Context(), tenantID, f)
	if err != nil {
		h.Log.Error("list scheduled emails failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

type importResponse struct {
	Scheduled int      `json:"scheduled"`
	Skipped   []string `json:"skipped,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// importCampaign bulk-schedules one email per row of an uploaded recipient
// CSV. Row-level problems are reported, not fatal.
func (h *Handler) importCampaign(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	d := csvparser.Defaults{
		TenantID:   q.Get("tenant_id"),
		Template:   models.TemplateType(q.Get("template_type")),
		Subject:    q.Get("subject"),
		Priority:   models.Priority(q.Get("priority")),
		CampaignID: q.Get("campaign_id"),
	}
	if d.TenantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant_id is required"})
		return
	}

	requests, skipped, err := csvparser.Parse(r.Body, d)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	resp := importResponse{Skipped: skipped}
	for _, req := range requests {
		res := h.Sched.ScheduleEmail(r.Context(), req)
		if !res.Success {
			resp.Errors = append(resp.Errors, req.To+": "+res.Error)
			continue
		}
		resp.Scheduled++
	}

	writeJSON(w, http.StatusOK, resp)
}

// providerWebhook verifies the HMAC signature before anything else; a payload
// that fails verification is rejected without side effects.
func (h *Handler) providerWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	if !h.verifySignature(body, r.Header.Get(SignatureHeader)) {
		h.Log.Warn("webhook signature mismatch")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	var ev bounce.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	metrics.WebhookEvents.WithLabelValues(string(ev.Type)).Inc()

	c := bounce.Classify(ev)
	switch c.Action {
	case bounce.ActionSuppress:
		entry := &models.SuppressionEntry{
			TenantID:  ev.TenantID,
			Recipient: ev.Recipient,
			Type:      c.SuppressionType,
			Reason:    c.Reason,
		}
		if err := h.Suppressions.Suppress(r.Context(), entry); err != nil {
			h.Log.Error("failed to write suppression entry",
				zap.String("tenant_id", ev.TenantID),
				zap.Error(err),
			)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "suppression write failed"})
			return
		}
		h.Log.Info("recipient suppressed",
			zap.String("tenant_id", ev.TenantID),
			zap.String("severity", string(c.Severity)),
			zap.String("reason", c.Reason),
		)

	case bounce.ActionRetry:
		// Advisory only: the retryable job, if any, comes back through its
		// own backoff schedule.
		h.Log.Info("soft failure reported",
			zap.String("tenant_id", ev.TenantID),
			zap.Duration("suggested_retry_after", c.RetryAfter),
		)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *Handler) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.WebhookSecret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

type suppressRequest struct {
	TenantID  string     `json:"tenant_id"`
	Recipient string     `json:"recipient"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// suppress blocks a recipient by operator request, the manual counterpart to
// the classifier-driven entries the webhook writes.
func (h *Handler) suppress(w http.ResponseWriter, r *http.Request) {
	var req suppressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.TenantID == "" || req.Recipient == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant_id and recipient are required"})
		return
	}

	entry := &models.SuppressionEntry{
		TenantID:  req.TenantID,
		Recipient: req.Recipient,
		Type:      models.SuppressionManual,
		Reason:    req.Reason,
		ExpiresAt: req.ExpiresAt,
	}
	if err := h.Suppressions.Suppress(r.Context(), entry); err != nil {
		h.Log.Error("failed to write suppression entry",
			zap.String("tenant_id", req.TenantID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "suppression write failed"})
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) unsuppress(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	recipient := r.URL.Query().Get("recipient")
	if tenantID == "" || recipient == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant_id and recipient are required"})
		return
	}

	removed, err := h.Suppressions.Unsuppress(r.Context(), tenantID, recipient)
	if err != nil {
		h.Log.Error("unsuppress failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "unsuppress failed"})
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no suppression entry found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

type healthResponse struct {
	QueueDepth models.QueueDepth                 `json:"queue_depth"`
	Dispatcher map[string]dispatch.ResourceState `json:"dispatcher"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	depth, err := h.Sched.QueueDepth(r.Context())
	if err != nil {
		h.Log.Error("queue depth query failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "queue depth unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, healthResponse{
		QueueDepth: depth,
		Dispatcher: h.Disp.Snapshot(),
	})
}

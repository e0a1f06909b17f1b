package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var errRateLimited = errors.New("provider rate limited")

// ProviderClient sends through a transactional-email HTTP API. It carries its
// own token bucket, independent of the dispatcher's, because it guards the
// provider's limits rather than a tenant's.
type ProviderClient struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	limiter  *rate.Limiter
	attempts int
	log      *zap.Logger
}

type ProviderConfig struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	Rate     int
	Attempts int
}

func NewProviderClient(cfg ProviderConfig, log *zap.Logger) *ProviderClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 10
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}

	return &ProviderClient{
		baseURL:  cfg.BaseURL,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Rate),
		attempts: cfg.Attempts,
		log:      log,
	}
}

// Send posts the message, retrying transient failures with exponential
// backoff. A 429 is reported as RateLimited without retrying; 4xx auth and
// validation responses are never retried.
func (c *ProviderClient) Send(ctx context.Context, req SendRequest) SendResult {
	if err := c.limiter.Wait(ctx); err != nil {
		return SendResult{Err: err}
	}

	var messageID string

	operation := func() error {
		id, err := c.post(ctx, req)
		if err != nil {
			return err
		}
		messageID = id
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.attempts-1)), ctx))
	if err != nil {
		if errors.Is(err, errRateLimited) {
			return SendResult{RateLimited: true, Err: err}
		}
		return SendResult{Err: err}
	}

	return SendResult{Success: true, MessageID: messageID}
}

type providerPayload struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type providerResponse struct {
	ID string `json:"id"`
}

func (c *ProviderClient) post(ctx context.Context, req SendRequest) (string, error) {
	body, err := json.Marshal(providerPayload{
		From:    req.From,
		To:      []string{req.To},
		Subject: req.Subject,
		HTML:    req.HTML,
	})
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("marshal payload: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		// Network errors are transient.
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var pr providerResponse
		if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
			return "", backoff.Permanent(fmt.Errorf("decode provider response: %w", err))
		}
		return pr.ID, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return "", backoff.Permanent(errRateLimited)

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Auth and validation failures will not succeed on retry.
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", backoff.Permanent(fmt.Errorf("provider rejected send (%d): %s", resp.StatusCode, detail))

	default:
		c.log.Warn("provider transient failure",
			zap.Int("status", resp.StatusCode),
			zap.String("to", req.To),
		)
		return "", fmt.Errorf("provider returned %d", resp.StatusCode)
	}
}

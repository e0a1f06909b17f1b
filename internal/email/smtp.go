package email

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// SMTPSender delivers through a plain SMTP relay. Useful for local
// development against a capture server, or deployments without a
// transactional-email provider.
type SMTPSender struct {
	Host     string
	Port     int
	User     string
	Password string
	Attempts int
}

func (s *SMTPSender) Send(ctx context.Context, req SendRequest) SendResult {
	operation := func() error {
		m := gomail.NewMessage()
		m.SetHeader("From", req.From)
		m.SetHeader("To", req.To)
		m.SetHeader("Subject", req.Subject)
		m.SetBody("text/html", req.HTML)

		d := gomail.NewDialer(s.Host, s.Port, s.User, s.Password)
		if err := d.DialAndSend(m); err != nil {
			return fmt.Errorf("smtp send error: %w", err)
		}
		return nil
	}

	attempts := s.Attempts
	if attempts <= 0 {
		attempts = 3
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx))
	if err != nil {
		return SendResult{Err: err}
	}

	// SMTP has no provider message id; mint one so tracking stays uniform.
	return SendResult{Success: true, MessageID: uuid.NewString()}
}

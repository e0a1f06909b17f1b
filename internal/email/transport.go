package email

import "context"

// SendRequest is a fully rendered outbound message.
type SendRequest struct {
	From    string
	To      string
	Subject string
	HTML    string
}

// SendResult reports one transport attempt. RateLimited is surfaced
// separately from other failures so callers can avoid charging it against a
// job's retry budget.
type SendResult struct {
	Success     bool
	MessageID   string
	RateLimited bool
	Err         error
}

// Transport delivers a rendered message through some provider.
type Transport interface {
	Send(ctx context.Context, req SendRequest) SendResult
}

package email

import "context"

// Provider abstracts an outbound email transport. Implementations report
// ordinary delivery failures (timeouts, rejected recipients) through
// Result.Success=false so the caller can persist the error without
// exceptional control flow; only construction-time configuration problems
// are surfaced as errors, by the provider factory.
type Provider interface {
	Send(ctx context.Context, to, subject, body string, meta map[string]string) Result
	Name() string
}

// Result carries the outcome of a single provider send.
type Result struct {
	Success   bool
	MessageID string
	Err       string
	Provider  string
}

package delivery

import (
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/illmade-knight/go-otlp-ingest/pkg/sink"
)

// RetryBudget is the retry state of one batch: a deadline fixed at the first
// failure and an exponential backoff schedule. Each batch owns its own.
type RetryBudget struct {
	deadline time.Time
	backoff  *backoff.ExponentialBackOff
	attempts int
}

// NewRetryBudget opens a budget of window starting at now.
func NewRetryBudget(window, initial, max time.Duration, now time.Time) *RetryBudget {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.RandomizationFactor = 0.2
	b.Reset()
	return &RetryBudget{deadline: now.Add(window), backoff: b}
}

// Next returns how long to wait before retrying a write refused for reason.
// ok is false when the batch must go to backup instead: the reason is not
// retryable or the window is spent. The wait never runs past the deadline.
func (r *RetryBudget) Next(reason sink.Reason, now time.Time) (wait time.Duration, ok bool) {
	if !reason.Retryable() {
		return 0, false
	}
	remaining := r.deadline.Sub(now)
	if remaining <= 0 {
		return 0, false
	}
	wait = r.backoff.NextBackOff()
	if wait > remaining {
		wait = remaining
	}
	r.attempts++
	return wait, true
}

// Retries is the number of retries granted so far.
func (r *RetryBudget) Retries() int { return r.attempts }

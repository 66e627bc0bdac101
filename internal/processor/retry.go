package processor

import (
	"time"

	"github.com/nimasrn/followup-gateway/internal/model"
)

// RetryPolicy bounds dispatch attempts and spaces them with capped
// exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// ShouldRetry reports whether another attempt is allowed after the failures
// already counted on rec.
func (p RetryPolicy) ShouldRetry(rec *model.DeliveryRecord) bool {
	if rec.State == model.StateCancelled {
		return false
	}
	return rec.RetryCount < p.MaxAttempts
}

// NextAttemptAt is now plus BaseDelay doubled for every failure after the
// first, capped at MaxDelay.
func (p RetryPolicy) NextAttemptAt(rec *model.DeliveryRecord, now time.Time) time.Time {
	return now.Add(p.Backoff(rec.RetryCount))
}

func (p RetryPolicy) Backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := p.BaseDelay
	for i := 1; i < failures; i++ {
		if delay >= p.MaxDelay || delay > p.MaxDelay/2 {
			return p.MaxDelay
		}
		delay *= 2
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

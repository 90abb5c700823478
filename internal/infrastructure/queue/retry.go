package queue

import (
	"math"
	"math/rand"
	"time"

	"github.com/caretrail/auditcore/internal/domain/errors"
)

// RetryPolicy controls the backoff schedule between delivery attempts.
type RetryPolicy struct {
	MaxAttempts  int           `koanf:"max_attempts"`
	InitialDelay time.Duration `koanf:"initial_delay"`
	MaxDelay     time.Duration `koanf:"max_delay"`
	Multiplier   float64       `koanf:"multiplier"`
	// Jitter is the ± fraction applied to the computed delay.
	Jitter float64 `koanf:"jitter"`
}

// DefaultRetryPolicy matches the delivery contract: five attempts,
// exponential from one second capped at a minute, ±10% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Delay computes the backoff before the given attempt number (1-based
// count of attempts already made).
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	base := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempts-1))
	if capped := float64(p.MaxDelay); base > capped {
		base = capped
	}

	if p.Jitter > 0 {
		// Uniform in [-jitter, +jitter].
		base += base * p.Jitter * (2*rand.Float64() - 1)
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

// AttemptCapFor bounds attempts by failure class. Unknown failures get
// a tighter cap than classified transient ones; timeouts sit between.
func (p RetryPolicy) AttemptCapFor(class errors.Class) int {
	switch class {
	case errors.ClassUnknown:
		if p.MaxAttempts > 2 {
			return 2
		}
	case errors.ClassTimeout:
		if p.MaxAttempts > 3 {
			return 3
		}
	}
	return p.MaxAttempts
}

// ShouldRetry decides whether a failed job goes back on the delayed set
// or to the dead-letter queue.
func (p RetryPolicy) ShouldRetry(err error, attempts int) bool {
	if !errors.IsRetryable(err) {
		return false
	}
	return attempts < p.AttemptCapFor(errors.Classify(err))
}

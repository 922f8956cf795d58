package retry

import (
	"math"
	"time"

	"github.com/mpataki/foreman/internal/errors"
)

// Policy bounds how often and how quickly a failed agent invocation is
// repeated.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Recoverable []errors.Kind
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 2,
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2,
		Recoverable: []errors.Kind{errors.KindCrash, errors.KindTimeout, errors.KindValidation},
	}
}

func (p Policy) IsRecoverable(kind errors.Kind) bool {
	for _, k := range p.Recoverable {
		if k == kind {
			return true
		}
	}
	return false
}

// ShouldRetry reports whether a failure of kind after attempt (1-based)
// earns another attempt.
func (p Policy) ShouldRetry(kind errors.Kind, attempt int) bool {
	return p.IsRecoverable(kind) && attempt < p.MaxAttempts
}

// Backoff returns the unjittered delay after attempt, clamped to MaxDelay.
// It never decreases as attempt grows.
func (p Policy) Backoff(attempt int) time.Duration {
	return p.scaled(attempt, 1)
}

// Delay applies jitter factor j to the exponential delay before clamping.
func (p Policy) Delay(attempt int, j float64) time.Duration {
	return p.scaled(attempt, j)
}

func (p Policy) scaled(attempt int, j float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	raw := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1)) * j
	if math.IsInf(raw, 0) || raw >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if raw < 0 {
		return 0
	}
	return time.Duration(raw)
}

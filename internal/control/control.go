package control

import (
	"errors"
	"fmt"
	"time"
)

// Policy defines retry behavior for background work.
type Policy struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultPolicy returns the default persistence retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:  3,
		BackoffBase: 100 * time.Millisecond,
		BackoffCap:  5 * time.Second,
	}
}

// ErrLimited is matched by every LimitError.
var ErrLimited = errors.New("limit reached")

// LimitType identifies which limit is reached.
type LimitType string

const (
	LimitRate LimitType = "rate"
)

// LimitError indicates a request limit was reached.
type LimitError struct {
	Type      LimitType
	Key       string
	RetryIn   time.Duration
	Threshold int64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("limit reached type=%s key=%s threshold=%d retry_in=%s", e.Type, e.Key, e.Threshold, e.RetryIn)
}

func (e *LimitError) Is(target error) bool {
	return target == ErrLimited
}

// RetryBackoff computes exponential backoff for attempt (1-based),
// doubling from p.BackoffBase and capped at p.BackoffCap.
func (p Policy) RetryBackoff(attempt int) time.Duration {
	if attempt <= 0 || p.BackoffBase <= 0 {
		return 0
	}
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.BackoffCap > 0 && d >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	if p.BackoffCap > 0 && d > p.BackoffCap {
		return p.BackoffCap
	}
	return d
}

// ShouldRetry returns whether a failed attempt should be retried.
func (p Policy) ShouldRetry(attempts int) bool {
	return attempts <= p.MaxRetries
}

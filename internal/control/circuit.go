package control

import (
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreaker is a minimal per-error-class breaker. It is safe for
// concurrent use.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration

	mu          sync.Mutex
	state       CircuitState
	failures    map[string]int
	openedAt    time.Time
	openedClass string
	probing     bool
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		state:     CircuitClosed,
		failures:  map[string]int{},
	}
}

func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allow returns whether new work is allowed at this instant. Once the
// cooldown has elapsed a single probe is let through in half-open state.
func (c *CircuitBreaker) Allow(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if now.Sub(c.openedAt) < c.Cooldown {
			return false
		}
		c.state = CircuitHalfOpen
		c.probing = true
		return true
	default:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	}
}

// RecordSuccess updates state after a successful probe/operation and
// reports whether the breaker closed as a result.
func (c *CircuitBreaker) RecordSuccess() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	closed := c.state != CircuitClosed
	c.state = CircuitClosed
	c.openedClass = ""
	c.probing = false
	c.failures = map[string]int{}
	return closed
}

// RecordFailure updates state after an error in the given class and
// reports whether the breaker opened as a result.
func (c *CircuitBreaker) RecordFailure(errClass string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errClass == "" {
		errClass = "unknown"
	}
	switch c.state {
	case CircuitHalfOpen:
		c.open(errClass, now)
		return true
	case CircuitOpen:
		return false
	}
	c.failures[errClass]++
	if c.failures[errClass] >= c.Threshold {
		c.open(errClass, now)
		return true
	}
	return false
}

// CancelProbe releases a half-open probe whose outcome is unknown, so the
// next caller may probe instead.
func (c *CircuitBreaker) CancelProbe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CircuitHalfOpen {
		c.probing = false
	}
}

func (c *CircuitBreaker) open(errClass string, now time.Time) {
	c.state = CircuitOpen
	c.openedAt = now
	c.openedClass = errClass
	c.probing = false
}

func (c *CircuitBreaker) OpenedClass() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openedClass
}

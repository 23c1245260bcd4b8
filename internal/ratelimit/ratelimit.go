// Package ratelimit admits requests per client key with token buckets.
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/stupiduntilnot/promptrelay/internal/control"
)

// DefaultRate is the request allowance per client.
const DefaultRate = "10/hour"

// Rate is a number of events per period, e.g. "10/hour".
type Rate struct {
	Count  int
	Period time.Duration
}

func (r Rate) String() string {
	return fmt.Sprintf("%d/%s", r.Count, r.Period)
}

// Limit converts r into a refill rate for rate.Limiter.
func (r Rate) Limit() rate.Limit {
	if r.Count <= 0 || r.Period <= 0 {
		return rate.Inf
	}
	return rate.Every(r.Period / time.Duration(r.Count))
}

var periods = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
}

// ParseRate parses "<count>/<period>" where period is second, minute,
// hour or day, optionally pluralised or prefixed with a multiplier
// ("100/2 hours"). A count of zero disables limiting.
func ParseRate(s string) (Rate, error) {
	countStr, periodStr, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Rate{}, fmt.Errorf("invalid rate %q: want <count>/<period>", s)
	}
	count, err := strconv.Atoi(strings.TrimSpace(countStr))
	if err != nil || count < 0 {
		return Rate{}, fmt.Errorf("invalid rate count %q", countStr)
	}

	mult := 1
	fields := strings.Fields(strings.ToLower(periodStr))
	switch len(fields) {
	case 1:
	case 2:
		mult, err = strconv.Atoi(fields[0])
		if err != nil || mult <= 0 {
			return Rate{}, fmt.Errorf("invalid rate multiplier %q", fields[0])
		}
		fields = fields[1:]
	default:
		return Rate{}, fmt.Errorf("invalid rate period %q", periodStr)
	}
	unit, ok := periods[strings.TrimSuffix(fields[0], "s")]
	if !ok {
		return Rate{}, fmt.Errorf("invalid rate period %q", periodStr)
	}
	return Rate{Count: count, Period: time.Duration(mult) * unit}, nil
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per client key. Burst equals the rate
// count, so a fresh client may spend its whole allowance at once.
type Limiter struct {
	rate Rate

	mu      sync.Mutex
	clients map[string]*client
	now     func() time.Time
}

func New(r Rate) *Limiter {
	return &Limiter{rate: r, clients: map[string]*client{}, now: time.Now}
}

// Rate returns the configured rate.
func (l *Limiter) Rate() Rate {
	return l.rate
}

// Allow reports whether key may make a request now, consuming a token
// if so.
func (l *Limiter) Allow(key string) bool {
	return l.Check(key) == nil
}

// Check consumes a token for key, or returns a *control.LimitError with
// the time until the next token.
func (l *Limiter) Check(key string) error {
	if l.rate.Count <= 0 {
		return nil
	}
	now := l.now()

	l.mu.Lock()
	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.rate.Limit(), l.rate.Count)}
		l.clients[key] = c
	}
	c.lastSeen = now
	l.mu.Unlock()

	r := c.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return &control.LimitError{
			Type:      control.LimitRate,
			Key:       key,
			RetryIn:   delay,
			Threshold: int64(l.rate.Count),
		}
	}
	return nil
}

// Sweep forgets clients idle for at least idle whose bucket is full
// again, and returns how many were removed.
func (l *Limiter) Sweep(idle time.Duration) int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, c := range l.clients {
		if now.Sub(c.lastSeen) < idle {
			continue
		}
		if c.limiter.TokensAt(now) < float64(l.rate.Count) {
			continue
		}
		delete(l.clients, key)
		removed++
	}
	return removed
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

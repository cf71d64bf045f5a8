// Package ratelimit implements per-user, per-event-type token buckets with
// escalating backoff for repeat offenders. Buckets are created lazily and
// garbage collected by a periodic sweep.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"twinlink/internal/config"
)

// Category names match the event classes the gateway meters.
const (
	CategoryConnection = "connection"
	CategoryMessage    = "message"
	CategoryTyping     = "typing"
	CategoryReaction   = "reaction"
)

// Rule describes one bucket class: its capacity and refill rate.
type Rule struct {
	Capacity     float64
	RefillPerSec float64
}

// Result is the outcome of a single limit check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
	Backoff   time.Duration
}

// Headers is the read-only view used for client display.
type Headers struct {
	Limit     int
	Remaining int
	ResetIn   time.Duration
}

type bucket struct {
	mu           sync.Mutex
	tokens       float64
	lastRefill   time.Time
	violations   int
	backoffUntil time.Time
	lastTouched  time.Time
}

// Limiter owns all rate-limit buckets for a process. The bucket map is
// guarded by a read-write mutex; each bucket carries its own lock so checks
// for unrelated users never contend.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket

	rules     map[string]Rule
	threshold int
	base      time.Duration
	maxBack   time.Duration
	ttl       time.Duration
	sweepEach time.Duration

	now    func() time.Time
	logger *slog.Logger
}

// New builds a limiter from configuration. The clock is injectable for tests
// via WithClock.
func New(cfg config.RateLimitConfig, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rules: map[string]Rule{
			CategoryMessage:    {Capacity: float64(cfg.MessageCapacity), RefillPerSec: float64(cfg.MessageRefillPerMin) / 60},
			CategoryTyping:     {Capacity: float64(cfg.TypingCapacity), RefillPerSec: float64(cfg.TypingRefillPerMin) / 60},
			CategoryReaction:   {Capacity: float64(cfg.ReactionCapacity), RefillPerSec: float64(cfg.ReactionRefillPerMin) / 60},
			CategoryConnection: {Capacity: float64(cfg.ConnectionCapacity), RefillPerSec: float64(cfg.ConnectionRefillPerMin) / 60},
		},
		threshold: cfg.ViolationThreshold,
		base:      cfg.BackoffBase,
		maxBack:   cfg.BackoffMax,
		ttl:       cfg.BucketTTL,
		sweepEach: cfg.SweepInterval,
		now:       time.Now,
		logger:    logger,
	}
}

// WithClock replaces the limiter's clock. Test helper.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func key(userID, category string) string {
	return userID + ":" + category
}

func (l *Limiter) rule(category string) (Rule, bool) {
	r, ok := l.rules[category]
	return r, ok
}

func (l *Limiter) getBucket(userID, category string, capacity float64) *bucket {
	k := key(userID, category)

	l.mu.RLock()
	b, ok := l.buckets[k]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[k]; ok {
		return b
	}
	b = &bucket{
		tokens:      capacity,
		lastRefill:  l.now(),
		lastTouched: l.now(),
	}
	l.buckets[k] = b
	return b
}

// refill converts elapsed time into tokens, capped at capacity.
// Caller holds b.mu.
func (b *bucket) refill(now time.Time, r Rule) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(r.Capacity, b.tokens+elapsed*r.RefillPerSec)
		b.lastRefill = now
	}
}

// resetIn reports how long until a one-token request could succeed.
// Caller holds b.mu.
func (b *bucket) resetIn(r Rule) time.Duration {
	if b.tokens >= 1 {
		return 0
	}
	if r.RefillPerSec <= 0 {
		return time.Duration(math.MaxInt64)
	}
	secs := (1 - b.tokens) / r.RefillPerSec
	return time.Duration(secs * float64(time.Second))
}

// CheckLimit spends cost tokens from the (userID, category) bucket. A denial
// never mutates tokens but increments the violation counter; once the counter
// passes the threshold an exponential backoff window is imposed on top of the
// bucket itself, so refilled tokens alone do not readmit an abusive sender.
func (l *Limiter) CheckLimit(userID, category string, cost float64) Result {
	r, ok := l.rule(category)
	if !ok {
		// Unknown categories are not metered.
		return Result{Allowed: true, Remaining: 0}
	}

	b := l.getBucket(userID, category, r.Capacity)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	b.lastTouched = now
	b.refill(now, r)

	if now.Before(b.backoffUntil) {
		b.violations++
		l.extendBackoff(b, now)
		return Result{
			Allowed:   false,
			Remaining: int(b.tokens),
			ResetIn:   b.resetIn(r),
			Backoff:   b.backoffUntil.Sub(now),
		}
	}

	if b.tokens >= cost {
		b.tokens -= cost
		b.violations = 0
		return Result{
			Allowed:   true,
			Remaining: int(b.tokens),
			ResetIn:   b.resetIn(r),
		}
	}

	b.violations++
	l.extendBackoff(b, now)

	res := Result{
		Allowed:   false,
		Remaining: int(b.tokens),
		ResetIn:   b.resetIn(r),
	}
	if b.backoffUntil.After(now) {
		res.Backoff = b.backoffUntil.Sub(now)
	}
	return res
}

// extendBackoff recomputes the backoff window after a violation. The window
// only ever moves forward. Caller holds b.mu.
func (l *Limiter) extendBackoff(b *bucket, now time.Time) {
	if b.violations <= l.threshold {
		return
	}
	exp := b.violations - l.threshold
	back := l.base * time.Duration(1<<uint(exp))
	if back > l.maxBack || back <= 0 {
		back = l.maxBack
	}
	until := now.Add(back)
	if until.After(b.backoffUntil) {
		b.backoffUntil = until
	}
}

// GetHeaders returns the limit, remaining tokens and reset time for client
// display. Pure read: no token is spent and no counter moves.
func (l *Limiter) GetHeaders(userID, category string) Headers {
	r, ok := l.rule(category)
	if !ok {
		return Headers{}
	}

	l.mu.RLock()
	b, exists := l.buckets[key(userID, category)]
	l.mu.RUnlock()

	if !exists {
		return Headers{Limit: int(r.Capacity), Remaining: int(r.Capacity)}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Compute the refilled view without storing it.
	elapsed := l.now().Sub(b.lastRefill).Seconds()
	tokens := math.Min(r.Capacity, b.tokens+elapsed*r.RefillPerSec)

	h := Headers{Limit: int(r.Capacity), Remaining: int(tokens)}
	if tokens < 1 && r.RefillPerSec > 0 {
		h.ResetIn = time.Duration((1 - tokens) / r.RefillPerSec * float64(time.Second))
	}
	return h
}

// ResetUser clears every bucket and violation counter for a user.
// Administrative override used by support tooling and tests.
func (l *Limiter) ResetUser(userID string) {
	prefix := userID + ":"

	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.buckets {
		if strings.HasPrefix(k, prefix) {
			delete(l.buckets, k)
		}
	}
}

// Sweep drops buckets untouched past the TTL to bound memory.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.ttl)
	removed := 0

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		b.mu.Lock()
		stale := b.lastTouched.Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(l.buckets, k)
			removed++
		}
	}
	return removed
}

// Run drives the periodic sweep until the context is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.sweepEach)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("Rate limit buckets swept", "removed", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// BucketCount reports how many live buckets exist, for the health endpoint.
func (l *Limiter) BucketCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/intruder1912/mcp-loxone-sub001/internal/loxerr"
	"github.com/intruder1912/mcp-loxone-sub001/internal/model"
)

// LimiterConfig carries the defaults from the `rate_limit.*` config keys
// (SPEC_FULL.md §6.3) plus the penalty knobs §4.8 names but does not expose
// through config: violation threshold, penalty factor, penalty duration.
type LimiterConfig struct {
	Capacity        float64
	RefillPerSec    float64
	ViolationWindow time.Duration // sliding window violations are counted over
	ViolationMax    int           // violations beyond this trigger a penalty
	PenaltyFactor   float64       // refill rate multiplier while penalized
	PenaltyDuration time.Duration
}

func (c LimiterConfig) withDefaults() LimiterConfig {
	if c.Capacity <= 0 {
		c.Capacity = 10
	}
	if c.RefillPerSec <= 0 {
		c.RefillPerSec = 1
	}
	if c.ViolationWindow <= 0 {
		c.ViolationWindow = time.Minute
	}
	if c.ViolationMax <= 0 {
		c.ViolationMax = 5
	}
	if c.PenaltyFactor <= 0 {
		c.PenaltyFactor = 0.25
	}
	if c.PenaltyDuration <= 0 {
		c.PenaltyDuration = 5 * time.Minute
	}
	return c
}

// bucket is the x/time/rate limiter plus the violation bookkeeping the bare
// limiter doesn't track — SPEC_FULL.md §11 notes the primitive is composed,
// not used as-is.
type bucket struct {
	limiter             *rate.Limiter
	violations          int
	violationWindowOpen time.Time
	penalizedUntil      time.Time
}

// Limiter is a per-identity token-bucket rate limiter with penalty decay
// (C9, SPEC_FULL.md §4.8).
type Limiter struct {
	cfg LimiterConfig

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLimiter constructs a Limiter from the engine's rate-limit config.
func NewLimiter(cfg LimiterConfig) *Limiter {
	cfg = cfg.withDefaults()
	return &Limiter{cfg: cfg, buckets: make(map[string]*bucket)}
}

func (l *Limiter) bucketFor(identity string) *bucket {
	b, ok := l.buckets[identity]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.RefillPerSec), int(l.cfg.Capacity))}
		l.buckets[identity] = b
	}
	return b
}

// liftExpiredPenalty reverts a bucket's refill rate once now has passed its
// PenalizedUntil deadline. Called lazily from Allow rather than on a timer,
// so the decision is a pure function of (identity, now) and replays
// deterministically under test.
func (l *Limiter) liftExpiredPenalty(b *bucket, now time.Time) {
	if !b.penalizedUntil.IsZero() && !now.Before(b.penalizedUntil) {
		b.limiter.SetLimitAt(now, rate.Limit(l.cfg.RefillPerSec))
		b.penalizedUntil = time.Time{}
		b.violations = 0
	}
}

// Allow checks whether identity may spend cost tokens at now. On denial it
// returns a *loxerr.Error of kind RateLimited carrying a retry-after hint; on
// repeated denial within the violation window it applies the penalty decay
// to the bucket's refill rate for PenaltyDuration.
func (l *Limiter) Allow(identity string, now time.Time, cost float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketFor(identity)
	l.liftExpiredPenalty(b, now)

	if b.limiter.AllowN(now, int(cost)) {
		return nil
	}

	if b.violationWindowOpen.IsZero() || now.Sub(b.violationWindowOpen) > l.cfg.ViolationWindow {
		b.violationWindowOpen = now
		b.violations = 0
	}
	b.violations++

	retryAfter := cost / l.cfg.RefillPerSec
	if b.violations > l.cfg.ViolationMax && b.penalizedUntil.IsZero() {
		b.penalizedUntil = now.Add(l.cfg.PenaltyDuration)
		b.limiter.SetLimitAt(now, rate.Limit(l.cfg.RefillPerSec*l.cfg.PenaltyFactor))
		b.limiter.SetBurstAt(now, int(l.cfg.Capacity))
	}
	if !b.penalizedUntil.IsZero() {
		retryAfter = l.cfg.PenaltyDuration.Seconds()
	}

	return loxerr.New(loxerr.KindRateLimited, "rate limit exceeded").WithRetryAfter(retryAfter)
}

// Snapshot returns the observable state of identity's bucket for
// metrics/audit/testing, per model.RateLimitBucket.
func (l *Limiter) Snapshot(identity string, now time.Time) model.RateLimitBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[identity]
	if !ok {
		return model.RateLimitBucket{Identity: identity, Capacity: l.cfg.Capacity, RefillPerSec: l.cfg.RefillPerSec}
	}
	return model.RateLimitBucket{
		Identity:       identity,
		Capacity:       l.cfg.Capacity,
		RefillPerSec:   float64(b.limiter.Limit()),
		Violations:     b.violations,
		PenalizedUntil: b.penalizedUntil,
		LastCheckedAt:  now,
	}
}

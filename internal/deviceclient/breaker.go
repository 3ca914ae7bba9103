package deviceclient

import (
	"errors"
	"sync"
	"time"

	"github.com/intruder1912/mcp-loxone-sub001/internal/loxerr"
)

// BreakerState mirrors the closed/open/half-open machine from SPEC_FULL.md
// §4.9.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

// BreakerConfig controls the breaker's thresholds.
type BreakerConfig struct {
	FailureThreshold int           // consecutive non-4xx failures before opening; default 5
	OpenDuration     time.Duration // how long the breaker stays open before probing; default 30s
}

// DefaultBreakerConfig matches SPEC_FULL.md §4.2's defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, OpenDuration: 30 * time.Second}
}

// Breaker is a per-host circuit breaker. A 4xx failure never counts toward
// the threshold — only network errors, timeouts and 5xx do, per §4.2.
type Breaker struct {
	cfg BreakerConfig

	mu            sync.Mutex
	state         BreakerState
	consecutive   int
	openedAt      time.Time
	halfOpenTried bool
}

// NewBreaker constructs a closed Breaker. A zero FailureThreshold falls back
// to DefaultBreakerConfig.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultBreakerConfig()
	}
	return &Breaker{cfg: cfg}
}

// Allow reports whether a call may proceed, transitioning Open→HalfOpen
// once the open duration has elapsed so exactly one probe gets through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cfg.OpenDuration {
			return false
		}
		b.state = BreakerHalfOpen
		b.halfOpenTried = false
		fallthrough
	case BreakerHalfOpen:
		if b.halfOpenTried {
			return false
		}
		b.halfOpenTried = true
		return true
	}
	return false
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.consecutive = 0
}

// RecordFailure counts the failure toward the open threshold unless it is a
// 4xx-class error, which never trips the breaker (SPEC_FULL.md §4.2).
func (b *Breaker) RecordFailure(err error) {
	if isClientError(err) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = time.Now()
		return
	}
	b.consecutive++
	if b.consecutive >= b.cfg.FailureThreshold {
		b.state = BreakerOpen
		b.openedAt = time.Now()
	}
}

// RetryAfterSeconds estimates the remaining open duration, for RateLimited-
// style backoff hints surfaced to callers.
func (b *Breaker) RetryAfterSeconds() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return 0
	}
	remaining := b.cfg.OpenDuration - time.Since(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining.Seconds()
}

// State returns the breaker's current lifecycle state, for engine.Health()
// reporting (SPEC_FULL.md §4.9).
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func isClientError(err error) bool {
	var lerr *loxerr.Error
	if !errors.As(err, &lerr) {
		return false
	}
	return lerr.Kind == loxerr.KindHTTPStatus && lerr.StatusCode >= 400 && lerr.StatusCode < 500
}

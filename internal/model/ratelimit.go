package model

import "time"

// RateLimitBucket holds the token-bucket state for one identity. See
// SPEC_FULL.md §3 and §4.8. The actual refill math lives in
// internal/security, which wraps golang.org/x/time/rate; this struct is the
// observable state exposed for metrics/audit/testing.
type RateLimitBucket struct {
	Identity      string
	Capacity      float64
	RefillPerSec  float64
	Violations    int
	PenalizedUntil time.Time
	LastCheckedAt time.Time
}

// Penalized reports whether the bucket is currently under penalty decay.
func (b RateLimitBucket) Penalized(now time.Time) bool {
	return now.Before(b.PenalizedUntil)
}

// CoalescingKey is the canonical fingerprint of a read-only request: method
// name plus ordered, normalized arguments. See SPEC_FULL.md §3 and §4.6.
type CoalescingKey string

// NewCoalescingKey builds a CoalescingKey from a method name and a
// pre-normalized argument string (callers are responsible for canonical
// ordering; the string is used as given).
func NewCoalescingKey(method, normalizedArgs string) CoalescingKey {
	return CoalescingKey(method + "?" + normalizedArgs)
}

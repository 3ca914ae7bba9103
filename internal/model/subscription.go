package model

import (
	"regexp"
	"sync/atomic"
)

// SubscriptionState is the lifecycle state of a Subscription. See
// SPEC_FULL.md §4.9.
type SubscriptionState int32

const (
	SubscriptionActive SubscriptionState = iota
	SubscriptionDegraded
	SubscriptionClosed
)

// Subscription is a caller-owned handle receiving StateUpdates whose
// composite key ("{device_name}|{room_name}|{state_name}|{category}") matches
// a compiled regex filter, delivered on a bounded mailbox. See
// SPEC_FULL.md §3 and §4.5.
type Subscription struct {
	ID      string
	Filter  *regexp.Regexp
	Mailbox chan StateUpdate

	state     atomic.Int32
	dropCount atomic.Uint64
}

// NewSubscription constructs a Subscription with the given filter and
// mailbox capacity.
func NewSubscription(id string, filter *regexp.Regexp, mailboxCapacity int) *Subscription {
	return &Subscription{
		ID:      id,
		Filter:  filter,
		Mailbox: make(chan StateUpdate, mailboxCapacity),
	}
}

// Matches reports whether the composite key matches this subscription's filter.
func (s *Subscription) Matches(compositeKey string) bool {
	return s.Filter.MatchString(compositeKey)
}

// State returns the current lifecycle state.
func (s *Subscription) State() SubscriptionState {
	return SubscriptionState(s.state.Load())
}

// MarkDegraded transitions the subscription to Degraded; idempotent.
func (s *Subscription) MarkDegraded() {
	s.state.CompareAndSwap(int32(SubscriptionActive), int32(SubscriptionDegraded))
}

// Close transitions the subscription to Closed; idempotent.
func (s *Subscription) Close() {
	s.state.Store(int32(SubscriptionClosed))
}

// DropCount returns the number of updates dropped due to mailbox pressure.
func (s *Subscription) DropCount() uint64 {
	return s.dropCount.Load()
}

// IncrementDrops increments the drop counter and returns the new total.
func (s *Subscription) IncrementDrops() uint64 {
	return s.dropCount.Add(1)
}

package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intruder1912/mcp-loxone-sub001/internal/loxerr"
)

func TestLimiterAllowsUpToCapacityThenRejects(t *testing.T) {
	l := NewLimiter(LimiterConfig{Capacity: 10, RefillPerSec: 1})
	now := time.Unix(1000, 0)

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Allow("id-1", now, 1))
	}

	err := l.Allow("id-1", now, 1)
	require.Error(t, err)
	require.Equal(t, loxerr.KindRateLimited, loxerr.KindOf(err))

	var lerr *loxerr.Error
	require.ErrorAs(t, err, &lerr)
	require.GreaterOrEqual(t, lerr.RetryAfter, 1.0)
}

func TestLimiterRefillsAfterIdlePeriod(t *testing.T) {
	l := NewLimiter(LimiterConfig{Capacity: 10, RefillPerSec: 1})
	now := time.Unix(1000, 0)
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Allow("id-1", now, 1))
	}
	require.Error(t, l.Allow("id-1", now, 1))

	later := now.Add(10 * time.Second)
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Allow("id-1", later, 1))
	}
}

func TestLimiterAppliesPenaltyAfterRepeatedViolations(t *testing.T) {
	l := NewLimiter(LimiterConfig{
		Capacity: 1, RefillPerSec: 1,
		ViolationWindow: time.Minute, ViolationMax: 2,
		PenaltyFactor: 0.25, PenaltyDuration: 5 * time.Minute,
	})
	now := time.Unix(2000, 0)

	require.NoError(t, l.Allow("id-2", now, 1))
	require.Error(t, l.Allow("id-2", now, 1))
	require.Error(t, l.Allow("id-2", now, 1))
	err := l.Allow("id-2", now, 1)
	require.Error(t, err)

	snap := l.Snapshot("id-2", now)
	require.Equal(t, 0.25, snap.RefillPerSec)
	require.True(t, snap.Penalized(now))
	require.False(t, snap.Penalized(now.Add(6*time.Minute)))
}

func TestLimiterLiftsPenaltyAfterDuration(t *testing.T) {
	l := NewLimiter(LimiterConfig{
		Capacity: 1, RefillPerSec: 1,
		ViolationWindow: time.Minute, ViolationMax: 1,
		PenaltyFactor: 0.25, PenaltyDuration: time.Minute,
	})
	now := time.Unix(3000, 0)

	require.NoError(t, l.Allow("id-3", now, 1))
	require.Error(t, l.Allow("id-3", now, 1))
	require.Error(t, l.Allow("id-3", now, 1))

	snap := l.Snapshot("id-3", now)
	require.Equal(t, 0.25, snap.RefillPerSec)

	after := now.Add(2 * time.Minute)
	require.NoError(t, l.Allow("id-3", after, 1))
	snap = l.Snapshot("id-3", after)
	require.Equal(t, 1.0, snap.RefillPerSec)
	require.Equal(t, 0, snap.Violations)
}

func TestLimiterTracksIdentitiesIndependently(t *testing.T) {
	l := NewLimiter(LimiterConfig{Capacity: 1, RefillPerSec: 1})
	now := time.Unix(4000, 0)
	require.NoError(t, l.Allow("a", now, 1))
	require.Error(t, l.Allow("a", now, 1))
	require.NoError(t, l.Allow("b", now, 1))
}

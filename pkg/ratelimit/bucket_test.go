package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test that a fresh bucket starts full and drains by cost.
func TestTokenBucket_DrainAndReject(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(testConfig(), WithClock(clock.Now))

	// free tier: burst 5, per-second 100 -> refill rate 20/s.
	for i := 4; i >= 0; i-- {
		d := l.CheckTokenBucket("client-1", "free", 1)
		require.True(t, d.Allowed)
		assert.Equal(t, i, d.Tokens)
	}

	d := l.CheckTokenBucket("client-1", "free", 1)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonInsufficientTokens, d.Reason)
	assert.Equal(t, 0, d.Tokens)
	assert.Equal(t, time.Second, d.RefillIn)
	assert.Equal(t, time.Second, d.RetryAfter)
}

// Test lazy refill: tokens come back after whole elapsed seconds, capped at
// the burst capacity.
func TestTokenBucket_Refill(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(testConfig(), WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		require.True(t, l.CheckTokenBucket("client-1", "free", 1).Allowed)
	}
	require.False(t, l.CheckTokenBucket("client-1", "free", 1).Allowed)

	// Sub-second elapse refills nothing.
	clock.Advance(900 * time.Millisecond)
	require.False(t, l.CheckTokenBucket("client-1", "free", 1).Allowed)

	// A full second refills up to capacity (rate 20 > capacity 5).
	clock.Advance(100 * time.Millisecond)
	d := l.CheckTokenBucket("client-1", "free", 1)
	require.True(t, d.Allowed)
	assert.Equal(t, 4, d.Tokens)
}

// Test that a multi-token cost drains at once and reports the wait to cover
// the deficit.
func TestTokenBucket_Cost(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(testConfig(), WithClock(clock.Now))

	d := l.CheckTokenBucket("client-1", "free", 4)
	require.True(t, d.Allowed)
	assert.Equal(t, 1, d.Tokens)

	d = l.CheckTokenBucket("client-1", "free", 4)
	assert.False(t, d.Allowed)
	assert.Equal(t, 1, d.Tokens)
	// Deficit 3 at rate 20/s rounds up to one second.
	assert.Equal(t, time.Second, d.RefillIn)
}

// Test that a non-positive cost is treated as one token.
func TestTokenBucket_ZeroCost(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(testConfig(), WithClock(clock.Now))

	d := l.CheckTokenBucket("client-1", "free", 0)
	require.True(t, d.Allowed)
	assert.Equal(t, 4, d.Tokens)
}

// Test that bucket state is independent of the sliding windows: exhausting
// the bucket leaves window admission untouched.
func TestTokenBucket_IndependentOfWindows(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(testConfig(), WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		require.True(t, l.CheckTokenBucket("client-1", "free", 1).Allowed)
	}
	require.False(t, l.CheckTokenBucket("client-1", "free", 1).Allowed)

	assert.True(t, l.Check("client-1", "free", "").Allowed)
}

// Test capacity fallback when a tier defines no burst size: five seconds of
// refill rate.
func TestTokenBucket_DefaultCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.Tiers["basic"] = TierLimits{PerSecond: 10, PerMinute: 100, PerHour: 1000, PerDay: 10000}
	clock := newTestClock()
	l := newTestLimiter(cfg, WithClock(clock.Now))

	// rate = 10/5 = 2, capacity = 2*5 = 10.
	d := l.CheckTokenBucket("client-1", "basic", 10)
	require.True(t, d.Allowed)
	assert.Equal(t, 0, d.Tokens)
}

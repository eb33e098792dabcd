package ratelimit

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a mutable clock for driving windows, bans and decay.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memorySink collects published events for assertions.
type memorySink struct {
	mu     sync.Mutex
	events []string
	data   []map[string]any
}

func (s *memorySink) Publish(ctx context.Context, eventType string, data map[string]any) {
	s.mu.Lock()
	s.events = append(s.events, eventType)
	s.data = append(s.data, data)
	s.mu.Unlock()
}

func testConfig() Config {
	return Config{
		DefaultTier: "free",
		Tiers: map[string]TierLimits{
			"free": {PerSecond: 100, PerMinute: 3, PerHour: 1000, PerDay: 10000, BurstSize: 5},
			"pro":  {PerSecond: 100, PerMinute: 50, PerHour: 5000, PerDay: 50000, BurstSize: 50},
		},
		BanThreshold:      3,
		PermaBanThreshold: 6,
		TempBanDuration:   time.Hour,
		DecayPerHour:      1,
		IdleEviction:      time.Hour,
	}
}

func newTestLimiter(cfg Config, opts ...Option) *Limiter {
	return New(cfg, log.NewStdLogger(os.Stdout), opts...)
}

// Test the sliding minute window: requests up to the limit are admitted,
// the next is rejected with the violated window's retry hint.
func TestCheck_MinuteWindow(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(testConfig(), WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		d := l.Check("client-1", "free", "")
		require.True(t, d.Allowed, "request %d should be admitted", i+1)
	}

	d := l.Check("client-1", "free", "")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRateLimitExceeded, d.Reason)
	assert.Equal(t, "minute", d.Window)
	assert.Equal(t, 3, d.Limit)
	assert.Equal(t, time.Minute, d.RetryAfter)
	assert.Equal(t, clock.Now().Add(time.Minute), d.Reset)
}

// Test that Remaining counts down against the most constrained window.
func TestCheck_RemainingCountdown(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(testConfig(), WithClock(clock.Now))

	d := l.Check("client-1", "free", "")
	assert.Equal(t, 2, d.Remaining)
	d = l.Check("client-1", "free", "")
	assert.Equal(t, 1, d.Remaining)
	d = l.Check("client-1", "free", "")
	assert.Equal(t, 0, d.Remaining)
}

// Test that an elapsed window readmits the caller.
func TestCheck_WindowElapses(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(testConfig(), WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		require.True(t, l.Check("client-1", "free", "").Allowed)
	}
	require.False(t, l.Check("client-1", "free", "").Allowed)

	clock.Advance(61 * time.Second)
	assert.True(t, l.Check("client-1", "free", "").Allowed)
}

// Test that identifiers have independent budgets.
func TestCheck_IndependentIdentifiers(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(testConfig(), WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		require.True(t, l.Check("client-1", "free", "").Allowed)
	}
	require.False(t, l.Check("client-1", "free", "").Allowed)

	assert.True(t, l.Check("client-2", "free", "").Allowed)
}

// Test that an unknown tier falls back to the default tier's limits.
func TestCheck_UnknownTierFallsBack(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(testConfig(), WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		require.True(t, l.Check("client-1", "mystery", "").Allowed)
	}
	d := l.Check("client-1", "mystery", "")
	assert.False(t, d.Allowed)
	assert.Equal(t, 3, d.Limit)
}

// Test endpoint overrides: stricter limits for a named endpoint, tracked on
// a separate identifier+endpoint budget.
func TestCheck_EndpointOverride(t *testing.T) {
	cfg := testConfig()
	cfg.EndpointOverrides = map[string]map[string]TierLimits{
		"/api/v1/trades": {"free": {PerMinute: 1}},
	}
	clock := newTestClock()
	l := newTestLimiter(cfg, WithClock(clock.Now))

	d := l.Check("client-1", "free", "/api/v1/trades")
	require.True(t, d.Allowed)

	d = l.Check("client-1", "free", "/api/v1/trades")
	assert.False(t, d.Allowed)
	assert.Equal(t, "minute", d.Window)
	assert.Equal(t, 1, d.Limit)

	// The global budget for the same identifier is untouched.
	assert.True(t, l.Check("client-1", "free", "").Allowed)
}

// Test the full ban escalation path: violations to temporary ban to
// permanent ban, with events published at each escalation.
func TestCheck_BanEscalation(t *testing.T) {
	clock := newTestClock()
	sink := &memorySink{}
	l := newTestLimiter(testConfig(), WithClock(clock.Now), WithEventSink(sink))

	// Exhaust the minute window, then pile up violations.
	for i := 0; i < 3; i++ {
		require.True(t, l.Check("abuser", "free", "").Allowed)
	}
	for i := 0; i < 2; i++ {
		d := l.Check("abuser", "free", "")
		require.False(t, d.Allowed)
		require.False(t, d.Banned)
	}

	// Third violation crosses the ban threshold.
	d := l.Check("abuser", "free", "")
	require.False(t, d.Allowed)

	banned, reason, expires := l.BanStatus("abuser")
	require.True(t, banned)
	assert.Equal(t, ReasonTemporaryBan, reason)
	assert.Equal(t, clock.Now().Add(time.Hour), expires)

	// While temp-banned: short-circuit rejection, counting continues.
	d = l.Check("abuser", "free", "")
	assert.True(t, d.Banned)
	assert.Equal(t, ReasonTemporaryBan, d.Reason)
	assert.Equal(t, time.Hour, d.RetryAfter)

	// Violations 5 and 6: the sixth crosses the permanent threshold even
	// though the temporary ban has not expired.
	_ = l.Check("abuser", "free", "")
	d = l.Check("abuser", "free", "")
	assert.True(t, d.Banned)

	banned, reason, _ = l.BanStatus("abuser")
	require.True(t, banned)
	assert.Equal(t, ReasonPermanentBan, reason)

	d = l.Check("abuser", "free", "")
	assert.Equal(t, ReasonPermanentBan, d.Reason)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 2)
	assert.Equal(t, EventBanned, sink.events[0])
	assert.Equal(t, false, sink.data[0]["permanent"])
	assert.Equal(t, EventBanned, sink.events[1])
	assert.Equal(t, true, sink.data[1]["permanent"])
}

// Test that an expired temporary ban stops blocking checks.
func TestCheck_TempBanExpires(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(testConfig(), WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		require.True(t, l.Check("abuser", "free", "").Allowed)
	}
	for i := 0; i < 3; i++ {
		require.False(t, l.Check("abuser", "free", "").Allowed)
	}
	banned, _, _ := l.BanStatus("abuser")
	require.True(t, banned)

	clock.Advance(61 * time.Minute)
	banned, _, _ = l.BanStatus("abuser")
	assert.False(t, banned)
	assert.True(t, l.Check("abuser", "free", "").Allowed)
}

// Test administrative unban: clears the ban and the violation record, and
// publishes an unban event.
func TestUnban(t *testing.T) {
	clock := newTestClock()
	sink := &memorySink{}
	l := newTestLimiter(testConfig(), WithClock(clock.Now), WithEventSink(sink))

	for i := 0; i < 3; i++ {
		require.True(t, l.Check("abuser", "free", "").Allowed)
	}
	for i := 0; i < 3; i++ {
		require.False(t, l.Check("abuser", "free", "").Allowed)
	}
	banned, _, _ := l.BanStatus("abuser")
	require.True(t, banned)

	assert.True(t, l.Unban("abuser"))
	banned, _, _ = l.BanStatus("abuser")
	assert.False(t, banned)
	_, hasRecord := l.Violations("abuser")
	assert.False(t, hasRecord)

	// Unbanning a clean identifier reports false.
	assert.False(t, l.Unban("abuser"))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Contains(t, sink.events, EventUnbanned)
}

// Test the sweep: hourly decay, expired ban clearing, and idle eviction.
func TestSweep(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(testConfig(), WithClock(clock.Now))

	// Two violations, no ban yet.
	for i := 0; i < 3; i++ {
		require.True(t, l.Check("client-1", "free", "").Allowed)
	}
	for i := 0; i < 2; i++ {
		require.False(t, l.Check("client-1", "free", "").Allowed)
	}
	rec, ok := l.Violations("client-1")
	require.True(t, ok)
	require.Equal(t, 2, rec.Count)

	// One elapsed hour decays one violation; the idle window entry and
	// any idle buckets are evicted on the same sweep.
	clock.Advance(90 * time.Minute)
	evicted := l.Sweep()
	assert.GreaterOrEqual(t, evicted, 1)

	rec, ok = l.Violations("client-1")
	require.True(t, ok)
	assert.Equal(t, 1, rec.Count)

	// A second sweep over the same elapsed hour must not decay again.
	l.Sweep()
	rec, _ = l.Violations("client-1")
	assert.Equal(t, 1, rec.Count)

	// Another hour drains the count; the record is evicted.
	clock.Advance(time.Hour)
	l.Sweep()
	_, ok = l.Violations("client-1")
	assert.False(t, ok)
}

// Test that a sweep clears an expired temporary ban.
func TestSweep_ClearsExpiredBan(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(testConfig(), WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		require.True(t, l.Check("abuser", "free", "").Allowed)
	}
	for i := 0; i < 3; i++ {
		require.False(t, l.Check("abuser", "free", "").Allowed)
	}
	rec, _ := l.Violations("abuser")
	require.True(t, rec.Banned)

	clock.Advance(2 * time.Hour)
	l.Sweep()

	rec, ok := l.Violations("abuser")
	if ok {
		assert.False(t, rec.Banned)
	}
	banned, _, _ := l.BanStatus("abuser")
	assert.False(t, banned)
}

// Test limiter-wide counters.
func TestStats(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(testConfig(), WithClock(clock.Now))

	require.True(t, l.Check("client-1", "free", "").Allowed)
	require.True(t, l.Check("client-2", "free", "").Allowed)
	for i := 0; i < 2; i++ {
		l.Check("client-1", "free", "")
	}
	require.False(t, l.Check("client-1", "free", "").Allowed)

	stats := l.Stats()
	assert.Equal(t, int64(4), stats.Allowed)
	assert.Equal(t, int64(1), stats.Denied)
	assert.Equal(t, 2, stats.ActiveEntries)
	assert.Equal(t, 1, stats.ViolationRecords)
}

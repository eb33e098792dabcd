// Package ratelimit implements in-memory admission control for callers
// identified by API key, client ID, or address.
//
// Two independent gates are provided: a four-window sliding counter
// (second/minute/hour/day) and a per-identifier token bucket for burst-cost
// actions. Callers compose them as needed; neither implies the other.
// Rejections are routine outcomes and are reported as structured Decisions,
// never as errors. Repeated rejections escalate through temporary to
// permanent bans.
//
// State lives in process memory only. The maps are Redis-ready in shape
// (timestamp logs and counters keyed by identifier) but no distributed
// backend is wired.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

// Rejection reasons surfaced to the HTTP layer.
const (
	ReasonRateLimitExceeded  = "rate_limit_exceeded"
	ReasonTemporaryBan       = "temporary_ban"
	ReasonPermanentBan       = "permanent_ban"
	ReasonInsufficientTokens = "insufficient_tokens"
)

// Event types published on ban escalation and administrative unban.
const (
	// EventBanned is published on temporary and permanent bans; the
	// payload carries a "permanent" flag.
	EventBanned = "ratelimit.banned"
	// EventUnbanned is published on explicit administrative unban.
	EventUnbanned = "ratelimit.unbanned"
)

// The four nested windows, smallest first.
var windowDefs = []struct {
	name string
	dur  time.Duration
}{
	{"second", time.Second},
	{"minute", time.Minute},
	{"hour", time.Hour},
	{"day", 24 * time.Hour},
}

// EventSink receives limiter domain events.
type EventSink interface {
	Publish(ctx context.Context, eventType string, data map[string]any)
}

// TierLimits holds the per-window thresholds for one tier. A zero threshold
// means the window is unlimited.
type TierLimits struct {
	PerSecond int `json:"per_second"`
	PerMinute int `json:"per_minute"`
	PerHour   int `json:"per_hour"`
	PerDay    int `json:"per_day"`
	// BurstSize is the token bucket capacity for this tier.
	BurstSize int `json:"burst_size"`
}

func (t TierLimits) limitFor(window string) int {
	switch window {
	case "second":
		return t.PerSecond
	case "minute":
		return t.PerMinute
	case "hour":
		return t.PerHour
	case "day":
		return t.PerDay
	}
	return 0
}

// merge layers non-zero override fields on top of the base limits.
func (t TierLimits) merge(override TierLimits) TierLimits {
	if override.PerSecond > 0 {
		t.PerSecond = override.PerSecond
	}
	if override.PerMinute > 0 {
		t.PerMinute = override.PerMinute
	}
	if override.PerHour > 0 {
		t.PerHour = override.PerHour
	}
	if override.PerDay > 0 {
		t.PerDay = override.PerDay
	}
	if override.BurstSize > 0 {
		t.BurstSize = override.BurstSize
	}
	return t
}

// Config holds limiter settings. Zero values fall back to defaults.
type Config struct {
	// Tiers maps tier name to its window thresholds.
	Tiers map[string]TierLimits
	// EndpointOverrides maps endpoint name to per-tier overrides layered
	// on top of the tier defaults.
	EndpointOverrides map[string]map[string]TierLimits
	// DefaultTier is used when a caller's tier is unknown.
	DefaultTier string
	// BanThreshold is the violation count triggering a temporary ban.
	BanThreshold int
	// PermaBanThreshold is the total violation count triggering a
	// permanent ban.
	PermaBanThreshold int
	// TempBanDuration is the length of a temporary ban.
	TempBanDuration time.Duration
	// DecayPerHour is the violation count decayed per elapsed hour.
	DecayPerHour int
	// MaxViolationHistory bounds per-identifier violation history.
	MaxViolationHistory int
	// IdleEviction is how long an untouched entry survives sweeps.
	IdleEviction time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tiers == nil {
		c.Tiers = map[string]TierLimits{}
	}
	if c.DefaultTier == "" {
		c.DefaultTier = "free"
	}
	if c.BanThreshold <= 0 {
		c.BanThreshold = 10
	}
	if c.PermaBanThreshold <= 0 {
		c.PermaBanThreshold = 50
	}
	if c.TempBanDuration <= 0 {
		c.TempBanDuration = time.Hour
	}
	if c.DecayPerHour <= 0 {
		c.DecayPerHour = 1
	}
	if c.MaxViolationHistory <= 0 {
		c.MaxViolationHistory = 100
	}
	if c.IdleEviction <= 0 {
		c.IdleEviction = time.Hour
	}
	return c
}

// Decision is the structured outcome of an admission check. Rejections
// carry a machine-readable Reason instead of an error so the HTTP layer can
// form a response without a type switch.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	Banned     bool          `json:"banned"`
	Window     string        `json:"window,omitempty"`
	Limit      int           `json:"limit,omitempty"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Reset      time.Time     `json:"reset,omitempty"`
	// Tokens and RefillIn are set by token bucket checks only.
	Tokens   int           `json:"tokens,omitempty"`
	RefillIn time.Duration `json:"refill_in,omitempty"`
}

// Stats holds limiter-wide counters and sizes.
type Stats struct {
	Allowed          int64 `json:"allowed"`
	Denied           int64 `json:"denied"`
	TempBans         int64 `json:"temp_bans"`
	PermaBans        int64 `json:"perma_bans"`
	ActiveEntries    int   `json:"active_entries"`
	ActiveBuckets    int   `json:"active_buckets"`
	ViolationRecords int   `json:"violation_records"`
	PermanentBanSet  int   `json:"permanent_ban_set"`
}

// entry is the per-key sliding window state: one monotonically ordered
// timestamp log per window.
type entry struct {
	windows    map[string][]time.Time
	lastAccess time.Time
}

// Limiter is the in-memory admission gate. All methods are safe for
// concurrent use.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
	buckets map[string]*tokenBucket

	allowed   int64
	denied    int64
	tempBans  int64
	permaBans int64

	violations *violationTracker

	logger *log.Helper
	sink   EventSink
	now    func() time.Time
}

// Option customizes a limiter.
type Option func(*Limiter)

// WithEventSink wires the sink receiving ban and unban events.
func WithEventSink(sink EventSink) Option {
	return func(l *Limiter) { l.sink = sink }
}

// WithClock overrides the limiter clock. Tests use it to drive windows,
// refills and decay.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter.
func New(cfg Config, logger log.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:     cfg.withDefaults(),
		entries: make(map[string]*entry),
		buckets: make(map[string]*tokenBucket),
		logger:  log.NewHelper(logger),
		now:     time.Now,
	}
	l.violations = newViolationTracker(l.cfg)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check runs the sliding-window admission gate for one request. endpoint is
// optional; when set, the request counts against the identifier+endpoint key
// and endpoint threshold overrides apply.
func (l *Limiter) Check(identifier, tier, endpoint string) Decision {
	now := l.now()

	// Ban short-circuit before any window math.
	if banned, permanent, expires := l.violations.banStatus(identifier, now); banned {
		l.mu.Lock()
		l.denied++
		l.mu.Unlock()
		if permanent {
			// Permanently banned identifiers bypass all further counting.
			return Decision{Banned: true, Reason: ReasonPermanentBan}
		}
		// Counting continues while temp-banned so a persistent offender
		// still reaches the permanent threshold.
		l.recordViolation(identifier, now)
		return Decision{
			Banned:     true,
			Reason:     ReasonTemporaryBan,
			RetryAfter: expires.Sub(now),
			Reset:      expires,
		}
	}

	limits := l.limitsFor(tier, endpoint)
	key := identifier
	if endpoint != "" {
		key = identifier + "|" + endpoint
	}

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{windows: make(map[string][]time.Time, len(windowDefs))}
		l.entries[key] = e
	}
	e.lastAccess = now

	// Prune each window, then look for violations.
	var (
		violated   bool
		worst      string
		worstLimit int
		retryAfter time.Duration
	)
	for _, w := range windowDefs {
		ts := pruneBefore(e.windows[w.name], now.Add(-w.dur))
		e.windows[w.name] = ts

		limit := limits.limitFor(w.name)
		if limit <= 0 || len(ts) < limit {
			continue
		}
		// The reported retry-after is the largest among violated
		// windows: the caller must wait for the longest constraint.
		wait := ts[0].Add(w.dur).Sub(now)
		if !violated || wait > retryAfter {
			retryAfter = wait
			worst = w.name
			worstLimit = limit
		}
		violated = true
	}

	if violated {
		l.denied++
		l.mu.Unlock()

		l.recordViolation(identifier, now)
		return Decision{
			Reason:     ReasonRateLimitExceeded,
			Window:     worst,
			Limit:      worstLimit,
			RetryAfter: retryAfter,
			Reset:      now.Add(retryAfter),
		}
	}

	// Admit: append now to every window list and derive header values
	// from the most constrained window.
	remaining := -1
	reset := now
	for _, w := range windowDefs {
		e.windows[w.name] = append(e.windows[w.name], now)

		limit := limits.limitFor(w.name)
		if limit <= 0 {
			continue
		}
		left := limit - len(e.windows[w.name])
		if remaining < 0 || left < remaining {
			remaining = left
			reset = e.windows[w.name][0].Add(w.dur)
		}
	}
	if remaining < 0 {
		remaining = 0
	}
	l.allowed++
	l.mu.Unlock()

	return Decision{Allowed: true, Remaining: remaining, Reset: reset}
}

// recordViolation counts a denied check and publishes escalation events.
func (l *Limiter) recordViolation(identifier string, now time.Time) {
	outcome, rec := l.violations.record(identifier, now)

	switch outcome {
	case banTemporary:
		l.mu.Lock()
		l.tempBans++
		l.mu.Unlock()
		l.logger.Warnw(
			"msg", "identifier temporarily banned",
			"identifier", identifier,
			"violations", rec.Count,
			"ban_expires", rec.BanExpires,
		)
		l.publish(EventBanned, map[string]any{
			"identifier": identifier,
			"permanent":  false,
			"violations": rec.Count,
			"expires":    rec.BanExpires,
		})
	case banPermanent:
		l.mu.Lock()
		l.permaBans++
		l.mu.Unlock()
		l.logger.Warnw(
			"msg", "identifier permanently banned",
			"identifier", identifier,
			"violations", rec.Count,
		)
		l.publish(EventBanned, map[string]any{
			"identifier": identifier,
			"permanent":  true,
			"violations": rec.Count,
		})
	}
}

// Unban is an explicit administrative action clearing both the
// permanent-ban set entry and the violation record.
func (l *Limiter) Unban(identifier string) bool {
	wasBanned := l.violations.unban(identifier)
	if wasBanned {
		l.logger.Infow("msg", "identifier unbanned", "identifier", identifier)
		l.publish(EventUnbanned, map[string]any{"identifier": identifier})
	}
	return wasBanned
}

// BanStatus reports the active ban for an identifier and its reason.
func (l *Limiter) BanStatus(identifier string) (banned bool, reason string, expires time.Time) {
	b, permanent, exp := l.violations.banStatus(identifier, l.now())
	if !b {
		return false, "", time.Time{}
	}
	if permanent {
		return true, ReasonPermanentBan, time.Time{}
	}
	return true, ReasonTemporaryBan, exp
}

// Violations returns a copy of the violation record for an identifier.
func (l *Limiter) Violations(identifier string) (ViolationRecord, bool) {
	return l.violations.snapshot(identifier)
}

// Sweep decays violation counts, clears expired temporary bans, and evicts
// idle window entries and buckets. The cron scheduler calls this on a fixed
// interval. Returns the number of evicted objects.
func (l *Limiter) Sweep() int {
	now := l.now()
	evicted := l.violations.sweep(now)

	cutoff := now.Add(-l.cfg.IdleEviction)

	l.mu.Lock()
	// Copy keys before deleting to avoid mutating mid-traversal.
	staleEntries := make([]string, 0)
	for k, e := range l.entries {
		if e.lastAccess.Before(cutoff) {
			staleEntries = append(staleEntries, k)
		}
	}
	for _, k := range staleEntries {
		delete(l.entries, k)
	}

	staleBuckets := make([]string, 0)
	for k, b := range l.buckets {
		if b.lastAccess.Before(cutoff) {
			staleBuckets = append(staleBuckets, k)
		}
	}
	for _, k := range staleBuckets {
		delete(l.buckets, k)
	}
	l.mu.Unlock()

	evicted += len(staleEntries) + len(staleBuckets)
	if evicted > 0 {
		l.logger.Debugw("msg", "limiter sweep completed", "evicted", evicted)
	}
	return evicted
}

// Stats returns a snapshot of limiter counters and map sizes.
func (l *Limiter) Stats() Stats {
	records, permaSet := l.violations.counts()

	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Allowed:          l.allowed,
		Denied:           l.denied,
		TempBans:         l.tempBans,
		PermaBans:        l.permaBans,
		ActiveEntries:    len(l.entries),
		ActiveBuckets:    len(l.buckets),
		ViolationRecords: records,
		PermanentBanSet:  permaSet,
	}
}

// limitsFor resolves the effective thresholds for a tier, layering endpoint
// overrides on top of tier defaults.
func (l *Limiter) limitsFor(tier, endpoint string) TierLimits {
	base, ok := l.cfg.Tiers[tier]
	if !ok {
		base = l.cfg.Tiers[l.cfg.DefaultTier]
	}
	if endpoint != "" {
		if byTier, ok := l.cfg.EndpointOverrides[endpoint]; ok {
			if override, ok := byTier[tier]; ok {
				base = base.merge(override)
			}
		}
	}
	return base
}

func (l *Limiter) publish(eventType string, data map[string]any) {
	if l.sink == nil {
		return
	}
	l.sink.Publish(context.Background(), eventType, data)
}

// pruneBefore drops timestamps older than the cutoff. The input is
// time-ordered, so this is a prefix cut.
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(ts) && !ts[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return ts
	}
	return append(ts[:0], ts[idx:]...)
}

package ratelimit

import (
	"time"
)

// tokenBucket is the per-identifier burst admission state. It lives in a
// separate namespace from the sliding windows: the two gates are independent
// and composable, with no prescribed combination.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	lastRefill time.Time
	lastAccess time.Time
}

// refill adds floor(elapsedMs/1000) * rate tokens, capped at capacity. The
// sub-second remainder stays banked in lastRefill so no refill time is lost.
func (b *tokenBucket) refill(now time.Time, rate int) {
	elapsed := now.Sub(b.lastRefill)
	whole := elapsed / time.Second
	if whole <= 0 {
		return
	}
	b.tokens += int(whole) * rate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = b.lastRefill.Add(whole * time.Second)
}

// CheckTokenBucket runs the token bucket admission gate. cost is the token
// price of the action (minimum 1). The refill rate is a fixed fraction (1/5)
// of the tier's per-second limit, never below one token per second.
func (l *Limiter) CheckTokenBucket(identifier, tier string, cost int) Decision {
	if cost <= 0 {
		cost = 1
	}

	now := l.now()
	limits := l.limitsFor(tier, "")

	rate := limits.PerSecond / 5
	if rate < 1 {
		rate = 1
	}
	capacity := limits.BurstSize
	if capacity <= 0 {
		capacity = rate * 5
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[identifier]
	if !ok {
		// New buckets start full.
		b = &tokenBucket{tokens: capacity, maxTokens: capacity, lastRefill: now}
		l.buckets[identifier] = b
	}
	b.maxTokens = capacity
	b.lastAccess = now
	b.refill(now, rate)

	if b.tokens >= cost {
		b.tokens -= cost
		l.allowed++
		return Decision{Allowed: true, Tokens: b.tokens, Remaining: b.tokens}
	}

	deficit := cost - b.tokens
	refillSecs := (deficit + rate - 1) / rate
	refillIn := time.Duration(refillSecs) * time.Second

	l.denied++
	return Decision{
		Reason:     ReasonInsufficientTokens,
		Tokens:     b.tokens,
		RefillIn:   refillIn,
		RetryAfter: refillIn,
		Reset:      now.Add(refillIn),
	}
}

package biz

import (
	"context"
	"time"

	"Breakwater/internal/data"
	"Breakwater/pkg/breaker"
	"Breakwater/pkg/eventbus"
	"Breakwater/pkg/ratelimit"

	"github.com/go-kratos/kratos/v2/log"
)

// BanStatus is the admin view of an identifier's ban state.
type BanStatus struct {
	Identifier string    `json:"identifier"`
	Banned     bool      `json:"banned"`
	Reason     string    `json:"reason,omitempty"`
	Expires    time.Time `json:"expires,omitempty"`
	Violations int       `json:"violations"`
}

// AdminUsecase serves the operator surface: breaker inspection and overrides,
// ban management, limiter and bus statistics, and the recent event feed.
// Read paths are served through the snapshot cache.
type AdminUsecase struct {
	registry *breaker.Registry
	limiter  *ratelimit.Limiter
	bus      *eventbus.Bus
	cache    data.CacheClient
	audit    AuditLogger
	logger   *log.Helper
}

// NewAdminUsecase creates the admin use case.
func NewAdminUsecase(registry *breaker.Registry, limiter *ratelimit.Limiter, bus *eventbus.Bus, d *data.Data, audit AuditLogger, logger log.Logger) *AdminUsecase {
	return &AdminUsecase{
		registry: registry,
		limiter:  limiter,
		bus:      bus,
		cache:    d.GetCache(),
		audit:    audit,
		logger:   log.NewHelper(logger),
	}
}

// Breakers returns stats for every registered breaker, served from the
// snapshot cache when fresh.
func (uc *AdminUsecase) Breakers(ctx context.Context) []breaker.Stats {
	var stats []breaker.Stats
	if err := uc.cache.Get(ctx, data.CacheKeyBreakers, &stats); err == nil {
		return stats
	}

	stats = uc.registry.Snapshot()
	if err := uc.cache.Set(ctx, data.CacheKeyBreakers, stats, data.TTLSnapshot); err != nil {
		uc.logger.Warnw("msg", "failed to cache breaker snapshot", "error", err)
	}
	return stats
}

// Breaker returns stats for a single breaker. The bool reports whether a
// breaker with that name is registered.
func (uc *AdminUsecase) Breaker(ctx context.Context, name string) (breaker.Stats, bool) {
	cb, ok := uc.registry.Lookup(name)
	if !ok {
		return breaker.Stats{}, false
	}
	return cb.Stats(), true
}

// ResetBreaker clears a breaker back to CLOSED with empty counters, records
// the operator in the audit trail, and invalidates the snapshot. Returns
// false when no breaker with that name exists.
func (uc *AdminUsecase) ResetBreaker(ctx context.Context, name string, operatorID int64) bool {
	cb, ok := uc.registry.Lookup(name)
	if !ok {
		return false
	}

	cb.Reset()
	uc.audit.LogCircuitReset(ctx, name, operatorID)
	uc.invalidateBreakers(ctx)

	uc.logger.Infow(
		"msg", "circuit breaker reset by operator",
		"circuit", name,
		"operator_id", operatorID,
	)
	return true
}

// ForceOpenBreaker pins a breaker OPEN for maintenance windows. The state
// change itself is audited through the event bus subscription.
func (uc *AdminUsecase) ForceOpenBreaker(ctx context.Context, name string) bool {
	cb, ok := uc.registry.Lookup(name)
	if !ok {
		return false
	}
	cb.ForceOpen()
	uc.invalidateBreakers(ctx)
	return true
}

// ForceCloseBreaker forces a breaker back to CLOSED without clearing its
// history.
func (uc *AdminUsecase) ForceCloseBreaker(ctx context.Context, name string) bool {
	cb, ok := uc.registry.Lookup(name)
	if !ok {
		return false
	}
	cb.ForceClose()
	uc.invalidateBreakers(ctx)
	return true
}

// LimiterStats returns limiter counters, served from the snapshot cache when
// fresh.
func (uc *AdminUsecase) LimiterStats(ctx context.Context) ratelimit.Stats {
	var stats ratelimit.Stats
	if err := uc.cache.Get(ctx, data.CacheKeyLimiter, &stats); err == nil {
		return stats
	}

	stats = uc.limiter.Stats()
	if err := uc.cache.Set(ctx, data.CacheKeyLimiter, stats, data.TTLSnapshot); err != nil {
		uc.logger.Warnw("msg", "failed to cache limiter snapshot", "error", err)
	}
	return stats
}

// BanStatus reports the current ban state for an identifier.
func (uc *AdminUsecase) BanStatus(ctx context.Context, identifier string) BanStatus {
	banned, reason, expires := uc.limiter.BanStatus(identifier)
	status := BanStatus{
		Identifier: identifier,
		Banned:     banned,
		Reason:     reason,
		Expires:    expires,
	}
	if rec, ok := uc.limiter.Violations(identifier); ok {
		status.Violations = rec.Count
	}
	return status
}

// Unban lifts a temporary or permanent ban and records the operator. Returns
// false when the identifier was not banned.
func (uc *AdminUsecase) Unban(ctx context.Context, identifier string, operatorID int64) bool {
	if !uc.limiter.Unban(identifier) {
		return false
	}

	uc.audit.LogIdentifierUnbanned(ctx, identifier, operatorID)
	if err := uc.cache.Delete(ctx, data.CacheKeyLimiter); err != nil {
		uc.logger.Warnw("msg", "failed to invalidate limiter snapshot", "error", err)
	}

	uc.logger.Infow(
		"msg", "identifier unbanned by operator",
		"identifier", identifier,
		"operator_id", operatorID,
	)
	return true
}

// Events returns the most recent events of the given type, newest first.
// An empty type returns events of all types.
func (uc *AdminUsecase) Events(ctx context.Context, eventType string, limit int) []eventbus.Event {
	return uc.bus.History(eventType, limit)
}

// BusStats returns the event bus dispatch counters.
func (uc *AdminUsecase) BusStats(ctx context.Context) eventbus.Stats {
	return uc.bus.Stats()
}

func (uc *AdminUsecase) invalidateBreakers(ctx context.Context) {
	if err := uc.cache.Delete(ctx, data.CacheKeyBreakers); err != nil {
		uc.logger.Warnw("msg", "failed to invalidate breaker snapshot", "error", err)
	}
}

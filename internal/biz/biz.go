// Package biz contains business logic layer implementations.
// This layer composes the resilience primitives (breaker registry, rate
// limiter, event bus) and wires them to the audit sink.
package biz

import (
	"context"

	"Breakwater/internal/conf"
	"Breakwater/internal/data"
	"Breakwater/pkg/breaker"
	"Breakwater/pkg/eventbus"
	"Breakwater/pkg/ratelimit"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewEventBus,
	NewBreakerRegistry,
	NewRateLimiter,
	NewGuardUsecase,
	NewAdminUsecase,
	// Bind data layer implementations to biz layer interfaces
	wire.Bind(new(AuditLogger), new(*data.AuditLoggerImpl)),
)

// busSink adapts the event bus to the EventSink interfaces expected by the
// breaker and limiter packages. Dispatch results are dropped here; handler
// failures are already isolated and logged by the bus itself.
type busSink struct {
	bus *eventbus.Bus
}

// Publish implements breaker.EventSink and ratelimit.EventSink.
func (s busSink) Publish(ctx context.Context, eventType string, data map[string]any) {
	_, _ = s.bus.Publish(ctx, eventType, data)
}

// NewEventBus builds the process-wide event bus from configuration.
func NewEventBus(rc *conf.Resilience, logger log.Logger) *eventbus.Bus {
	cfg := eventbus.Config{}
	if rc != nil && rc.EventBus != nil {
		cfg.MaxHandlersPerType = int(rc.EventBus.MaxHandlersPerType)
		cfg.HistorySize = int(rc.EventBus.HistorySize)
		cfg.MaxPublishPerSecond = int(rc.EventBus.MaxPublishPerSecond)
		cfg.HandlerTimeout = rc.EventBus.HandlerTimeout.AsDuration()
	}
	return eventbus.New(cfg, logger)
}

// NewBreakerRegistry builds the breaker registry with defaults from
// configuration, publishing state changes on the event bus.
func NewBreakerRegistry(rc *conf.Resilience, bus *eventbus.Bus, logger log.Logger) *breaker.Registry {
	defaults := breaker.Config{}
	if rc != nil && rc.Breaker != nil {
		defaults = breaker.Config{
			FailureThreshold: int(rc.Breaker.FailureThreshold),
			SuccessThreshold: int(rc.Breaker.SuccessThreshold),
			OpenDuration:     rc.Breaker.OpenDuration.AsDuration(),
			CallTimeout:      rc.Breaker.CallTimeout.AsDuration(),
			MaxConcurrent:    int(rc.Breaker.MaxConcurrent),
			MaxQueueDepth:    int(rc.Breaker.MaxQueueDepth),
		}
	}
	return breaker.NewRegistry(defaults, logger, breaker.WithRegistrySink(busSink{bus: bus}))
}

// NewRateLimiter builds the rate limiter from configuration, publishing ban
// escalations on the event bus.
func NewRateLimiter(rc *conf.Resilience, bus *eventbus.Bus, logger log.Logger) *ratelimit.Limiter {
	cfg := ratelimit.Config{}
	if rc != nil && rc.RateLimit != nil {
		rl := rc.RateLimit
		cfg = ratelimit.Config{
			DefaultTier:       rl.DefaultTier,
			Tiers:             convertTiers(rl.Tiers),
			BanThreshold:      int(rl.BanThreshold),
			PermaBanThreshold: int(rl.PermaBanThreshold),
			TempBanDuration:   rl.TempBanDuration.AsDuration(),
			DecayPerHour:      int(rl.DecayPerHour),
			IdleEviction:      rl.IdleEviction.AsDuration(),
		}
		if len(rl.EndpointOverrides) > 0 {
			cfg.EndpointOverrides = make(map[string]map[string]ratelimit.TierLimits, len(rl.EndpointOverrides))
			for endpoint, byTier := range rl.EndpointOverrides {
				cfg.EndpointOverrides[endpoint] = convertTiers(byTier)
			}
		}
	}
	return ratelimit.New(cfg, logger, ratelimit.WithEventSink(busSink{bus: bus}))
}

func convertTiers(in map[string]*conf.Resilience_TierLimits) map[string]ratelimit.TierLimits {
	out := make(map[string]ratelimit.TierLimits, len(in))
	for name, t := range in {
		if t == nil {
			continue
		}
		out[name] = ratelimit.TierLimits{
			PerSecond: int(t.PerSecond),
			PerMinute: int(t.PerMinute),
			PerHour:   int(t.PerHour),
			PerDay:    int(t.PerDay),
			BurstSize: int(t.BurstSize),
		}
	}
	return out
}

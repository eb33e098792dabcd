package biz

import (
	"context"

	"Breakwater/pkg/breaker"
	"Breakwater/pkg/eventbus"
	"Breakwater/pkg/ratelimit"

	"github.com/go-kratos/kratos/v2/log"
)

// GuardRequest identifies one protected call: who is calling (identifier,
// tier), what they hit (endpoint), and which downstream dependency the call
// goes to. Cost > 0 additionally applies the token bucket gate.
type GuardRequest struct {
	Identifier string
	Tier       string
	Endpoint   string
	Dependency string
	Cost       int
}

// GuardUsecase is the composition root for protected outbound calls: rate
// limiter admission in front, circuit breaker + bulkhead around the call,
// event bus fan-out and audit trail behind.
type GuardUsecase struct {
	registry *breaker.Registry
	limiter  *ratelimit.Limiter
	bus      *eventbus.Bus
	audit    AuditLogger
	logger   *log.Helper
}

// NewGuardUsecase creates the guard use case and subscribes the audit trail
// to the resilience events.
func NewGuardUsecase(registry *breaker.Registry, limiter *ratelimit.Limiter, bus *eventbus.Bus, audit AuditLogger, logger log.Logger) (*GuardUsecase, error) {
	uc := &GuardUsecase{
		registry: registry,
		limiter:  limiter,
		bus:      bus,
		audit:    audit,
		logger:   log.NewHelper(logger),
	}
	if err := uc.subscribeAudit(); err != nil {
		return nil, err
	}
	return uc, nil
}

// subscribeAudit wires the audit sink to the domain events. High priority so
// the audit record lands before lower-priority consumers run.
func (uc *GuardUsecase) subscribeAudit() error {
	if _, err := uc.bus.Subscribe(breaker.EventStateChanged, func(ctx context.Context, evt eventbus.Event) error {
		uc.audit.LogCircuitStateChanged(ctx,
			dataString(evt.Data, "circuit"),
			dataString(evt.Data, "from"),
			dataString(evt.Data, "to"),
			dataString(evt.Data, "reason"))
		return nil
	}, eventbus.WithPriority(100)); err != nil {
		return err
	}

	if _, err := uc.bus.Subscribe(ratelimit.EventBanned, func(ctx context.Context, evt eventbus.Event) error {
		permanent, _ := evt.Data["permanent"].(bool)
		uc.audit.LogIdentifierBanned(ctx,
			dataString(evt.Data, "identifier"),
			permanent,
			dataInt(evt.Data, "violations"))
		return nil
	}, eventbus.WithPriority(100)); err != nil {
		return err
	}

	if _, err := uc.bus.Subscribe(ratelimit.EventUnbanned, func(ctx context.Context, evt eventbus.Event) error {
		uc.audit.LogIdentifierUnbanned(ctx, dataString(evt.Data, "identifier"), 0)
		return nil
	}, eventbus.WithPriority(100)); err != nil {
		return err
	}

	return nil
}

// Allow runs the sliding-window admission gate for one request.
func (uc *GuardUsecase) Allow(ctx context.Context, identifier, tier, endpoint string) ratelimit.Decision {
	return uc.limiter.Check(identifier, tier, endpoint)
}

// AllowBurst runs the token bucket gate for a cost-priced action. The two
// gates are independent; callers pick one, the other, or both.
func (uc *GuardUsecase) AllowBurst(ctx context.Context, identifier, tier string, cost int) ratelimit.Decision {
	return uc.limiter.CheckTokenBucket(identifier, tier, cost)
}

// Call executes op through the named dependency's breaker, creating the
// breaker with registry defaults on first use.
func (uc *GuardUsecase) Call(ctx context.Context, dependency string, op breaker.Operation) (any, error) {
	return uc.registry.Get(dependency).Execute(ctx, op)
}

// Execute runs the full guarded pipeline: sliding window, optional token
// bucket, then the breaker-protected call. A denied Decision short-circuits
// the call; the error reports breaker-side failures only.
func (uc *GuardUsecase) Execute(ctx context.Context, req GuardRequest, op breaker.Operation) (any, ratelimit.Decision, error) {
	decision := uc.limiter.Check(req.Identifier, req.Tier, req.Endpoint)
	if !decision.Allowed {
		uc.logger.Debugw(
			"msg", "guarded call denied by rate limiter",
			"identifier", req.Identifier,
			"reason", decision.Reason,
		)
		return nil, decision, nil
	}

	if req.Cost > 0 {
		burst := uc.limiter.CheckTokenBucket(req.Identifier, req.Tier, req.Cost)
		if !burst.Allowed {
			return nil, burst, nil
		}
	}

	v, err := uc.registry.Get(req.Dependency).Execute(ctx, op)
	return v, decision, err
}

func dataString(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func dataInt(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Package service exposes the admin HTTP surface for the resilience
// subsystem: breaker inspection and overrides, ban management, and the
// recent event feed.
package service

import (
	"strconv"

	"Breakwater/internal/biz"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/google/wire"
)

// ProviderSet is service providers.
var ProviderSet = wire.NewSet(NewResilienceService)

// ResilienceService handles the operator endpoints. All routes return JSON.
type ResilienceService struct {
	admin  *biz.AdminUsecase
	guard  *biz.GuardUsecase
	logger *log.Helper
}

// NewResilienceService creates the admin service.
func NewResilienceService(admin *biz.AdminUsecase, guard *biz.GuardUsecase, logger log.Logger) *ResilienceService {
	return &ResilienceService{
		admin:  admin,
		guard:  guard,
		logger: log.NewHelper(logger),
	}
}

// RegisterRoutes mounts the admin routes on the HTTP server.
func (s *ResilienceService) RegisterRoutes(srv *http.Server) {
	r := srv.Route("/admin/resilience")
	r.GET("/breakers", s.listBreakers)
	r.GET("/breakers/{name}", s.getBreaker)
	r.POST("/breakers/{name}/reset", s.resetBreaker)
	r.POST("/breakers/{name}/force-open", s.forceOpenBreaker)
	r.POST("/breakers/{name}/force-close", s.forceCloseBreaker)
	r.GET("/ratelimit/stats", s.limiterStats)
	r.GET("/ratelimit/bans/{identifier}", s.banStatus)
	r.POST("/ratelimit/unban", s.unban)
	r.POST("/ratelimit/check", s.checkLimit)
	r.GET("/events", s.listEvents)
	r.GET("/events/stats", s.busStats)
}

func (s *ResilienceService) listBreakers(ctx http.Context) error {
	return ctx.Result(200, map[string]any{
		"breakers": s.admin.Breakers(ctx),
	})
}

func (s *ResilienceService) getBreaker(ctx http.Context) error {
	name := ctx.Vars().Get("name")
	stats, ok := s.admin.Breaker(ctx, name)
	if !ok {
		return errors.NotFound("BREAKER_NOT_FOUND", "no circuit breaker named "+name)
	}
	return ctx.Result(200, stats)
}

// operatorRequest carries the acting operator for audited mutations.
type operatorRequest struct {
	OperatorID int64 `json:"operatorId"`
}

func (s *ResilienceService) resetBreaker(ctx http.Context) error {
	name := ctx.Vars().Get("name")

	var req operatorRequest
	if err := ctx.Bind(&req); err != nil {
		return errors.BadRequest("INVALID_BODY", "invalid request body")
	}

	if !s.admin.ResetBreaker(ctx, name, req.OperatorID) {
		return errors.NotFound("BREAKER_NOT_FOUND", "no circuit breaker named "+name)
	}
	return ctx.Result(200, map[string]any{"reset": true, "name": name})
}

func (s *ResilienceService) forceOpenBreaker(ctx http.Context) error {
	name := ctx.Vars().Get("name")
	if !s.admin.ForceOpenBreaker(ctx, name) {
		return errors.NotFound("BREAKER_NOT_FOUND", "no circuit breaker named "+name)
	}
	return ctx.Result(200, map[string]any{"state": "OPEN", "name": name})
}

func (s *ResilienceService) forceCloseBreaker(ctx http.Context) error {
	name := ctx.Vars().Get("name")
	if !s.admin.ForceCloseBreaker(ctx, name) {
		return errors.NotFound("BREAKER_NOT_FOUND", "no circuit breaker named "+name)
	}
	return ctx.Result(200, map[string]any{"state": "CLOSED", "name": name})
}

func (s *ResilienceService) limiterStats(ctx http.Context) error {
	return ctx.Result(200, s.admin.LimiterStats(ctx))
}

func (s *ResilienceService) banStatus(ctx http.Context) error {
	identifier := ctx.Vars().Get("identifier")
	return ctx.Result(200, s.admin.BanStatus(ctx, identifier))
}

// unbanRequest lifts a ban for the given identifier.
type unbanRequest struct {
	Identifier string `json:"identifier"`
	OperatorID int64  `json:"operatorId"`
}

func (s *ResilienceService) unban(ctx http.Context) error {
	var req unbanRequest
	if err := ctx.Bind(&req); err != nil {
		return errors.BadRequest("INVALID_BODY", "invalid request body")
	}
	if req.Identifier == "" {
		return errors.BadRequest("MISSING_IDENTIFIER", "identifier is required")
	}

	if !s.admin.Unban(ctx, req.Identifier, req.OperatorID) {
		return errors.NotFound("NOT_BANNED", "identifier is not banned")
	}
	return ctx.Result(200, map[string]any{"unbanned": true})
}

// checkRequest is a diagnostic admission check. It runs the real gates and
// consumes quota for the identifier.
type checkRequest struct {
	Identifier string `json:"identifier"`
	Tier       string `json:"tier"`
	Endpoint   string `json:"endpoint"`
	Cost       int    `json:"cost"`
}

func (s *ResilienceService) checkLimit(ctx http.Context) error {
	var req checkRequest
	if err := ctx.Bind(&req); err != nil {
		return errors.BadRequest("INVALID_BODY", "invalid request body")
	}
	if req.Identifier == "" {
		return errors.BadRequest("MISSING_IDENTIFIER", "identifier is required")
	}

	if req.Cost > 0 {
		return ctx.Result(200, s.guard.AllowBurst(ctx, req.Identifier, req.Tier, req.Cost))
	}
	return ctx.Result(200, s.guard.Allow(ctx, req.Identifier, req.Tier, req.Endpoint))
}

func (s *ResilienceService) listEvents(ctx http.Context) error {
	query := ctx.Query()
	eventType := query.Get("type")

	limit := 50
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return errors.BadRequest("INVALID_LIMIT", "limit must be a positive integer")
		}
		limit = n
	}

	return ctx.Result(200, map[string]any{
		"events": s.admin.Events(ctx, eventType, limit),
	})
}

func (s *ResilienceService) busStats(ctx http.Context) error {
	return ctx.Result(200, s.admin.BusStats(ctx))
}

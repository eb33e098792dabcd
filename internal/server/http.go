// Package server assembles the Kratos transport servers.
package server

import (
	"strings"

	"Breakwater/internal/conf"
	"Breakwater/internal/server/middleware"
	"Breakwater/internal/service"
	pkglog "Breakwater/pkg/log"
	"Breakwater/pkg/ratelimit"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/google/wire"
)

// ProviderSet is server providers.
var ProviderSet = wire.NewSet(NewHTTPServer, NewCronServer)

// NewHTTPServer new an HTTP server.
func NewHTTPServer(c *conf.Server, limiter *ratelimit.Limiter, resilienceService *service.ResilienceService, logger log.Logger) *http.Server {
	logHelper := pkglog.NewLogHelper(logger)

	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
			middleware.Logging(logHelper),
			middleware.RateLimit(limiter, logHelper, middleware.RateLimitOptions{
				// The operator surface and health probe bypass rate limiting.
				Skip: func(req *http.Request) bool {
					return req.URL.Path == "/healthz" ||
						strings.HasPrefix(req.URL.Path, "/admin/")
				},
			}),
		),
	}
	if c.Http.Network != "" {
		opts = append(opts, http.Network(c.Http.Network))
	}
	if c.Http.Addr != "" {
		opts = append(opts, http.Address(c.Http.Addr))
	}
	if c.Http.Timeout != nil {
		opts = append(opts, http.Timeout(c.Http.Timeout.AsDuration()))
	}
	srv := http.NewServer(opts...)

	resilienceService.RegisterRoutes(srv)

	srv.Route("/").GET("/healthz", func(ctx http.Context) error {
		return ctx.Result(200, map[string]string{"status": "ok"})
	})

	return srv
}

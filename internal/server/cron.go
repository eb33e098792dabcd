package server

import (
	"context"

	"Breakwater/pkg/breaker"
	"Breakwater/pkg/ratelimit"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

// CronServer runs the background maintenance sweeps as a Kratos transport
// server so its lifecycle is tied to the application.
//
// Jobs:
//   - every minute: rate limiter sweep (window pruning, ban expiry,
//     violation decay, idle eviction)
//   - every 5 minutes: breaker call-history pruning
type CronServer struct {
	c      *cron.Cron
	helper *log.Helper
}

// NewCronServer registers the maintenance jobs. Registration errors are
// returned rather than deferred to Start; a sweep that never runs would
// leak limiter state.
func NewCronServer(limiter *ratelimit.Limiter, registry *breaker.Registry, logger log.Logger) (*CronServer, error) {
	helper := log.NewHelper(logger)

	c := cron.New(cron.WithSeconds())

	if _, err := c.AddFunc("0 * * * * *", func() {
		evicted := limiter.Sweep()
		if evicted > 0 {
			helper.Debugw(
				"msg", "rate limiter sweep completed",
				"evicted", evicted,
			)
		}
	}); err != nil {
		return nil, err
	}

	if _, err := c.AddFunc("0 */5 * * * *", func() {
		pruned := registry.PruneAll()
		if pruned > 0 {
			helper.Debugw(
				"msg", "breaker history pruned",
				"records", pruned,
			)
		}
	}); err != nil {
		return nil, err
	}

	return &CronServer{c: c, helper: helper}, nil
}

// Start implements transport.Server.
func (s *CronServer) Start(ctx context.Context) error {
	s.c.Start()
	s.helper.Info("maintenance cron started: limiter sweep every minute, breaker prune every 5 minutes")
	return nil
}

// Stop implements transport.Server. Blocks until running jobs finish.
func (s *CronServer) Stop(ctx context.Context) error {
	stopCtx := s.c.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	s.helper.Info("maintenance cron stopped")
	return nil
}

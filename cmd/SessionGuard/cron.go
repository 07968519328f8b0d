package main

import (
	"context"
	"fmt"
	"time"

	"SessionGuard/internal/biz"
	"SessionGuard/internal/conf"
	pkglog "SessionGuard/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

const (
	defaultCacheSweepSpec     = "*/30 * * * * *"
	defaultHealthReportSpec   = "0 * * * * *"
	defaultSessionRefreshSpec = "0 */5 * * * *"

	sessionRefreshTimeout = 2 * time.Minute
)

// jobScheduler runs the periodic maintenance jobs. It implements the kratos
// transport.Server interface so the app starts and stops it with the HTTP server.
type jobScheduler struct {
	cron   *cron.Cron
	logger *pkglog.LogHelper
}

// newScheduler registers the cache sweep, health report and proactive
// session refresh jobs. Specs use the seconds field.
func newScheduler(c *conf.Jobs, guard *biz.Guard, task *biz.SessionRefreshTask, logger log.Logger) (*jobScheduler, error) {
	helper := pkglog.NewLogHelper(log.With(logger, "module", "cmd/cron"))
	sweepSpec, healthSpec, refreshSpec := defaultCacheSweepSpec, defaultHealthReportSpec, defaultSessionRefreshSpec
	if c != nil {
		if c.CacheSweep != "" {
			sweepSpec = c.CacheSweep
		}
		if c.HealthReport != "" {
			healthSpec = c.HealthReport
		}
		if c.SessionRefresh != "" {
			refreshSpec = c.SessionRefresh
		}
	}

	cr := cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))

	// 清理过期缓存
	if _, err := cr.AddFunc(sweepSpec, func() {
		if n := guard.SweepCache(); n > 0 {
			st := guard.CacheStats()
			helper.CacheStats("local", st.Size, st.Capacity, int64(st.Hits), int64(st.Misses), int64(st.Evictions), "purged", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("failed to register cache sweep job %q: %w", sweepSpec, err)
	}

	// 健康评分报告
	if _, err := cr.AddFunc(healthSpec, func() {
		guard.ReportHealth(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("failed to register health report job %q: %w", healthSpec, err)
	}

	// 会话临近过期时提前刷新
	if _, err := cr.AddFunc(refreshSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sessionRefreshTimeout)
		defer cancel()

		refreshed, err := task.RefreshExpiringSession(ctx)
		switch {
		case err != nil:
			helper.Errorw("msg", "session refresh job failed", "error", err)
		case refreshed:
			helper.Scheduler("session refreshed ahead of expiry")
		}
	}); err != nil {
		return nil, fmt.Errorf("failed to register session refresh job %q: %w", refreshSpec, err)
	}

	return &jobScheduler{cron: cr, logger: helper}, nil
}

// Start implements transport.Server.
func (s *jobScheduler) Start(context.Context) error {
	s.cron.Start()
	s.logger.Scheduler("maintenance jobs started", "jobs", len(s.cron.Entries()))
	return nil
}

// Stop implements transport.Server and waits for running jobs.
func (s *jobScheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Scheduler("maintenance jobs stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

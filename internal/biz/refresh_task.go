package biz

import (
	"context"
	"fmt"
	"time"

	"SessionGuard/internal/conf"
	"SessionGuard/internal/model"
	"SessionGuard/pkg/clock"

	"github.com/go-kratos/kratos/v2/log"
)

const defaultRefreshWindow = 10 * time.Minute

// SessionRefreshTask Token 自动刷新任务
type SessionRefreshTask struct {
	session *SessionValidator
	window  time.Duration
	clock   clock.Clock
	logger  *log.Helper
}

// NewSessionRefreshTask 创建 Token 刷新任务
func NewSessionRefreshTask(c *conf.Jobs, session *SessionValidator, clk clock.Clock, logger log.Logger) *SessionRefreshTask {
	window := defaultRefreshWindow
	if c != nil && c.RefreshWindow > 0 {
		window = c.RefreshWindow
	}
	return &SessionRefreshTask{
		session: session,
		window:  window,
		clock:   clk,
		logger:  log.NewHelper(log.With(logger, "module", "biz/refresh_task")),
	}
}

// RefreshExpiringSession 刷新即将过期的会话 Token
// 只在 window 内过期时刷新，返回是否发起了刷新
func (t *SessionRefreshTask) RefreshExpiringSession(ctx context.Context) (bool, error) {
	s := t.session.Current()
	if s == nil {
		t.logger.Debugw("msg", "no session to refresh")
		return false, nil
	}
	if s.ExpiresAt.IsZero() || s.ExpiresAt.Sub(t.clock.Now()) > t.window {
		return false, nil
	}

	t.logger.Infow("msg", "session token expiring soon, refreshing",
		"user_id", s.UserID,
		"expires_at", s.ExpiresAt,
		"window", t.window.String())

	out, err := t.session.Refresh(ctx)
	if err != nil {
		return true, fmt.Errorf("failed to refresh session: %w", err)
	}
	if out.Mode == model.SessionModeDegraded {
		return true, fmt.Errorf("session refresh degraded: %w", out.Err)
	}

	t.logger.Infow("msg", "session token refreshed ahead of expiry",
		"user_id", s.UserID,
		"new_expires_at", out.Session.ExpiresAt)
	return true, nil
}

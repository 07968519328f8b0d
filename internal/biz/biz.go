// Package biz contains the resilience layer: circuit breaker, retry
// executor, performance recorder, session validator and health aggregator.
package biz

import (
	"SessionGuard/internal/conf"
	"SessionGuard/internal/data"
	"SessionGuard/pkg/clock"
	"SessionGuard/pkg/token"

	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewCircuitBreaker,
	NewPerformanceRecorder,
	NewRetryExecutor,
	NewSessionValidator,
	NewSessionRefreshTask,
	NewGuard,
	NewTokenParser,
	NewClock,
	// Bind data layer implementations to biz layer interfaces
	wire.Bind(new(AuthService), new(*data.HTTPAuthClient)),
	wire.Bind(new(SessionStore), new(*data.RedisSessionStore)),
	wire.Bind(new(Cache), new(*data.LocalCache[any])),
	wire.Bind(new(AuditLogger), new(*data.AuditLoggerImpl)),
	wire.Bind(new(EventNotifier), new(*data.LogNotifier)),
)

// NewTokenParser creates the session token parser from the JWT settings.
func NewTokenParser(c *conf.Auth) *token.Parser {
	if c == nil || c.Jwt == nil {
		return token.NewParser("", "")
	}
	return token.NewParser(c.Jwt.Secret, c.Jwt.Issuer)
}

// NewClock returns the wall clock.
func NewClock() clock.Clock {
	return clock.NewRealClock()
}

package biz

import (
	"context"

	"SessionGuard/internal/model"
	"SessionGuard/pkg/clock"
	pkglog "SessionGuard/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// Guard is the entry point the application uses: session operations plus
// the diagnostics of the resilience layer behind them.
type Guard struct {
	breaker  *CircuitBreaker
	recorder *PerformanceRecorder
	session  *SessionValidator
	cache    Cache
	clock    clock.Clock
	logger   *pkglog.LogHelper
}

// NewGuard wires the components together and routes circuit transitions
// to the audit trail and the notifier.
func NewGuard(
	breaker *CircuitBreaker,
	recorder *PerformanceRecorder,
	session *SessionValidator,
	cache Cache,
	audit AuditLogger,
	notifier EventNotifier,
	clk clock.Clock,
	logger log.Logger,
) *Guard {
	g := &Guard{
		breaker:  breaker,
		recorder: recorder,
		session:  session,
		cache:    cache,
		clock:    clk,
		logger:   pkglog.NewLogHelper(log.With(logger, "module", "biz/guard")),
	}
	breaker.AddListener(&circuitEvents{audit: audit, notifier: notifier, logger: g.logger})
	return g
}

// Login authenticates and makes the result the current session.
func (g *Guard) Login(ctx context.Context, creds model.Credentials) (*model.Session, error) {
	return g.session.Login(ctx, creds)
}

// Logout destroys the session at the user's request.
func (g *Guard) Logout(ctx context.Context) {
	g.session.Logout(ctx)
}

// Restore reloads the persisted session, if any.
func (g *Guard) Restore(ctx context.Context) (*model.Session, error) {
	return g.session.Restore(ctx)
}

// GetValidSession returns the session once known to be valid.
func (g *Guard) GetValidSession(ctx context.Context) (SessionOutcome, error) {
	return g.session.GetValidSession(ctx)
}

// Refresh renews the session, sharing any in-flight refresh.
func (g *Guard) Refresh(ctx context.Context) (SessionOutcome, error) {
	return g.session.Refresh(ctx)
}

// Profile returns the signed-in user's profile.
func (g *Guard) Profile(ctx context.Context) (*model.Profile, error) {
	return g.session.Profile(ctx)
}

// EnsureProfileConsistency re-synchronizes profile with the session token.
func (g *Guard) EnsureProfileConsistency(ctx context.Context, profile *model.Profile) (*model.Profile, error) {
	return g.session.EnsureProfileConsistency(ctx, profile)
}

// SessionStatus returns the validator state.
func (g *Guard) SessionStatus() SessionStatus {
	return g.session.Status()
}

// Overview returns the recorder overview.
func (g *Guard) Overview() PerformanceOverview {
	return g.recorder.Overview()
}

// StatsFor returns the stats of one operation.
func (g *Guard) StatsFor(operation string) OperationStats {
	return g.recorder.StatsFor(operation)
}

// Operations lists the operations with records.
func (g *Guard) Operations() []string {
	return g.recorder.Operations()
}

// Circuits returns the breaker snapshot.
func (g *Guard) Circuits() []CircuitSnapshot {
	return g.breaker.Snapshot()
}

// CacheStats returns the bounded cache counters.
func (g *Guard) CacheStats() model.CacheStats {
	return g.cache.Stats()
}

// Health computes the current health signal.
func (g *Guard) Health() HealthSnapshot {
	return ComputeHealth(HealthInput{
		Circuits:    g.breaker.Snapshot(),
		Performance: g.recorder.Overview(),
		Session:     g.session.Status(),
	}, g.clock.Now())
}

// ClearAll resets cache, breaker, recorder and session.
func (g *Guard) ClearAll(ctx context.Context) {
	g.session.Clear(ctx)
	g.cache.Clear()
	g.breaker.Clear()
	g.recorder.Clear()
	g.logger.Infow("msg", "resilience state cleared")
}

// SweepCache purges expired cache entries.
func (g *Guard) SweepCache() int {
	n := g.cache.Sweep()
	if n > 0 {
		g.logger.Debugw("msg", "cache sweep", "purged", n)
	}
	return n
}

// ReportHealth logs the current health signal and returns it.
func (g *Guard) ReportHealth(ctx context.Context) HealthSnapshot {
	h := g.Health()
	if !h.NeedsAttention {
		g.logger.WithContext(ctx).Debugw("msg", "health ok", "score", h.Score)
		return h
	}
	g.logger.Health(h.Score, h.Issues, "critical", h.Critical, "recommendations", h.Recommendations)
	return h
}

// circuitEvents forwards breaker transitions to the audit trail and notifier.
type circuitEvents struct {
	audit    AuditLogger
	notifier EventNotifier
	logger   *pkglog.LogHelper
}

func (e *circuitEvents) OnCircuitOpened(event model.CircuitOpenedEvent) {
	ctx := context.Background()
	e.logger.Circuit(event.Category, CircuitOpen.String(),
		"consecutive_failures", event.ConsecutiveFailures,
		"retry_at", event.RetryAt,
		"from_half_open", event.FromHalfOpen)
	e.audit.LogCircuitOpened(ctx, event)
	if err := e.notifier.NotifyCircuitOpened(ctx, &event); err != nil {
		e.logger.Warnw("msg", "failed to notify circuit opened", "category", event.Category, "error", err)
	}
}

func (e *circuitEvents) OnCircuitRecovered(event model.CircuitRecoveredEvent) {
	ctx := context.Background()
	e.logger.Circuit(event.Category, CircuitClosed.String(), "open_for", event.OpenFor)
	e.audit.LogCircuitRecovered(ctx, event)
	if err := e.notifier.NotifyCircuitRecovered(ctx, &event); err != nil {
		e.logger.Warnw("msg", "failed to notify circuit recovered", "category", event.Category, "error", err)
	}
}

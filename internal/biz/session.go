package biz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"SessionGuard/internal/conf"
	"SessionGuard/internal/data"
	"SessionGuard/internal/model"
	"SessionGuard/pkg/clock"
	autherrors "SessionGuard/pkg/errors"
	pkglog "SessionGuard/pkg/log"
	"SessionGuard/pkg/token"

	"github.com/go-kratos/kratos/v2/log"
	"golang.org/x/sync/singleflight"
)

const (
	defaultFailureThreshold = 3
	defaultSessionCheckTTL  = 10 * time.Second
	defaultProfileTTL       = 60 * time.Second
)

// ErrNotAuthenticated is returned when no session exists.
var ErrNotAuthenticated = errors.New("no authenticated session")

// FailureCause names why the last refresh or validation failed.
type FailureCause string

const (
	CauseNone                  FailureCause = ""
	CauseDependencyUnavailable FailureCause = "dependency_unavailable"
	CauseRetriesExhausted      FailureCause = "retries_exhausted"
	CauseCredentialsRejected   FailureCause = "credentials_rejected"
	CauseRequestRejected       FailureCause = "request_rejected"
	CauseCancelled             FailureCause = "cancelled"
)

// causeOf maps a retry executor error onto a FailureCause.
func causeOf(err error) FailureCause {
	switch {
	case err == nil:
		return CauseNone
	case autherrors.IsCircuitOpen(err):
		return CauseDependencyUnavailable
	case autherrors.IsUnauthorized(err):
		return CauseCredentialsRejected
	case autherrors.IsExhausted(err):
		return CauseRetriesExhausted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CauseCancelled
	default:
		return CauseRequestRejected
	}
}

// ForcedLogoutError tells the caller the session was destroyed and the user
// must authenticate again.
type ForcedLogoutError struct {
	Reason model.LogoutReason
	Cause  error
}

// Error implements the error interface.
func (e *ForcedLogoutError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("forced logout (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("forced logout (%s)", e.Reason)
}

// Unwrap returns the failure that caused the logout.
func (e *ForcedLogoutError) Unwrap() error {
	return e.Cause
}

// IsForcedLogout reports whether err is (or wraps) a ForcedLogoutError.
func IsForcedLogout(err error) bool {
	var fl *ForcedLogoutError
	return errors.As(err, &fl)
}

// SessionOutcome is what a session read or refresh resolved to.
type SessionOutcome struct {
	Session *model.Session     `json:"session,omitempty"`
	Mode    model.SessionMode  `json:"mode"`
	Reason  model.LogoutReason `json:"reason,omitempty"`
	Cause   FailureCause       `json:"cause,omitempty"`
	Err     error              `json:"-"`
}

// SessionStatus is a read-only view of the validator used by the health
// aggregator and the diagnostics endpoints.
type SessionStatus struct {
	Phase                         model.SessionPhase `json:"phase"`
	UserID                        string             `json:"user_id,omitempty"`
	ExpiresAt                     time.Time          `json:"expires_at,omitempty"`
	ConsecutiveValidationFailures int                `json:"consecutive_validation_failures"`
	LastCause                     FailureCause       `json:"last_cause,omitempty"`
	LastError                     string             `json:"last_error,omitempty"`
	Degraded                      bool               `json:"degraded"`
	LastLogoutReason              model.LogoutReason `json:"last_logout_reason,omitempty"`
	RefreshInFlight               bool               `json:"refresh_in_flight"`
	RefreshWaiters                int                `json:"refresh_waiters"`
}

// refreshCall is the shared handle of one in-flight refresh.
type refreshCall struct {
	done    chan struct{}
	outcome SessionOutcome
	err     error
	waiters int
}

// SessionValidator owns the session and profile of the signed-in user.
//
// At most one refresh per user is in flight; concurrent callers attach to
// the pending handle. A refresh is never cancelled by its callers.
type SessionValidator struct {
	mu       sync.Mutex
	phase    model.SessionPhase
	session  *model.Session
	failures int
	lastErr  error
	cause    FailureCause
	degraded bool
	reason   model.LogoutReason
	pending  map[string]*refreshCall

	threshold  int
	sessionTTL time.Duration
	profileTTL time.Duration

	auth     AuthService
	store    SessionStore
	cache    Cache
	executor *RetryExecutor
	tokens   *token.Parser
	audit    AuditLogger
	notifier EventNotifier
	clock    clock.Clock
	profiles singleflight.Group
	logger   *pkglog.LogHelper
}

// NewSessionValidator creates a validator in the Anonymous phase.
func NewSessionValidator(
	c *conf.Resilience,
	auth AuthService,
	store SessionStore,
	cache Cache,
	executor *RetryExecutor,
	tokens *token.Parser,
	audit AuditLogger,
	notifier EventNotifier,
	clk clock.Clock,
	logger log.Logger,
) *SessionValidator {
	v := &SessionValidator{
		phase:      model.PhaseAnonymous,
		pending:    make(map[string]*refreshCall),
		threshold:  defaultFailureThreshold,
		sessionTTL: defaultSessionCheckTTL,
		profileTTL: defaultProfileTTL,
		auth:       auth,
		store:      store,
		cache:      cache,
		executor:   executor,
		tokens:     tokens,
		audit:      audit,
		notifier:   notifier,
		clock:      clk,
		logger:     pkglog.NewLogHelper(log.With(logger, "module", "biz/session")),
	}
	if c != nil {
		if c.Session != nil && c.Session.FailureThreshold > 0 {
			v.threshold = c.Session.FailureThreshold
		}
		if c.Cache != nil {
			if c.Cache.SessionTTL > 0 {
				v.sessionTTL = c.Cache.SessionTTL
			}
			if c.Cache.ProfileTTL > 0 {
				v.profileTTL = c.Cache.ProfileTTL
			}
		}
	}
	return v
}

// Login authenticates through auth.login and makes the result the current session.
func (v *SessionValidator) Login(ctx context.Context, creds model.Credentials) (*model.Session, error) {
	v.mu.Lock()
	prev := v.phase
	v.phase = model.PhaseAuthenticating
	v.mu.Unlock()

	s, err := Execute(ctx, v.executor, CategoryLogin, nil, func(ctx context.Context) (*model.Session, error) {
		return v.auth.Login(ctx, creds)
	})
	if err != nil {
		v.mu.Lock()
		if v.phase == model.PhaseAuthenticating {
			v.phase = prev
		}
		v.mu.Unlock()
		v.logger.Warnw("msg", "login failed", "cause", string(causeOf(err)), "error", err.Error())
		return nil, err
	}
	if s == nil || s.UserID == "" {
		v.mu.Lock()
		v.phase = prev
		v.mu.Unlock()
		return nil, autherrors.Validation("login", "auth service returned no session")
	}

	v.mu.Lock()
	v.session = s.Clone()
	v.phase = model.PhaseAuthenticated
	v.resetFailuresLocked()
	v.reason = model.LogoutReasonNone
	v.mu.Unlock()

	v.cache.Set(data.BuildCacheKey(data.CacheKeySession, s.UserID), true, v.sessionTTL)
	if s.Profile != nil {
		v.cacheProfile(s.UserID, s.Profile)
	}
	if _, err := v.EnsureProfileConsistency(ctx, s.Profile); err != nil {
		v.logger.Warnw("msg", "profile check after login failed", "user_id", s.UserID, "error", err.Error())
	}
	v.persist(ctx)
	v.audit.LogSessionEvent(ctx, model.AuditEventLogin, s.UserID)

	v.logger.Auth("login succeeded", "user_id", s.UserID, "expires_at", s.ExpiresAt)
	return v.Current(), nil
}

// Logout destroys the session at the user's request.
func (v *SessionValidator) Logout(ctx context.Context) {
	v.mu.Lock()
	s := v.session
	v.session = nil
	v.phase = model.PhaseLoggedOut
	v.resetFailuresLocked()
	v.reason = model.LogoutReasonUserRequested
	v.mu.Unlock()

	if s == nil {
		return
	}
	v.forget(ctx, s.UserID)
	v.audit.LogSessionEvent(ctx, model.AuditEventLogout, s.UserID)
	v.logger.Auth("logged out", "user_id", s.UserID)
}

// Restore reloads a persisted session. It is not trusted until validated:
// the validity cache stays empty so the next read validates remotely.
func (v *SessionValidator) Restore(ctx context.Context) (*model.Session, error) {
	s, err := v.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted session: %w", err)
	}
	if s == nil {
		return nil, nil
	}

	v.mu.Lock()
	v.session = s.Clone()
	v.phase = model.PhaseAuthenticated
	v.resetFailuresLocked()
	v.mu.Unlock()

	if s.Profile != nil {
		v.cacheProfile(s.UserID, s.Profile)
	}
	v.logger.Session("session restored", "user_id", s.UserID, "expires_at", s.ExpiresAt)
	return s.Clone(), nil
}

// Current returns a copy of the current session, or nil.
func (v *SessionValidator) Current() *model.Session {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.session.Clone()
}

// GetValidSession returns the session when it is known to be valid.
//
// A recent successful check (cached) with an unexpired token is returned
// without a remote call. An expired token goes straight to Refresh.
// Otherwise the token is validated through auth.validate and a failed
// validation moves the session to Recovering and refreshes it.
func (v *SessionValidator) GetValidSession(ctx context.Context) (SessionOutcome, error) {
	v.mu.Lock()
	s := v.session
	if s == nil {
		v.mu.Unlock()
		return v.anonymousOutcome(), ErrNotAuthenticated
	}
	if s.Expired(v.clock.Now()) {
		v.mu.Unlock()
		v.logger.Infow("msg", "session token expired, refreshing", "user_id", s.UserID)
		return v.Refresh(ctx)
	}
	if _, ok := v.cache.Get(data.BuildCacheKey(data.CacheKeySession, s.UserID)); ok {
		out := v.liveOutcomeLocked()
		v.mu.Unlock()
		return out, nil
	}
	if _, refreshing := v.pending[s.UserID]; !refreshing {
		v.phase = model.PhaseValidating
	}
	v.mu.Unlock()

	err := v.executor.Do(ctx, CategoryValidate, nil, func(ctx context.Context) error {
		return v.auth.ValidateSession(ctx, s.Token)
	})
	if err == nil {
		v.mu.Lock()
		if v.session == s {
			if v.phase == model.PhaseValidating {
				v.phase = model.PhaseAuthenticated
			}
			// 验证成功即结束连续失败
			v.resetFailuresLocked()
			v.cache.Set(data.BuildCacheKey(data.CacheKeySession, s.UserID), true, v.sessionTTL)
		}
		out := v.liveOutcomeLocked()
		v.mu.Unlock()
		return out, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		v.mu.Lock()
		if v.phase == model.PhaseValidating {
			v.phase = model.PhaseAuthenticated
		}
		out := v.liveOutcomeLocked()
		v.mu.Unlock()
		return out, ctxErr
	}

	v.mu.Lock()
	if v.session == s && v.phase == model.PhaseValidating {
		v.phase = model.PhaseRecovering
	}
	v.mu.Unlock()

	v.logger.Infow("msg", "session validation failed, recovering",
		"user_id", s.UserID,
		"cause", string(causeOf(err)),
		"error", err.Error())
	return v.Refresh(ctx)
}

// Refresh renews the session through auth.refresh.
//
// Callers arriving while a refresh for the same user is in flight wait for
// that refresh instead of starting another. A caller whose ctx ends stops
// waiting; the refresh itself carries on.
func (v *SessionValidator) Refresh(ctx context.Context) (SessionOutcome, error) {
	v.mu.Lock()
	s := v.session
	if s == nil {
		v.mu.Unlock()
		return v.anonymousOutcome(), ErrNotAuthenticated
	}

	call, ok := v.pending[s.UserID]
	if !ok {
		call = &refreshCall{done: make(chan struct{})}
		v.pending[s.UserID] = call
		v.phase = model.PhaseRecovering
		go v.runRefresh(context.WithoutCancel(ctx), s, call)
	}
	call.waiters++
	v.mu.Unlock()

	select {
	case <-call.done:
		return call.outcome, call.err
	case <-ctx.Done():
		v.mu.Lock()
		call.waiters--
		out := v.liveOutcomeLocked()
		v.mu.Unlock()
		return out, ctx.Err()
	}
}

// runRefresh performs one refresh and resolves every waiter of call.
func (v *SessionValidator) runRefresh(ctx context.Context, s *model.Session, call *refreshCall) {
	refreshed, err := Execute(ctx, v.executor, CategoryRefresh, nil, func(ctx context.Context) (*model.Session, error) {
		return v.auth.RefreshSession(ctx, s.RefreshToken)
	})

	var (
		out    SessionOutcome
		outErr error
		logout *model.ForcedLogoutEvent
	)

	v.mu.Lock()
	switch {
	case v.session != s:
		// logged out or replaced while refreshing
		out = v.liveOutcomeLocked()
		if v.session == nil {
			outErr = ErrNotAuthenticated
		}
	case err == nil && refreshed != nil:
		ns := refreshed.Clone()
		if ns.UserID == "" {
			ns.UserID = s.UserID
		}
		if ns.Profile == nil {
			ns.Profile = s.Profile.Clone()
		}
		v.session = ns
		v.phase = model.PhaseAuthenticated
		v.resetFailuresLocked()
		v.cache.Set(data.BuildCacheKey(data.CacheKeySession, ns.UserID), true, v.sessionTTL)
		out = SessionOutcome{Session: ns.Clone(), Mode: model.SessionModeNormal}
	default:
		if err == nil {
			err = autherrors.Validation("refresh_session", "auth service returned no session")
		}
		out, outErr, logout = v.applyFailureLocked(s, err)
	}
	v.mu.Unlock()

	if outErr == nil && out.Mode == model.SessionModeNormal && out.Session != nil {
		v.persist(ctx)
		if _, perr := v.EnsureProfileConsistency(ctx, out.Session.Profile); perr != nil {
			v.logger.Warnw("msg", "profile check after refresh failed", "user_id", s.UserID, "error", perr.Error())
		}
		if cur := v.Current(); cur != nil && cur.UserID == out.Session.UserID {
			out.Session = cur
		}
		v.logger.Session("session refreshed", "user_id", s.UserID, "expires_at", out.Session.ExpiresAt)
	}
	if logout != nil {
		v.forget(ctx, s.UserID)
		v.audit.LogForcedLogout(ctx, *logout)
		if nerr := v.notifier.NotifyForcedLogout(ctx, logout); nerr != nil {
			v.logger.Warnw("msg", "failed to notify forced logout", "user_id", s.UserID, "error", nerr)
		}
	}

	v.mu.Lock()
	call.outcome = out
	call.err = outErr
	delete(v.pending, s.UserID)
	close(call.done)
	v.mu.Unlock()
}

// applyFailureLocked applies the degrade/logout policy to a failed refresh.
// Must be called with v.mu held.
func (v *SessionValidator) applyFailureLocked(s *model.Session, err error) (SessionOutcome, error, *model.ForcedLogoutEvent) {
	cause := causeOf(err)
	v.lastErr = err
	v.cause = cause

	var reason model.LogoutReason
	switch {
	case cause == CauseCredentialsRejected:
		reason = model.LogoutReasonCredentialsRejected
	default:
		v.failures++
		if v.failures < v.threshold {
			v.degraded = true
			v.phase = model.PhaseAuthenticated
			v.logger.Warnw("msg", "session refresh failed, operating degraded",
				"user_id", s.UserID,
				"failures", v.failures,
				"threshold", v.threshold,
				"cause", string(cause),
				"error", err.Error())
			return SessionOutcome{
				Session: s.Clone(),
				Mode:    model.SessionModeDegraded,
				Cause:   cause,
				Err:     err,
			}, nil, nil
		}
		reason = model.LogoutReasonSessionExpired
		if cause == CauseDependencyUnavailable {
			reason = model.LogoutReasonDependencyUnavailable
		}
	}

	event := &model.ForcedLogoutEvent{
		ID:       model.NewEventID(),
		UserID:   s.UserID,
		Reason:   reason,
		Cause:    err.Error(),
		Failures: v.failures,
		At:       v.clock.Now(),
	}

	v.session = nil
	v.phase = model.PhaseLoggedOut
	v.reason = reason
	v.failures = 0
	v.degraded = false

	v.logger.Warnw("msg", "forced logout",
		"user_id", s.UserID,
		"reason", string(reason),
		"cause", string(cause),
		"error", err.Error())

	logoutErr := &ForcedLogoutError{Reason: reason, Cause: err}
	return SessionOutcome{
		Mode:   model.SessionModeLoggedOut,
		Reason: reason,
		Cause:  cause,
		Err:    err,
	}, logoutErr, event
}

// Status returns a snapshot of the validator state.
func (v *SessionValidator) Status() SessionStatus {
	v.mu.Lock()
	defer v.mu.Unlock()

	st := SessionStatus{
		Phase:                         v.phase,
		ConsecutiveValidationFailures: v.failures,
		LastCause:                     v.cause,
		Degraded:                      v.degraded,
		LastLogoutReason:              v.reason,
	}
	if v.lastErr != nil {
		st.LastError = v.lastErr.Error()
	}
	if v.session != nil {
		st.UserID = v.session.UserID
		st.ExpiresAt = v.session.ExpiresAt
		if call, ok := v.pending[v.session.UserID]; ok {
			st.RefreshInFlight = true
			st.RefreshWaiters = call.waiters
		}
	}
	return st
}

// Clear drops the session state without contacting the auth service or
// emitting logout events. Used by administrative resets.
func (v *SessionValidator) Clear(ctx context.Context) {
	v.mu.Lock()
	s := v.session
	v.session = nil
	v.phase = model.PhaseAnonymous
	v.resetFailuresLocked()
	v.reason = model.LogoutReasonNone
	v.mu.Unlock()

	if s != nil {
		v.forget(ctx, s.UserID)
	}
}

// resetFailuresLocked must be called with v.mu held.
func (v *SessionValidator) resetFailuresLocked() {
	v.failures = 0
	v.lastErr = nil
	v.cause = CauseNone
	v.degraded = false
}

// liveOutcomeLocked describes the current session. Must be called with v.mu held.
func (v *SessionValidator) liveOutcomeLocked() SessionOutcome {
	if v.session == nil {
		return SessionOutcome{Mode: model.SessionModeLoggedOut, Reason: v.reason}
	}
	out := SessionOutcome{Session: v.session.Clone(), Mode: model.SessionModeNormal}
	if v.degraded {
		out.Mode = model.SessionModeDegraded
		out.Cause = v.cause
		out.Err = v.lastErr
	}
	return out
}

func (v *SessionValidator) anonymousOutcome() SessionOutcome {
	v.mu.Lock()
	defer v.mu.Unlock()
	return SessionOutcome{Mode: model.SessionModeLoggedOut, Reason: v.reason}
}

// persist saves the current session. Store failures only degrade restarts.
func (v *SessionValidator) persist(ctx context.Context) {
	s := v.Current()
	if s == nil {
		return
	}
	if err := v.store.Save(ctx, s); err != nil {
		v.logger.Warnw("msg", "failed to persist session (degraded mode: restart requires login)",
			"user_id", s.UserID,
			"error", err)
	}
}

// forget removes every trace of userID from the cache and the store.
func (v *SessionValidator) forget(ctx context.Context, userID string) {
	v.cache.Invalidate(data.BuildCacheKey(data.CacheKeySession, userID))
	v.cache.Invalidate(data.BuildCacheKey(data.CacheKeyProfile, userID))
	if err := v.store.Delete(ctx, userID); err != nil {
		v.logger.Warnw("msg", "failed to delete persisted session", "user_id", userID, "error", err)
	}
}

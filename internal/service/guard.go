package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"SessionGuard/internal/biz"
	"SessionGuard/internal/model"
	autherrors "SessionGuard/pkg/errors"
	pkglog "SessionGuard/pkg/log"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

// Error reasons returned to HTTP clients.
const (
	ReasonForcedLogout       = "FORCED_LOGOUT"
	ReasonNotAuthenticated   = "NOT_AUTHENTICATED"
	ReasonInvalidCredentials = "INVALID_CREDENTIALS"
	ReasonOperationNotFound  = "OPERATION_NOT_FOUND"
	ReasonInvalidRequest     = "INVALID_REQUEST"
	ReasonCircuitOpen        = "CIRCUIT_OPEN"
	ReasonAuthUnavailable    = "AUTH_UNAVAILABLE"
)

// SessionView is the externally visible part of a session. Tokens never
// leave the process.
type SessionView struct {
	UserID    string         `json:"user_id"`
	ExpiresAt time.Time      `json:"expires_at,omitempty"`
	Profile   *model.Profile `json:"profile,omitempty"`
}

// SessionReply is the body of the session endpoints.
type SessionReply struct {
	Mode    model.SessionMode  `json:"mode"`
	Session *SessionView       `json:"session,omitempty"`
	Reason  model.LogoutReason `json:"reason,omitempty"`
	Cause   biz.FailureCause   `json:"cause,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// CacheReply reports cache counters with the derived hit rate.
type CacheReply struct {
	model.CacheStats
	HitRate float64 `json:"hit_rate"`
}

// OperationsReply lists the recorded operations.
type OperationsReply struct {
	Operations []string `json:"operations"`
}

// CircuitsReply wraps the breaker snapshot.
type CircuitsReply struct {
	Circuits []biz.CircuitSnapshot `json:"circuits"`
}

// ResetReply is the body of the admin reset endpoint.
type ResetReply struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// GuardService exposes the resilience diagnostics and session operations.
type GuardService struct {
	guard  *biz.Guard
	logger *pkglog.LogHelper
}

// NewGuardService creates a new GuardService instance.
func NewGuardService(guard *biz.Guard, logger log.Logger) *GuardService {
	return &GuardService{
		guard:  guard,
		logger: pkglog.NewLogHelper(log.With(logger, "module", "service/guard")),
	}
}

// Health returns the current health snapshot.
func (s *GuardService) Health(_ context.Context) (*biz.HealthSnapshot, error) {
	h := s.guard.Health()
	return &h, nil
}

// Overview returns the performance overview.
func (s *GuardService) Overview(_ context.Context) (*biz.PerformanceOverview, error) {
	o := s.guard.Overview()
	return &o, nil
}

// Operations lists the operations with records.
func (s *GuardService) Operations(_ context.Context) (*OperationsReply, error) {
	return &OperationsReply{Operations: s.guard.Operations()}, nil
}

// Operation returns the stats of one recorded operation.
func (s *GuardService) Operation(_ context.Context, name string) (*biz.OperationStats, error) {
	for _, op := range s.guard.Operations() {
		if op == name {
			stats := s.guard.StatsFor(name)
			return &stats, nil
		}
	}
	return nil, kerrors.NotFound(ReasonOperationNotFound, "no records for operation "+strconv.Quote(name))
}

// Circuits returns the breaker snapshot.
func (s *GuardService) Circuits(_ context.Context) (*CircuitsReply, error) {
	return &CircuitsReply{Circuits: s.guard.Circuits()}, nil
}

// Cache returns the cache counters.
func (s *GuardService) Cache(_ context.Context) (*CacheReply, error) {
	st := s.guard.CacheStats()
	return &CacheReply{CacheStats: st, HitRate: st.HitRate()}, nil
}

// Login authenticates with the supplied credentials.
func (s *GuardService) Login(ctx context.Context, creds *model.Credentials) (*SessionReply, error) {
	if creds == nil || creds.Email == "" || creds.Password == "" {
		return nil, kerrors.BadRequest(ReasonInvalidRequest, "email and password are required")
	}
	sess, err := s.guard.Login(ctx, *creds)
	if err != nil {
		return nil, toHTTPError(err)
	}
	pkglog.SetUserID(ctx, sess.UserID)
	s.logger.Auth("login succeeded", "user_id", sess.UserID)
	return &SessionReply{Mode: model.SessionModeNormal, Session: viewOf(sess)}, nil
}

// Logout ends the current session.
func (s *GuardService) Logout(ctx context.Context) (*SessionReply, error) {
	s.guard.Logout(ctx)
	return &SessionReply{Mode: model.SessionModeLoggedOut, Reason: model.LogoutReasonUserRequested}, nil
}

// Session returns the validated session.
func (s *GuardService) Session(ctx context.Context) (*SessionReply, error) {
	out, err := s.guard.GetValidSession(ctx)
	return s.sessionReply(ctx, out, err)
}

// Refresh renews the session.
func (s *GuardService) Refresh(ctx context.Context) (*SessionReply, error) {
	out, err := s.guard.Refresh(ctx)
	return s.sessionReply(ctx, out, err)
}

// Profile returns the profile of the signed-in user.
func (s *GuardService) Profile(ctx context.Context) (*model.Profile, error) {
	p, err := s.guard.Profile(ctx)
	if err != nil {
		return nil, toHTTPError(err)
	}
	synced, err := s.guard.EnsureProfileConsistency(ctx, p)
	if err != nil {
		s.logger.Warnw("msg", "profile consistency check failed", "error", err.Error())
		return p, nil
	}
	return synced, nil
}

// Reset clears every piece of resilience state.
func (s *GuardService) Reset(ctx context.Context) (*ResetReply, error) {
	s.guard.ClearAll(ctx)
	s.logger.Security("resilience state reset by admin request")
	return &ResetReply{Success: true, Message: "resilience state cleared"}, nil
}

func (s *GuardService) sessionReply(ctx context.Context, out biz.SessionOutcome, err error) (*SessionReply, error) {
	if err != nil {
		if biz.IsForcedLogout(err) {
			s.logger.Security("session forced out", "reason", string(out.Reason))
		}
		return nil, toHTTPError(err)
	}
	reply := &SessionReply{
		Mode:    out.Mode,
		Session: viewOf(out.Session),
		Reason:  out.Reason,
		Cause:   out.Cause,
	}
	if out.Err != nil {
		reply.Error = out.Err.Error()
	}
	if out.Session != nil {
		pkglog.SetUserID(ctx, out.Session.UserID)
	}
	return reply, nil
}

// toHTTPError maps session and auth errors to kratos errors.
func toHTTPError(err error) error {
	var fl *biz.ForcedLogoutError
	switch {
	case errors.As(err, &fl):
		return kerrors.Unauthorized(ReasonForcedLogout, fl.Error()).
			WithMetadata(map[string]string{"reason": string(fl.Reason)})
	case errors.Is(err, biz.ErrNotAuthenticated):
		return kerrors.Unauthorized(ReasonNotAuthenticated, err.Error())
	case autherrors.IsCircuitOpen(err):
		return kerrors.ServiceUnavailable(ReasonCircuitOpen, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return kerrors.GatewayTimeout(ReasonAuthUnavailable, err.Error())
	}

	switch autherrors.KindOf(err) {
	case autherrors.KindUnauthorized:
		return kerrors.Unauthorized(ReasonInvalidCredentials, err.Error())
	case autherrors.KindValidation:
		return kerrors.BadRequest(ReasonInvalidRequest, err.Error())
	default:
		return kerrors.ServiceUnavailable(ReasonAuthUnavailable, err.Error())
	}
}

func viewOf(s *model.Session) *SessionView {
	if s == nil {
		return nil
	}
	return &SessionView{UserID: s.UserID, ExpiresAt: s.ExpiresAt, Profile: s.Profile.Clone()}
}

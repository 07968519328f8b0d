package model

import "time"

// Credentials are the user-supplied login inputs.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TenantID string `json:"tenant_id,omitempty"`
}

// Session is an authenticated session issued by the auth service.
type Session struct {
	UserID       string    `json:"user_id"`
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Profile      *Profile  `json:"profile,omitempty"`
}

// Expired reports whether the session token is past its expiry at now.
// A zero ExpiresAt never expires.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// Clone returns a copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Profile = s.Profile.Clone()
	return &c
}

// Profile is the user profile as known by the auth service.
type Profile struct {
	UserID      string    `json:"user_id"`
	Email       string    `json:"email"`
	FullName    string    `json:"full_name"`
	Role        string    `json:"role"`
	TenantID    string    `json:"tenant_id"`
	Permissions []string  `json:"permissions,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a deep copy of p.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	if p.Permissions != nil {
		c.Permissions = append([]string(nil), p.Permissions...)
	}
	return &c
}

// SessionMode is the health mode reported alongside a session.
type SessionMode string

const (
	SessionModeNormal    SessionMode = "normal"
	SessionModeDegraded  SessionMode = "degraded"
	SessionModeLoggedOut SessionMode = "logged_out"
)

// LogoutReason explains a forced logout.
type LogoutReason string

const (
	LogoutReasonNone                  LogoutReason = ""
	LogoutReasonCredentialsRejected   LogoutReason = "credentials_rejected"
	LogoutReasonSessionExpired        LogoutReason = "session_expired"
	LogoutReasonDependencyUnavailable LogoutReason = "dependency_unavailable"
	LogoutReasonUserRequested         LogoutReason = "user_requested"
)

// SessionPhase is the lifecycle phase of the validator.
type SessionPhase string

const (
	PhaseAnonymous      SessionPhase = "anonymous"
	PhaseAuthenticating SessionPhase = "authenticating"
	PhaseAuthenticated  SessionPhase = "authenticated"
	PhaseValidating     SessionPhase = "validating"
	PhaseRecovering     SessionPhase = "recovering"
	PhaseLoggedOut      SessionPhase = "logged_out"
)

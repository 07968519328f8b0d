package biz

import (
	"context"
	"time"

	"SessionGuard/internal/model"
)

// AuthService is the remote authentication/profile service. Implementations
// return errors classified with pkg/errors.
type AuthService interface {
	Login(ctx context.Context, creds model.Credentials) (*model.Session, error)
	ValidateSession(ctx context.Context, token string) error
	RefreshSession(ctx context.Context, refreshToken string) (*model.Session, error)
	FetchProfile(ctx context.Context, userID string) (*model.Profile, error)
}

// SessionStore persists the current session across restarts.
type SessionStore interface {
	Save(ctx context.Context, session *model.Session) error
	// Load returns the persisted session, or nil when there is none.
	Load(ctx context.Context) (*model.Session, error)
	Delete(ctx context.Context, userID string) error
}

// Cache is the bounded TTL cache for session validity and profiles.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
	Invalidate(key string)
	Clear()
	Sweep() int
	Stats() model.CacheStats
}

// AuditLogger records security relevant events
type AuditLogger interface {
	LogCircuitOpened(ctx context.Context, event model.CircuitOpenedEvent)
	LogCircuitRecovered(ctx context.Context, event model.CircuitRecoveredEvent)
	LogForcedLogout(ctx context.Context, event model.ForcedLogoutEvent)
	LogProfileSync(ctx context.Context, event model.ProfileSyncEvent)
	// LogSessionEvent records a login or a user requested logout
	LogSessionEvent(ctx context.Context, action string, userID string)
}

// EventNotifier delivers events to observers outside the process.
type EventNotifier interface {
	NotifyCircuitOpened(ctx context.Context, event *model.CircuitOpenedEvent) error
	NotifyCircuitRecovered(ctx context.Context, event *model.CircuitRecoveredEvent) error
	NotifyForcedLogout(ctx context.Context, event *model.ForcedLogoutEvent) error
	NotifyProfileSync(ctx context.Context, event *model.ProfileSyncEvent) error
}

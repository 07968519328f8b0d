package model

import (
	"time"

	"github.com/google/uuid"
)

// Audit event type constants
const (
	AuditEventCircuitOpened    = "CIRCUIT_OPENED"
	AuditEventCircuitRecovered = "CIRCUIT_RECOVERED"
	AuditEventForcedLogout     = "FORCED_LOGOUT"
	AuditEventProfileSync      = "PROFILE_SYNC"
	AuditEventLogin            = "LOGIN"
	AuditEventLogout           = "LOGOUT"
)

// NewEventID returns a random identifier for an emitted event.
func NewEventID() string {
	return uuid.NewString()
}

// CircuitOpenedEvent is emitted when a category trips to Open.
type CircuitOpenedEvent struct {
	ID                  string
	Category            string
	ConsecutiveFailures int
	OpenedAt            time.Time
	RetryAt             time.Time
	FromHalfOpen        bool // 试探失败重新打开
}

// CircuitRecoveredEvent is emitted when a half-open probe succeeds.
type CircuitRecoveredEvent struct {
	ID          string
	Category    string
	RecoveredAt time.Time
	OpenFor     time.Duration
}

// ProfileSyncEvent is emitted when the cached profile diverged from the
// session token claims and was re-synchronized.
type ProfileSyncEvent struct {
	ID             string
	UserID         string
	DivergedFields []string
	Source         string // "remote" or "claims"
	SyncedAt       time.Time
}

// ForcedLogoutEvent is emitted when the session is destroyed without the
// user asking for it.
type ForcedLogoutEvent struct {
	ID       string
	UserID   string
	Reason   LogoutReason
	Cause    string
	Failures int
	At       time.Time
}

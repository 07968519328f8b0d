package data

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"SessionGuard/internal/model"
	pkglog "SessionGuard/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

const auditQueueSize = 1000

// AuditLog is the GORM model for session_audit_logs table
type AuditLog struct {
	ID         int64     `gorm:"primaryKey;column:id"`
	EventID    string    `gorm:"column:event_id;type:varchar(36);not null;uniqueIndex"`
	ActionType string    `gorm:"column:action_type;type:varchar(50);not null;index"`
	Category   string    `gorm:"column:category;type:varchar(64);default:'';not null"`
	UserID     string    `gorm:"column:user_id;type:varchar(128);default:'';not null;index"`
	Details    string    `gorm:"column:details;type:json"` // JSON string
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM
func (AuditLog) TableName() string {
	return "session_audit_logs"
}

// AuditLoggerImpl implements biz.AuditLogger interface.
// Events are written asynchronously; without a database they are only logged.
type AuditLoggerImpl struct {
	db      *gorm.DB
	logChan chan *AuditLog
	logger  *pkglog.LogHelper

	closeOnce sync.Once
	done      chan struct{}
}

// NewAuditLogger creates a new audit logger with async channel
func NewAuditLogger(db *gorm.DB, logger log.Logger) (*AuditLoggerImpl, func()) {
	al := &AuditLoggerImpl{
		db:      db,
		logChan: make(chan *AuditLog, auditQueueSize),
		logger:  pkglog.NewLogHelper(log.With(logger, "module", "data/audit")),
		done:    make(chan struct{}),
	}

	if db == nil {
		al.logger.Warnw("msg", "audit database not configured, audit events are only logged")
	}

	go al.start()

	return al, al.Close
}

// Close stops accepting events and waits for queued ones to be written
func (a *AuditLoggerImpl) Close() {
	a.closeOnce.Do(func() {
		close(a.logChan)
		<-a.done
	})
}

// start processes audit log events from channel
func (a *AuditLoggerImpl) start() {
	defer close(a.done)
	for event := range a.logChan {
		if a.db == nil {
			a.logger.Audit(event.ActionType,
				"action_type", event.ActionType,
				"category", event.Category,
				"user_id", event.UserID,
				"details", event.Details)
			continue
		}
		if err := a.db.WithContext(context.Background()).Create(event).Error; err != nil {
			a.logger.Errorw("msg", "failed to write audit log",
				"event_id", event.EventID,
				"action_type", event.ActionType,
				"error", err)
		} else {
			a.logger.Debugw("msg", "audit log written",
				"event_id", event.EventID,
				"action_type", event.ActionType)
		}
	}
}

// LogCircuitOpened logs circuit breaker triggered event
func (a *AuditLoggerImpl) LogCircuitOpened(_ context.Context, event model.CircuitOpenedEvent) {
	a.enqueue(event.ID, model.AuditEventCircuitOpened, event.Category, "", map[string]interface{}{
		"consecutive_failures": event.ConsecutiveFailures,
		"opened_at":            event.OpenedAt.Format(time.RFC3339),
		"retry_at":             event.RetryAt.Format(time.RFC3339),
		"from_half_open":       event.FromHalfOpen,
	})
}

// LogCircuitRecovered logs circuit breaker recovered event
func (a *AuditLoggerImpl) LogCircuitRecovered(_ context.Context, event model.CircuitRecoveredEvent) {
	a.enqueue(event.ID, model.AuditEventCircuitRecovered, event.Category, "", map[string]interface{}{
		"recovered_at":     event.RecoveredAt.Format(time.RFC3339),
		"open_for_seconds": event.OpenFor.Seconds(),
	})
}

// LogForcedLogout logs a session destroyed without the user asking for it
func (a *AuditLoggerImpl) LogForcedLogout(_ context.Context, event model.ForcedLogoutEvent) {
	a.enqueue(event.ID, model.AuditEventForcedLogout, "", event.UserID, map[string]interface{}{
		"reason":   string(event.Reason),
		"cause":    event.Cause,
		"failures": event.Failures,
		"at":       event.At.Format(time.RFC3339),
	})
}

// LogProfileSync logs a profile re-synchronized with the session token
func (a *AuditLoggerImpl) LogProfileSync(_ context.Context, event model.ProfileSyncEvent) {
	a.enqueue(event.ID, model.AuditEventProfileSync, "", event.UserID, map[string]interface{}{
		"diverged_fields": event.DivergedFields,
		"source":          event.Source,
		"synced_at":       event.SyncedAt.Format(time.RFC3339),
	})
}

// LogSessionEvent logs a login or a user requested logout
func (a *AuditLoggerImpl) LogSessionEvent(_ context.Context, action string, userID string) {
	a.enqueue(model.NewEventID(), action, "", userID, nil)
}

func (a *AuditLoggerImpl) enqueue(id, action, category, userID string, details map[string]interface{}) {
	detailsJSON := "{}"
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			a.logger.Errorw("msg", "failed to marshal audit log details", "error", err)
			return
		}
		detailsJSON = string(b)
	}

	event := &AuditLog{
		EventID:    id,
		ActionType: action,
		Category:   category,
		UserID:     userID,
		Details:    detailsJSON,
	}

	defer func() {
		// 关闭后的写入直接丢弃
		if recover() != nil {
			a.logger.Warnw("msg", "audit logger closed, dropping event", "action_type", action)
		}
	}()

	// Send to channel (non-blocking)
	select {
	case a.logChan <- event:
	default:
		a.logger.Warnw("msg", "audit log channel full, dropping event",
			"action_type", action,
			"user_id", userID)
	}
}

package data

import (
	"context"

	"SessionGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// LogNotifier implements biz.EventNotifier by writing events to the log.
// Outbound webhooks plug in behind the same interface.
type LogNotifier struct {
	logger *log.Helper
}

// NewLogNotifier creates a notifier that only logs events
func NewLogNotifier(logger log.Logger) *LogNotifier {
	return &LogNotifier{
		logger: log.NewHelper(log.With(logger, "module", "data/notifier")),
	}
}

// NotifyCircuitOpened logs circuit opened event
func (n *LogNotifier) NotifyCircuitOpened(ctx context.Context, event *model.CircuitOpenedEvent) error {
	n.logger.WithContext(ctx).Warnw("msg", "circuit opened",
		"event_id", event.ID,
		"category", event.Category,
		"consecutive_failures", event.ConsecutiveFailures,
		"retry_at", event.RetryAt,
		"from_half_open", event.FromHalfOpen)
	return nil
}

// NotifyCircuitRecovered logs circuit recovered event
func (n *LogNotifier) NotifyCircuitRecovered(ctx context.Context, event *model.CircuitRecoveredEvent) error {
	n.logger.WithContext(ctx).Infow("msg", "circuit recovered",
		"event_id", event.ID,
		"category", event.Category,
		"open_for", event.OpenFor.String())
	return nil
}

// NotifyForcedLogout logs forced logout event
func (n *LogNotifier) NotifyForcedLogout(ctx context.Context, event *model.ForcedLogoutEvent) error {
	n.logger.WithContext(ctx).Warnw("msg", "forced logout",
		"event_id", event.ID,
		"user_id", event.UserID,
		"reason", string(event.Reason),
		"cause", event.Cause,
		"failures", event.Failures)
	return nil
}

// NotifyProfileSync logs profile sync event
func (n *LogNotifier) NotifyProfileSync(ctx context.Context, event *model.ProfileSyncEvent) error {
	n.logger.WithContext(ctx).Infow("msg", "profile re-synchronized",
		"event_id", event.ID,
		"user_id", event.UserID,
		"fields", event.DivergedFields,
		"source", event.Source)
	return nil
}

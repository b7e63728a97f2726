package notify

import (
	"context"

	"go.uber.org/zap"
)

// Event names a user-facing condition that warrants a remediation prompt in
// the UI. Notifications are a presentation concern layered on top of the
// raised error, never a substitute for it.
type Event string

const (
	EventPaymentRequired Event = "payment_required"
	EventGatewayTimeout  Event = "gateway_timeout"
)

// Notifier delivers user-facing notifications. Delivery is best-effort;
// callers ignore failures.
type Notifier interface {
	Notify(ctx context.Context, userID string, event Event, message string)
}

// LogNotifier records notifications to the structured log. It stands in for
// the hosted notification channel in development and tests.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the notification.
func (n *LogNotifier) Notify(ctx context.Context, userID string, event Event, message string) {
	n.logger.Info("user notification",
		zap.String("user_id", userID),
		zap.String("event", string(event)),
		zap.String("message", message))
}

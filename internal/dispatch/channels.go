package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/ukuqala/medguard/internal/domain/safety"
)

// DeliverFunc pushes one notification over one channel. The dispatcher treats
// every handler as opaque: any non-nil error means the channel failed and the
// remaining channels are still attempted.
type DeliverFunc func(ctx context.Context, n *safety.SafetyNotification) error

// Handlers maps each configured channel to its delivery function. The in-app
// channel is always attempted even when the user did not select it; it doubles
// as the delivery-confirmation channel.
type Handlers map[safety.Channel]DeliverFunc

// InAppHandler is the built-in always-on channel. Delivery means the
// notification is persisted and visible in the application; there is nothing
// to push, so it only logs and never fails.
func InAppHandler(logger *zap.Logger) DeliverFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(_ context.Context, n *safety.SafetyNotification) error {
		logger.Debug("in-app notification surfaced",
			zap.String("notification_id", n.ID),
			zap.String("user_id", n.UserID),
			zap.String("severity", string(n.Severity)))
		return nil
	}
}

// notificationPublisher is implemented by the event-bus producer.
type notificationPublisher interface {
	PublishNotification(ctx context.Context, n *safety.SafetyNotification) error
}

// EventBusHandler publishes notifications to the event bus so downstream
// consumers (push gateways, email senders) can fan them out.
func EventBusHandler(pub notificationPublisher) DeliverFunc {
	return func(ctx context.Context, n *safety.SafetyNotification) error {
		return pub.PublishNotification(ctx, n)
	}
}

// Package bus provides the event bus used to fan daemon events out to
// in-process subscribers, with an optional NATS backend for external
// observers.
package bus

import (
	"context"

	"github.com/delegate-dev/delegate/internal/common/config"
	"github.com/delegate-dev/delegate/internal/common/logger"
	"github.com/delegate-dev/delegate/internal/events"
)

// EventHandler processes a received event. Handlers run on the
// subscription's dispatch goroutine; a slow handler causes that
// subscriber's queue to fill and overflowing events to be dropped.
type EventHandler func(ctx context.Context, event *events.Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish side of the daemon's event fabric. Publish
// never blocks on subscribers.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *events.Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}

// New returns a NATS-backed bus when a URL is configured, otherwise the
// in-memory bus.
func New(cfg config.EventsConfig, log *logger.Logger) (EventBus, error) {
	if cfg.NatsURL != "" {
		return NewNATSEventBus(cfg, log)
	}
	return NewMemoryEventBus(cfg.SubscriberQueue, log), nil
}

// Package messagebus delivers team messages with at-least-once
// semantics. Messages are durable rows in the team store; the bus moves
// them through the delivered stage and notifies the scheduler so the
// recipient gets a turn. Seen and processed stamps are advanced by the
// scheduler as part of the turn contract.
package messagebus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/delegate-dev/delegate/internal/common/config"
	"github.com/delegate-dev/delegate/internal/common/logger"
	"github.com/delegate-dev/delegate/internal/store"
	"github.com/delegate-dev/delegate/internal/team"
)

// DeliveryHook is invoked after a message is marked delivered, once per
// message. The scheduler uses it to request a turn for the recipient.
type DeliveryHook func(msg *store.Message)

// Bus owns the delivery loop for one team.
type Bus struct {
	store  *store.Store
	cfg    config.MessageBusConfig
	logger *logger.Logger

	hook DeliveryHook

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a message bus backed by the team store.
func New(st *store.Store, cfg config.MessageBusConfig, log *logger.Logger) *Bus {
	return &Bus{
		store:  st,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "messagebus")),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// SetDeliveryHook registers the per-delivery callback. Must be called
// before Start.
func (b *Bus) SetDeliveryHook(hook DeliveryHook) {
	b.hook = hook
}

// Start launches the delivery loop.
func (b *Bus) Start() {
	b.wg.Add(1)
	go b.deliveryLoop()
	b.logger.Info("Message bus started",
		zap.Duration("poll_interval", b.cfg.PollInterval()))
}

// Stop shuts the delivery loop down and waits for it to exit.
func (b *Bus) Stop() {
	b.once.Do(func() { close(b.stopCh) })
	b.wg.Wait()
	b.logger.Info("Message bus stopped")
}

// Send validates, records, and schedules a message for delivery.
// Agent-to-agent messages must be attributed to a task; messages where
// either endpoint is a human, or the recipient is the system inbox, may
// be unattributed. Duplicate sends within the dedup window return
// store.ErrDuplicateMessage.
func (b *Bus) Send(ctx context.Context, msg *store.Message) error {
	if err := b.validateAttribution(ctx, msg); err != nil {
		return err
	}
	if err := b.store.RecordMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			b.logger.Debug("Suppressed duplicate message",
				zap.String("sender", msg.Sender),
				zap.String("recipient", msg.Recipient))
		}
		return err
	}
	b.logger.Debug("Message recorded",
		zap.Int64("message_id", msg.ID),
		zap.String("sender", msg.Sender),
		zap.String("recipient", msg.Recipient),
		zap.Int64("task_id", msg.TaskID))
	b.kick()
	return nil
}

// Inbox returns a recipient's delivered messages after the given id.
func (b *Bus) Inbox(ctx context.Context, recipient string, afterID int64) ([]*store.Message, error) {
	return b.store.ListInbox(ctx, recipient, afterID)
}

// Pending returns the number of undelivered messages.
func (b *Bus) Pending(ctx context.Context) (int, error) {
	return b.store.PendingDeliveries(ctx)
}

func (b *Bus) validateAttribution(ctx context.Context, msg *store.Message) error {
	if msg.Sender == "" || msg.Recipient == "" {
		return fmt.Errorf("%w: message sender and recipient required", store.ErrInvariantViolation)
	}
	if msg.TaskID != 0 {
		if _, err := b.store.GetTask(ctx, msg.TaskID); err != nil {
			return fmt.Errorf("message references unknown task %d: %w", msg.TaskID, err)
		}
		return nil
	}
	if msg.Recipient == team.SystemMember {
		return nil
	}
	sender, err := b.store.GetMember(ctx, msg.Sender)
	if err != nil {
		return fmt.Errorf("unknown sender %s: %w", msg.Sender, err)
	}
	recipient, err := b.store.GetMember(ctx, msg.Recipient)
	if err != nil {
		return fmt.Errorf("unknown recipient %s: %w", msg.Recipient, err)
	}
	if sender.IsHuman() || recipient.IsHuman() {
		return nil
	}
	return fmt.Errorf("%w: agent-to-agent message requires task attribution", store.ErrInvariantViolation)
}

// kick nudges the delivery loop without blocking.
func (b *Bus) kick() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) deliveryLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-b.wake:
		case <-ticker.C:
		}
		b.deliverPending()
	}
}

// deliverPending marks all undelivered messages delivered and fires the
// delivery hook for each. Delivery order follows send order, so
// per-(sender, recipient) ordering is preserved.
func (b *Bus) deliverPending() {
	ctx := context.Background()
	msgs, err := b.store.ListUndelivered(ctx)
	if err != nil {
		b.logger.Error("Failed to list undelivered messages", zap.Error(err))
		return
	}
	for _, msg := range msgs {
		if err := b.store.MarkDelivered(ctx, msg.ID); err != nil {
			b.logger.Error("Failed to mark message delivered",
				zap.Int64("message_id", msg.ID), zap.Error(err))
			continue
		}
		now := time.Now().UTC()
		msg.DeliveredAt = &now
		if b.hook != nil {
			b.hook(msg)
		}
	}
	b.checkBacklog(ctx)
}

func (b *Bus) checkBacklog(ctx context.Context) {
	pending, err := b.store.PendingDeliveries(ctx)
	if err != nil {
		return
	}
	if pending > b.cfg.PendingThreshold {
		b.logger.Warn("Message delivery backlog above threshold",
			zap.Int("pending", pending),
			zap.Int("threshold", b.cfg.PendingThreshold))
	}
}

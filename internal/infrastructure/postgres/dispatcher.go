package postgres

import (
	"context"
	"fmt"

	"github.com/medtrack/go-medtrack/internal/domain/notify"
)

// NotificationTopic carries notifications from the outbox to the
// notification service
const NotificationTopic = "notification.events"

// OutboxDispatcher queues notifications in the outbox. Delivery happens in
// the relay and the notification service.
type OutboxDispatcher struct {
	outbox *Outbox
	topic  string
}

// NewOutboxDispatcher creates a dispatcher writing to outbox
func NewOutboxDispatcher(outbox *Outbox) *OutboxDispatcher {
	return &OutboxDispatcher{outbox: outbox, topic: NotificationTopic}
}

// Emit enqueues n keyed by recipient so a user's notifications keep their order
func (d *OutboxDispatcher) Emit(ctx context.Context, n notify.Notification) error {
	payload, err := n.Marshal()
	if err != nil {
		return fmt.Errorf("%w: encode notification: %w", notify.ErrDispatch, err)
	}
	entry := &OutboxEntry{
		Key:       n.RecipientID,
		EventType: string(n.Type),
		Payload:   payload,
		Topic:     d.topic,
	}
	if err := d.outbox.Enqueue(ctx, entry); err != nil {
		return fmt.Errorf("%w: %w", notify.ErrDispatch, err)
	}
	return nil
}

package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/domain/notify"
	"github.com/medtrack/go-medtrack/internal/infrastructure/redpanda"
	"github.com/medtrack/go-medtrack/internal/observability/metrics"
	"github.com/medtrack/go-medtrack/internal/service"
	"github.com/medtrack/go-medtrack/pkg/idempotency"
	"github.com/medtrack/go-medtrack/pkg/workerpool"
)

// HandlerName identifies this consumer in the idempotency inbox
const HandlerName = "notification-service"

// Deduper runs a handler at most once per key
type Deduper interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// DeadLetterer publishes events that can never be stored
type DeadLetterer interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
}

// Handler turns consumed notification events into stored notifications
type Handler struct {
	notifications service.NotificationRepository
	inbox         Deduper
	pushes        *workerpool.Pool
	deadLetter    DeadLetterer
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

// NewHandler creates a handler. pushes may be nil when no webhook is configured.
func NewHandler(notifications service.NotificationRepository, inbox Deduper, pushes *workerpool.Pool, m *metrics.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		notifications: notifications,
		inbox:         inbox,
		pushes:        pushes,
		metrics:       m,
		logger:        logger,
	}
}

// WithDeadLetter routes permanently failed events to redpanda.TopicDeadLetter
// instead of returning them to the consumer.
func (h *Handler) WithDeadLetter(d DeadLetterer) *Handler {
	h.deadLetter = d
	return h
}

// Handle stores the notification carried by msg. A redelivered event is
// acknowledged without storing or pushing it again. An event whose save
// fails permanently goes to the dead letter topic, or back to the consumer
// as an error when none is configured. Undecodable events are logged and
// skipped.
func (h *Handler) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	n, err := notify.Unmarshal(msg.Value)
	if err != nil || n.ID == "" || n.RecipientID == "" {
		h.logger.Warn("skipping malformed notification event",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		h.record("inbox", "malformed")
		return nil
	}

	res, err := h.inbox.Process(ctx, idempotency.Key("notification", n.ID), HandlerName, msg.Value,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			if err := h.notifications.SaveNotification(ctx, n); err != nil {
				return nil, err
			}
			return json.RawMessage(`{"stored":true}`), nil
		})
	switch {
	case errors.Is(err, idempotency.ErrDuplicateMessage):
		h.record("inbox", "duplicate")
		return nil
	case errors.Is(err, idempotency.ErrPreviouslyFailed), err != nil && idempotency.IsTerminal(err):
		h.record("inbox", "failed")
		return h.deadLetterEvent(ctx, n, msg, err)
	case err != nil:
		h.record("inbox", "error")
		return fmt.Errorf("store notification %s: %w", n.ID, err)
	case !res.IsNew && !res.WasRecovered:
		h.record("inbox", "duplicate")
		return nil
	}

	h.record("inbox", "stored")
	h.logger.Debug("notification stored",
		zap.String("notification_id", n.ID),
		zap.String("recipient_id", n.RecipientID),
		zap.String("type", string(n.Type)))

	if h.pushes != nil {
		if err := h.pushes.Submit(&workerpool.Task{ID: n.ID, Payload: n}); err != nil {
			h.logger.Warn("webhook push not queued", zap.String("notification_id", n.ID), zap.Error(err))
			h.record("webhook", "dropped")
		}
	}
	return nil
}

func (h *Handler) deadLetterEvent(ctx context.Context, n notify.Notification, msg *redpanda.ConsumedMessage, cause error) error {
	if h.deadLetter == nil {
		return fmt.Errorf("notification %s: %w", n.ID, cause)
	}
	if err := h.deadLetter.ProduceMessage(ctx, redpanda.TopicDeadLetter, n.ID, msg.Value); err != nil {
		return fmt.Errorf("dead-letter notification %s: %w", n.ID, err)
	}
	h.logger.Warn("notification dead-lettered",
		zap.String("notification_id", n.ID),
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause))
	h.record("inbox", "dead_lettered")
	return nil
}

func (h *Handler) record(channel, result string) {
	if h.metrics != nil {
		h.metrics.NotificationsDelivered.WithLabelValues(channel, result).Inc()
	}
}

// PushWorker returns the worker pool function that pushes queued
// notifications through p
func PushWorker(p Pusher, m *metrics.Metrics) workerpool.WorkerFunc {
	return func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		n, ok := task.Payload.(notify.Notification)
		if !ok {
			return &workerpool.Result{TaskID: task.ID, Error: fmt.Errorf("unexpected payload %T", task.Payload)}
		}
		if err := p.Push(ctx, n); err != nil {
			if m != nil {
				m.NotificationsDelivered.WithLabelValues("webhook", "error").Inc()
			}
			return &workerpool.Result{TaskID: task.ID, Error: err}
		}
		if m != nil {
			m.NotificationsDelivered.WithLabelValues("webhook", "delivered").Inc()
		}
		return &workerpool.Result{TaskID: task.ID, Success: true}
	}
}

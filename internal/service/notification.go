package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/apperr"
	"github.com/medtrack/go-medtrack/internal/domain/notify"
)

// NotificationService serves a user's notification inbox
type NotificationService struct {
	notifications NotificationRepository
	logger        *zap.Logger
}

// NewNotificationService creates the inbox service
func NewNotificationService(notifications NotificationRepository, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{notifications: notifications, logger: logger}
}

// List returns the user's notifications, newest first
func (s *NotificationService) List(ctx context.Context, userID string) ([]notify.Notification, error) {
	return s.notifications.ListNotifications(ctx, userID)
}

// MarkRead marks one of the user's notifications as read
func (s *NotificationService) MarkRead(ctx context.Context, userID, id string) (notify.Notification, error) {
	n, err := s.notifications.GetNotification(ctx, id)
	if err != nil {
		return notify.Notification{}, err
	}
	if n.RecipientID != userID {
		return notify.Notification{}, fmt.Errorf("%w: notification %s belongs to another user", apperr.ErrUnauthorized, id)
	}
	if n.Read {
		return n, nil
	}
	if err := s.notifications.MarkNotificationRead(ctx, id); err != nil {
		return notify.Notification{}, fmt.Errorf("mark read: %w", err)
	}
	n.Read = true
	return n, nil
}

// UnreadCount returns how many of the user's notifications are unread
func (s *NotificationService) UnreadCount(ctx context.Context, userID string) (int, error) {
	return s.notifications.CountUnread(ctx, userID)
}

// StoreDispatcher delivers notifications by saving them to the inbox directly
type StoreDispatcher struct {
	notifications NotificationRepository
}

// NewStoreDispatcher creates a dispatcher backed by the notification repository
func NewStoreDispatcher(notifications NotificationRepository) *StoreDispatcher {
	return &StoreDispatcher{notifications: notifications}
}

// Emit saves n
func (d *StoreDispatcher) Emit(ctx context.Context, n notify.Notification) error {
	if err := d.notifications.SaveNotification(ctx, n); err != nil {
		return fmt.Errorf("%w: %w", notify.ErrDispatch, err)
	}
	return nil
}

package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/medtrack/go-medtrack/internal/apperr"
	"github.com/medtrack/go-medtrack/internal/domain/notify"
)

const notificationColumns = `id, recipient_id, sender_id, type, title, message,
	reference_type, reference_id, read, created_at`

type notificationRow struct {
	ID            string    `db:"id"`
	RecipientID   string    `db:"recipient_id"`
	SenderID      string    `db:"sender_id"`
	Type          string    `db:"type"`
	Title         string    `db:"title"`
	Message       string    `db:"message"`
	ReferenceType string    `db:"reference_type"`
	ReferenceID   string    `db:"reference_id"`
	Read          bool      `db:"read"`
	CreatedAt     time.Time `db:"created_at"`
}

func (r notificationRow) toDomain() notify.Notification {
	return notify.Notification{
		ID:            r.ID,
		RecipientID:   r.RecipientID,
		SenderID:      r.SenderID,
		Type:          notify.Type(r.Type),
		Title:         r.Title,
		Message:       r.Message,
		ReferenceType: r.ReferenceType,
		ReferenceID:   r.ReferenceID,
		Read:          r.Read,
		CreatedAt:     r.CreatedAt,
	}
}

// SaveNotification stores n; an existing id is left untouched
func (s *Store) SaveNotification(ctx context.Context, n notify.Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (`+notificationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		n.ID, n.RecipientID, n.SenderID, string(n.Type), n.Title, n.Message,
		n.ReferenceType, n.ReferenceID, n.Read, n.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("saving notification: %w", err)
	}
	return nil
}

// GetNotification returns the notification with id
func (s *Store) GetNotification(ctx context.Context, id string) (notify.Notification, error) {
	var row notificationRow
	err := s.db.GetContext(ctx, &row, "SELECT "+notificationColumns+" FROM notifications WHERE id = ?", id)
	if err != nil {
		return notify.Notification{}, notFound(err, "notification", id)
	}
	return row.toDomain(), nil
}

// ListNotifications returns the recipient's notifications, newest first
func (s *Store) ListNotifications(ctx context.Context, recipientID string) ([]notify.Notification, error) {
	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+notificationColumns+" FROM notifications WHERE recipient_id = ? ORDER BY created_at DESC, id DESC",
		recipientID)
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	out := make([]notify.Notification, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// MarkNotificationRead sets the read flag
func (s *Store) MarkNotificationRead(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE notifications SET read = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: notification %s", apperr.ErrNotFound, id)
	}
	return nil
}

// CountUnread counts the recipient's unread notifications
func (s *Store) CountUnread(ctx context.Context, recipientID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM notifications WHERE recipient_id = ? AND read = 0", recipientID)
	if err != nil {
		return 0, fmt.Errorf("counting unread notifications: %w", err)
	}
	return count, nil
}

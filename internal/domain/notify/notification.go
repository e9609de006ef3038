// Package notify defines notifications and the dispatcher that delivers them.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type tags a notification
type Type string

const (
	TypeRefillRequest       Type = "REFILL_REQUEST"
	TypeRefillStatusUpdated Type = "REFILL_STATUS_UPDATED"
	TypeReminderCreated     Type = "REMINDER_CREATED"
)

// Reference types
const (
	RefRefillRequest = "REFILL_REQUEST"
	RefReminder      = "REMINDER"
)

// ErrDispatch marks a failure to hand a notification to its channel
var ErrDispatch = errors.New("notification dispatch failed")

// Notification is a message addressed to one user
type Notification struct {
	ID            string    `json:"id"`
	RecipientID   string    `json:"recipient_id"`
	SenderID      string    `json:"sender_id,omitempty"`
	Type          Type      `json:"type"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	ReferenceType string    `json:"reference_type,omitempty"`
	ReferenceID   string    `json:"reference_id,omitempty"`
	Read          bool      `json:"read"`
	CreatedAt     time.Time `json:"created_at"`
}

// New creates an unread notification with a fresh id
func New(recipientID, senderID string, typ Type, title, message string, now time.Time) Notification {
	return Notification{
		ID:          uuid.New().String(),
		RecipientID: recipientID,
		SenderID:    senderID,
		Type:        typ,
		Title:       title,
		Message:     message,
		CreatedAt:   now.UTC(),
	}
}

// About sets the referenced entity
func (n Notification) About(refType, refID string) Notification {
	n.ReferenceType = refType
	n.ReferenceID = refID
	return n
}

// Marshal encodes the notification for transport
func (n Notification) Marshal() ([]byte, error) {
	return json.Marshal(n)
}

// Unmarshal decodes a notification received from transport
func Unmarshal(data []byte) (Notification, error) {
	var n Notification
	err := json.Unmarshal(data, &n)
	return n, err
}

// Dispatcher delivers notifications
type Dispatcher interface {
	Emit(ctx context.Context, n Notification) error
}

// DispatcherFunc adapts a function to Dispatcher
type DispatcherFunc func(ctx context.Context, n Notification) error

// Emit calls f
func (f DispatcherFunc) Emit(ctx context.Context, n Notification) error { return f(ctx, n) }

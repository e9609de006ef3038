// Package service orchestrates the adherence and refill workflows over the
// repositories, the pure domain logic and the notification dispatcher.
package service

import (
	"context"
	"time"

	"github.com/medtrack/go-medtrack/internal/domain/notify"
	"github.com/medtrack/go-medtrack/internal/domain/prescription"
	"github.com/medtrack/go-medtrack/internal/domain/refill"
	"github.com/medtrack/go-medtrack/internal/domain/schedule"
	"github.com/medtrack/go-medtrack/internal/domain/user"
)

// UserRepository resolves accounts
type UserRepository interface {
	GetUser(ctx context.Context, id string) (user.User, error)
	// ListUsersByRole returns enabled users with role in a stable order.
	ListUsersByRole(ctx context.Context, role user.Role) ([]user.User, error)
	SaveUser(ctx context.Context, u user.User) error
}

// PrescriptionRepository persists prescriptions
type PrescriptionRepository interface {
	GetPrescription(ctx context.Context, id string) (prescription.Prescription, error)
	ListPrescriptionsByPatient(ctx context.Context, patientID string) ([]prescription.Prescription, error)
	CountPrescriptions(ctx context.Context, patientID string, status prescription.Status) (int, error)
	SavePrescription(ctx context.Context, p prescription.Prescription) error
}

// ReminderRepository persists reminders
type ReminderRepository interface {
	GetReminder(ctx context.Context, id string) (schedule.Reminder, error)
	ListReminders(ctx context.Context, patientID string, activeOnly bool) ([]schedule.Reminder, error)
	CreateReminder(ctx context.Context, r schedule.Reminder) error
	UpdateReminder(ctx context.Context, r schedule.Reminder) error
	DeleteReminder(ctx context.Context, id string) error
}

// DoseLogRepository persists dose logs
type DoseLogRepository interface {
	CreateDoseLog(ctx context.Context, l schedule.DoseLog) error
	// ListDoseLogs returns the patient's logs scheduled in [from, to).
	ListDoseLogs(ctx context.Context, patientID string, from, to time.Time) ([]schedule.DoseLog, error)
}

// RefillRepository persists refill requests
type RefillRepository interface {
	GetRefill(ctx context.Context, id string) (refill.Request, error)
	HasActiveRefill(ctx context.Context, prescriptionID string) (bool, error)
	ListRefillsByPatient(ctx context.Context, patientID string) ([]refill.Request, error)
	ListRefillsByPharmacist(ctx context.Context, pharmacistID string, statuses []refill.Status) ([]refill.Request, error)
	CountActiveByPharmacist(ctx context.Context) (map[string]int, error)
	// CreateRefill stores a new request. It fails with apperr.ErrConflict
	// when the prescription already has an active request.
	CreateRefill(ctx context.Context, req refill.Request) error
	// SaveRefillTransition stores the new request status and, when
	// rxChanged, the prescription, in one transaction. Both writes are
	// conditional on the versions carried by req and rx; a stale version
	// fails with apperr.ErrConflict and nothing is written.
	SaveRefillTransition(ctx context.Context, req refill.Request, rx prescription.Prescription, rxChanged bool) error
}

// NotificationRepository persists notifications
type NotificationRepository interface {
	// SaveNotification stores n; saving an id that already exists is a no-op.
	SaveNotification(ctx context.Context, n notify.Notification) error
	GetNotification(ctx context.Context, id string) (notify.Notification, error)
	ListNotifications(ctx context.Context, recipientID string) ([]notify.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	CountUnread(ctx context.Context, recipientID string) (int, error)
}

// Store is implemented by each storage backend
type Store interface {
	UserRepository
	PrescriptionRepository
	ReminderRepository
	DoseLogRepository
	RefillRepository
	NotificationRepository
	Ping(ctx context.Context) error
	Close() error
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/medtrack/go-medtrack/internal/apperr"
	"github.com/medtrack/go-medtrack/internal/domain/notify"
	"github.com/medtrack/go-medtrack/internal/domain/prescription"
	"github.com/medtrack/go-medtrack/internal/domain/schedule"
	"github.com/medtrack/go-medtrack/internal/domain/user"
)

// GetUser returns the user with id
func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	var u user.User
	var role string
	err := s.pool.QueryRow(ctx,
		"SELECT id, name, email, role, enabled FROM users WHERE id = $1", id).
		Scan(&u.ID, &u.Name, &u.Email, &role, &u.Enabled)
	if err != nil {
		return user.User{}, notFound(err, "user", id)
	}
	u.Role = user.Role(role)
	return u, nil
}

// ListUsersByRole returns enabled users with role, oldest first
func (s *Store) ListUsersByRole(ctx context.Context, role user.Role) ([]user.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, email, role, enabled FROM users
		WHERE role = $1 AND enabled
		ORDER BY created_at ASC, id ASC`, string(role))
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []user.User
	for rows.Next() {
		var u user.User
		var r string
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &r, &u.Enabled); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Role = user.Role(r)
		users = append(users, u)
	}
	return users, rows.Err()
}

// SaveUser inserts or updates a user
func (s *Store) SaveUser(ctx context.Context, u user.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, name, email, role, enabled)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, email = EXCLUDED.email,
			role = EXCLUDED.role, enabled = EXCLUDED.enabled`,
		u.ID, u.Name, u.Email, string(u.Role), u.Enabled)
	if err != nil {
		return fmt.Errorf("save user %s: %w", u.ID, err)
	}
	return nil
}

type prescriptionRow struct {
	ID               string                    `db:"id"`
	PatientID        string                    `db:"patient_id"`
	DoctorID         string                    `db:"doctor_id"`
	Medications      []prescription.Medication `db:"medications"`
	Diagnosis        string                    `db:"diagnosis"`
	Notes            string                    `db:"notes"`
	Status           string                    `db:"status"`
	RefillLimit      int                       `db:"refill_limit"`
	RefillsRemaining int                       `db:"refills_remaining"`
	ValidUntil       *time.Time                `db:"valid_until"`
	CreatedAt        time.Time                 `db:"created_at"`
	Version          int                       `db:"version"`
}

func (r prescriptionRow) toDomain() prescription.Prescription {
	return prescription.Prescription{
		ID:               r.ID,
		PatientID:        r.PatientID,
		DoctorID:         r.DoctorID,
		Medications:      r.Medications,
		Diagnosis:        r.Diagnosis,
		Notes:            r.Notes,
		Status:           prescription.Status(r.Status),
		RefillLimit:      r.RefillLimit,
		RefillsRemaining: r.RefillsRemaining,
		ValidUntil:       r.ValidUntil,
		CreatedAt:        r.CreatedAt,
		Version:          r.Version,
	}
}

const prescriptionColumns = `id, patient_id, doctor_id, medications, diagnosis, notes, status,
	refill_limit, refills_remaining, valid_until, created_at, version`

// GetPrescription returns the prescription with id
func (s *Store) GetPrescription(ctx context.Context, id string) (prescription.Prescription, error) {
	rows, _ := s.pool.Query(ctx, "SELECT "+prescriptionColumns+" FROM prescriptions WHERE id = $1", id)
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[prescriptionRow])
	if err != nil {
		return prescription.Prescription{}, notFound(err, "prescription", id)
	}
	return row.toDomain(), nil
}

// ListPrescriptionsByPatient returns the patient's prescriptions, newest first
func (s *Store) ListPrescriptionsByPatient(ctx context.Context, patientID string) ([]prescription.Prescription, error) {
	rows, _ := s.pool.Query(ctx,
		"SELECT "+prescriptionColumns+" FROM prescriptions WHERE patient_id = $1 ORDER BY created_at DESC", patientID)
	list, err := pgx.CollectRows(rows, pgx.RowToStructByName[prescriptionRow])
	if err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}
	out := make([]prescription.Prescription, 0, len(list))
	for _, r := range list {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// CountPrescriptions counts the patient's prescriptions in status
func (s *Store) CountPrescriptions(ctx context.Context, patientID string, status prescription.Status) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM prescriptions WHERE patient_id = $1 AND status = $2", patientID, string(status)).
		Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count prescriptions: %w", err)
	}
	return count, nil
}

// SavePrescription inserts or updates a prescription
func (s *Store) SavePrescription(ctx context.Context, p prescription.Prescription) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("save prescription %s: %w", p.ID, err)
	}
	if p.Medications == nil {
		p.Medications = []prescription.Medication{}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO prescriptions (`+prescriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			patient_id = EXCLUDED.patient_id, doctor_id = EXCLUDED.doctor_id,
			medications = EXCLUDED.medications, diagnosis = EXCLUDED.diagnosis,
			notes = EXCLUDED.notes, status = EXCLUDED.status,
			refill_limit = EXCLUDED.refill_limit, refills_remaining = EXCLUDED.refills_remaining,
			valid_until = EXCLUDED.valid_until, version = prescriptions.version + 1`,
		p.ID, p.PatientID, p.DoctorID, p.Medications, p.Diagnosis, p.Notes, string(p.Status),
		p.RefillLimit, p.RefillsRemaining, p.ValidUntil, p.CreatedAt, p.Version)
	if err != nil {
		return fmt.Errorf("save prescription %s: %w", p.ID, err)
	}
	return nil
}

type reminderRow struct {
	ID           string     `db:"id"`
	PatientID    string     `db:"patient_id"`
	MedicineName string     `db:"medicine_name"`
	Dosage       string     `db:"dosage"`
	Frequency    string     `db:"frequency"`
	Instructions string     `db:"instructions"`
	Times        []string   `db:"times"`
	StartDate    *time.Time `db:"start_date"`
	EndDate      *time.Time `db:"end_date"`
	Active       bool       `db:"active"`
	CreatedAt    time.Time  `db:"created_at"`
}

func (r reminderRow) toDomain() schedule.Reminder {
	return schedule.Reminder(r)
}

const reminderColumns = `id, patient_id, medicine_name, dosage, frequency, instructions,
	times, start_date, end_date, active, created_at`

// GetReminder returns the reminder with id
func (s *Store) GetReminder(ctx context.Context, id string) (schedule.Reminder, error) {
	rows, _ := s.pool.Query(ctx, "SELECT "+reminderColumns+" FROM reminders WHERE id = $1", id)
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[reminderRow])
	if err != nil {
		return schedule.Reminder{}, notFound(err, "reminder", id)
	}
	return row.toDomain(), nil
}

// ListReminders returns the patient's reminders, oldest first
func (s *Store) ListReminders(ctx context.Context, patientID string, activeOnly bool) ([]schedule.Reminder, error) {
	rows, _ := s.pool.Query(ctx, `
		SELECT `+reminderColumns+` FROM reminders
		WHERE patient_id = $1 AND (active OR NOT $2)
		ORDER BY created_at ASC`, patientID, activeOnly)
	list, err := pgx.CollectRows(rows, pgx.RowToStructByName[reminderRow])
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	out := make([]schedule.Reminder, 0, len(list))
	for _, r := range list {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// CreateReminder inserts a reminder
func (s *Store) CreateReminder(ctx context.Context, r schedule.Reminder) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reminders (`+reminderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.PatientID, r.MedicineName, r.Dosage, r.Frequency, r.Instructions,
		r.Times, r.StartDate, r.EndDate, r.Active, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create reminder: %w", err)
	}
	return nil
}

// UpdateReminder replaces the editable fields of a reminder
func (s *Store) UpdateReminder(ctx context.Context, r schedule.Reminder) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE reminders SET
			medicine_name = $2, dosage = $3, frequency = $4, instructions = $5,
			times = $6, start_date = $7, end_date = $8, active = $9
		WHERE id = $1`,
		r.ID, r.MedicineName, r.Dosage, r.Frequency, r.Instructions,
		r.Times, r.StartDate, r.EndDate, r.Active)
	if err != nil {
		return fmt.Errorf("update reminder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: reminder %s", apperr.ErrNotFound, r.ID)
	}
	return nil
}

// DeleteReminder removes a reminder. Its dose logs are kept.
func (s *Store) DeleteReminder(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM reminders WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: reminder %s", apperr.ErrNotFound, id)
	}
	return nil
}

// CreateDoseLog inserts a dose log
func (s *Store) CreateDoseLog(ctx context.Context, l schedule.DoseLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dose_logs (id, patient_id, reminder_id, scheduled_at, taken_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.PatientID, l.ReminderID, l.ScheduledAt, l.TakenAt, string(l.Status), l.CreatedAt)
	if err != nil {
		return fmt.Errorf("create dose log: %w", err)
	}
	return nil
}

type doseLogRow struct {
	ID          string     `db:"id"`
	PatientID   string     `db:"patient_id"`
	ReminderID  string     `db:"reminder_id"`
	ScheduledAt time.Time  `db:"scheduled_at"`
	TakenAt     *time.Time `db:"taken_at"`
	Status      string     `db:"status"`
	CreatedAt   time.Time  `db:"created_at"`
}

// ListDoseLogs returns the patient's logs scheduled in [from, to), oldest first
func (s *Store) ListDoseLogs(ctx context.Context, patientID string, from, to time.Time) ([]schedule.DoseLog, error) {
	rows, _ := s.pool.Query(ctx, `
		SELECT id, patient_id, reminder_id, scheduled_at, taken_at, status, created_at
		FROM dose_logs
		WHERE patient_id = $1 AND scheduled_at >= $2 AND scheduled_at < $3
		ORDER BY scheduled_at ASC`, patientID, from, to)
	list, err := pgx.CollectRows(rows, pgx.RowToStructByName[doseLogRow])
	if err != nil {
		return nil, fmt.Errorf("list dose logs: %w", err)
	}
	out := make([]schedule.DoseLog, 0, len(list))
	for _, r := range list {
		out = append(out, schedule.DoseLog{
			ID:          r.ID,
			PatientID:   r.PatientID,
			ReminderID:  r.ReminderID,
			ScheduledAt: r.ScheduledAt,
			TakenAt:     r.TakenAt,
			Status:      schedule.DoseStatus(r.Status),
			CreatedAt:   r.CreatedAt,
		})
	}
	return out, nil
}

const notificationColumns = `id, recipient_id, sender_id, type, title, message,
	reference_type, reference_id, read, created_at`

func scanNotification(row pgx.CollectableRow) (notify.Notification, error) {
	var n notify.Notification
	var typ string
	err := row.Scan(&n.ID, &n.RecipientID, &n.SenderID, &typ, &n.Title, &n.Message,
		&n.ReferenceType, &n.ReferenceID, &n.Read, &n.CreatedAt)
	n.Type = notify.Type(typ)
	return n, err
}

// SaveNotification stores n; an existing id is left untouched
func (s *Store) SaveNotification(ctx context.Context, n notify.Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (`+notificationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		n.ID, n.RecipientID, n.SenderID, string(n.Type), n.Title, n.Message,
		n.ReferenceType, n.ReferenceID, n.Read, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("save notification: %w", err)
	}
	return nil
}

// GetNotification returns the notification with id
func (s *Store) GetNotification(ctx context.Context, id string) (notify.Notification, error) {
	rows, _ := s.pool.Query(ctx, "SELECT "+notificationColumns+" FROM notifications WHERE id = $1", id)
	n, err := pgx.CollectExactlyOneRow(rows, scanNotification)
	if err != nil {
		return notify.Notification{}, notFound(err, "notification", id)
	}
	return n, nil
}

// ListNotifications returns the recipient's notifications, newest first
func (s *Store) ListNotifications(ctx context.Context, recipientID string) ([]notify.Notification, error) {
	rows, _ := s.pool.Query(ctx,
		"SELECT "+notificationColumns+" FROM notifications WHERE recipient_id = $1 ORDER BY created_at DESC, id DESC",
		recipientID)
	list, err := pgx.CollectRows(rows, scanNotification)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return list, nil
}

// MarkNotificationRead sets the read flag
func (s *Store) MarkNotificationRead(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE notifications SET read = TRUE WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: notification %s", apperr.ErrNotFound, id)
	}
	return nil
}

// CountUnread counts the recipient's unread notifications
func (s *Store) CountUnread(ctx context.Context, recipientID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND NOT read", recipientID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/medtrack/go-medtrack/internal/apperr"
	"github.com/medtrack/go-medtrack/internal/domain/schedule"
)

const reminderColumns = `id, patient_id, medicine_name, dosage, frequency, instructions,
	times, start_date, end_date, active, created_at`

type reminderRow struct {
	ID           string     `db:"id"`
	PatientID    string     `db:"patient_id"`
	MedicineName string     `db:"medicine_name"`
	Dosage       string     `db:"dosage"`
	Frequency    string     `db:"frequency"`
	Instructions string     `db:"instructions"`
	Times        string     `db:"times"`
	StartDate    *time.Time `db:"start_date"`
	EndDate      *time.Time `db:"end_date"`
	Active       bool       `db:"active"`
	CreatedAt    time.Time  `db:"created_at"`
}

func (r reminderRow) toDomain() (schedule.Reminder, error) {
	rem := schedule.Reminder{
		ID:           r.ID,
		PatientID:    r.PatientID,
		MedicineName: r.MedicineName,
		Dosage:       r.Dosage,
		Frequency:    r.Frequency,
		Instructions: r.Instructions,
		StartDate:    r.StartDate,
		EndDate:      r.EndDate,
		Active:       r.Active,
		CreatedAt:    r.CreatedAt,
	}
	if err := json.Unmarshal([]byte(r.Times), &rem.Times); err != nil {
		return schedule.Reminder{}, fmt.Errorf("decoding times for reminder %s: %w", r.ID, err)
	}
	return rem, nil
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

// GetReminder returns the reminder with id
func (s *Store) GetReminder(ctx context.Context, id string) (schedule.Reminder, error) {
	var row reminderRow
	err := s.db.GetContext(ctx, &row, "SELECT "+reminderColumns+" FROM reminders WHERE id = ?", id)
	if err != nil {
		return schedule.Reminder{}, notFound(err, "reminder", id)
	}
	return row.toDomain()
}

// ListReminders returns the patient's reminders, oldest first
func (s *Store) ListReminders(ctx context.Context, patientID string, activeOnly bool) ([]schedule.Reminder, error) {
	query := "SELECT " + reminderColumns + " FROM reminders WHERE patient_id = ?"
	if activeOnly {
		query += " AND active = 1"
	}
	query += " ORDER BY created_at ASC"

	var rows []reminderRow
	if err := s.db.SelectContext(ctx, &rows, query, patientID); err != nil {
		return nil, fmt.Errorf("listing reminders: %w", err)
	}
	out := make([]schedule.Reminder, 0, len(rows))
	for _, r := range rows {
		rem, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rem)
	}
	return out, nil
}

// CreateReminder inserts a reminder
func (s *Store) CreateReminder(ctx context.Context, r schedule.Reminder) error {
	times, err := json.Marshal(r.Times)
	if err != nil {
		return fmt.Errorf("encoding times: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reminders (`+reminderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.PatientID, r.MedicineName, r.Dosage, r.Frequency, r.Instructions,
		string(times), utcPtr(r.StartDate), utcPtr(r.EndDate), r.Active, r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("creating reminder: %w", err)
	}
	return nil
}

// UpdateReminder replaces the editable fields of a reminder
func (s *Store) UpdateReminder(ctx context.Context, r schedule.Reminder) error {
	times, err := json.Marshal(r.Times)
	if err != nil {
		return fmt.Errorf("encoding times: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET
			medicine_name = ?, dosage = ?, frequency = ?, instructions = ?,
			times = ?, start_date = ?, end_date = ?, active = ?
		WHERE id = ?`,
		r.MedicineName, r.Dosage, r.Frequency, r.Instructions,
		string(times), utcPtr(r.StartDate), utcPtr(r.EndDate), r.Active, r.ID)
	if err != nil {
		return fmt.Errorf("updating reminder: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: reminder %s", apperr.ErrNotFound, r.ID)
	}
	return nil
}

// DeleteReminder removes a reminder. Its dose logs are kept.
func (s *Store) DeleteReminder(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM reminders WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting reminder: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: reminder %s", apperr.ErrNotFound, id)
	}
	return nil
}

// CreateDoseLog inserts a dose log
func (s *Store) CreateDoseLog(ctx context.Context, l schedule.DoseLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dose_logs (id, patient_id, reminder_id, scheduled_at, taken_at, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.PatientID, l.ReminderID, l.ScheduledAt.UTC(), utcPtr(l.TakenAt), string(l.Status), l.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("creating dose log: %w", err)
	}
	return nil
}

// ListDoseLogs returns the patient's logs scheduled in [from, to), oldest first
func (s *Store) ListDoseLogs(ctx context.Context, patientID string, from, to time.Time) ([]schedule.DoseLog, error) {
	var rows []doseLogRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, patient_id, reminder_id, scheduled_at, taken_at, status, created_at
		FROM dose_logs
		WHERE patient_id = ? AND scheduled_at >= ? AND scheduled_at < ?
		ORDER BY scheduled_at ASC`, patientID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("listing dose logs: %w", err)
	}
	out := make([]schedule.DoseLog, 0, len(rows))
	for _, r := range rows {
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

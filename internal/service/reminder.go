package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/apperr"
	"github.com/medtrack/go-medtrack/internal/domain/notify"
	"github.com/medtrack/go-medtrack/internal/domain/schedule"
	"github.com/medtrack/go-medtrack/internal/observability/metrics"
)

// ReminderInput carries the editable reminder fields. Nil pointers leave the
// current value unchanged on update.
type ReminderInput struct {
	MedicineName string     `json:"medicine_name"`
	Dosage       string     `json:"dosage"`
	Frequency    string     `json:"frequency"`
	Instructions string     `json:"instructions"`
	Times        []string   `json:"times"`
	StartDate    *time.Time `json:"start_date,omitempty"`
	EndDate      *time.Time `json:"end_date,omitempty"`
	Active       *bool      `json:"active,omitempty"`
}

// DoseInput describes a dose to record
type DoseInput struct {
	Status      string     `json:"status"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// ReminderService manages reminders and dose logging
type ReminderService struct {
	reminders  ReminderRepository
	doses      DoseLogRepository
	dispatcher notify.Dispatcher
	loc        *time.Location
	clock      func() time.Time
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	logger     *zap.Logger
}

// NewReminderService creates the reminder service. Calendar dates are read in loc.
func NewReminderService(reminders ReminderRepository, doses DoseLogRepository, dispatcher notify.Dispatcher,
	loc *time.Location, m *metrics.Metrics, logger *zap.Logger) *ReminderService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &ReminderService{
		reminders:  reminders,
		doses:      doses,
		dispatcher: dispatcher,
		loc:        loc,
		clock:      time.Now,
		metrics:    m,
		tracer:     otel.Tracer("reminder-service"),
		logger:     logger,
	}
}

// WithClock replaces the time source
func (s *ReminderService) WithClock(clock func() time.Time) *ReminderService {
	s.clock = clock
	return s
}

// CreatedReminder is the saved reminder plus any notification dispatch
// failure. The reminder is stored even when DispatchErr is set.
type CreatedReminder struct {
	schedule.Reminder
	DispatchErr error `json:"-"`
}

// Create adds a reminder for the patient. The start date defaults to today.
func (s *ReminderService) Create(ctx context.Context, patientID string, in ReminderInput) (CreatedReminder, error) {
	ctx, span := s.tracer.Start(ctx, "reminder.create")
	defer span.End()

	name := strings.TrimSpace(in.MedicineName)
	if name == "" {
		return CreatedReminder{}, fmt.Errorf("%w: medicine name is required", apperr.ErrInvalidArgument)
	}
	times, err := schedule.NormalizeTimes(in.Times)
	if err != nil {
		return CreatedReminder{}, err
	}

	now := s.clock()
	startDate := dateOf(now.In(s.loc))
	if in.StartDate != nil {
		startDate = dateOf(*in.StartDate)
	}
	var endDate *time.Time
	if in.EndDate != nil {
		d := dateOf(*in.EndDate)
		endDate = &d
	}
	if endDate != nil && endDate.Before(startDate) {
		return CreatedReminder{}, fmt.Errorf("%w: end date is before start date", apperr.ErrInvalidArgument)
	}

	r := schedule.Reminder{
		ID:           uuid.New().String(),
		PatientID:    patientID,
		MedicineName: name,
		Dosage:       in.Dosage,
		Frequency:    in.Frequency,
		Instructions: in.Instructions,
		Times:        times,
		StartDate:    &startDate,
		EndDate:      endDate,
		Active:       true,
		CreatedAt:    now.UTC(),
	}
	if err := s.reminders.CreateReminder(ctx, r); err != nil {
		return CreatedReminder{}, fmt.Errorf("create reminder: %w", err)
	}
	span.SetAttributes(attribute.String("reminder_id", r.ID))

	n := notify.New(patientID, "", notify.TypeReminderCreated, "Reminder Created",
		fmt.Sprintf("Reminder added for %s", r.MedicineName), now).
		About(notify.RefReminder, r.ID)
	dispatchErr := emitAll(ctx, s.dispatcher, []notify.Notification{n}, s.metrics, s.logger)

	s.logger.Info("reminder created", zap.String("reminder_id", r.ID), zap.Int("times", len(times)))
	return CreatedReminder{Reminder: r, DispatchErr: dispatchErr}, nil
}

// Update changes an existing reminder owned by the patient
func (s *ReminderService) Update(ctx context.Context, patientID, id string, in ReminderInput) (schedule.Reminder, error) {
	r, err := s.owned(ctx, patientID, id)
	if err != nil {
		return schedule.Reminder{}, err
	}

	if name := strings.TrimSpace(in.MedicineName); name != "" {
		r.MedicineName = name
	}
	if in.Dosage != "" {
		r.Dosage = in.Dosage
	}
	if in.Frequency != "" {
		r.Frequency = in.Frequency
	}
	if in.Instructions != "" {
		r.Instructions = in.Instructions
	}
	if in.Times != nil {
		times, err := schedule.NormalizeTimes(in.Times)
		if err != nil {
			return schedule.Reminder{}, err
		}
		r.Times = times
	}
	if in.StartDate != nil {
		d := dateOf(*in.StartDate)
		r.StartDate = &d
	}
	if in.EndDate != nil {
		d := dateOf(*in.EndDate)
		r.EndDate = &d
	}
	if in.Active != nil {
		r.Active = *in.Active
	}
	if r.StartDate != nil && r.EndDate != nil && r.EndDate.Before(*r.StartDate) {
		return schedule.Reminder{}, fmt.Errorf("%w: end date is before start date", apperr.ErrInvalidArgument)
	}

	if err := s.reminders.UpdateReminder(ctx, r); err != nil {
		return schedule.Reminder{}, fmt.Errorf("update reminder: %w", err)
	}
	return r, nil
}

// Delete removes a reminder owned by the patient
func (s *ReminderService) Delete(ctx context.Context, patientID, id string) error {
	if _, err := s.owned(ctx, patientID, id); err != nil {
		return err
	}
	if err := s.reminders.DeleteReminder(ctx, id); err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	s.logger.Info("reminder deleted", zap.String("reminder_id", id))
	return nil
}

// List returns all of the patient's reminders
func (s *ReminderService) List(ctx context.Context, patientID string) ([]schedule.Reminder, error) {
	return s.reminders.ListReminders(ctx, patientID, false)
}

// LogDose records a dose against one of the patient's reminders. TAKEN is
// the default status and stamps the taken time; the scheduled time defaults
// to now.
func (s *ReminderService) LogDose(ctx context.Context, patientID, reminderID string, in DoseInput) (schedule.DoseLog, error) {
	ctx, span := s.tracer.Start(ctx, "reminder.log_dose", trace.WithAttributes(
		attribute.String("reminder_id", reminderID),
	))
	defer span.End()

	status, err := schedule.ParseDoseStatus(in.Status)
	if err != nil {
		return schedule.DoseLog{}, err
	}
	if _, err := s.owned(ctx, patientID, reminderID); err != nil {
		return schedule.DoseLog{}, err
	}

	now := s.clock().UTC()
	scheduledAt := now
	if in.ScheduledAt != nil {
		scheduledAt = in.ScheduledAt.UTC()
	}
	l := schedule.DoseLog{
		ID:          uuid.New().String(),
		PatientID:   patientID,
		ReminderID:  reminderID,
		ScheduledAt: scheduledAt,
		Status:      status,
		CreatedAt:   now,
	}
	if status == schedule.DoseTaken {
		l.TakenAt = &now
	}

	if err := s.doses.CreateDoseLog(ctx, l); err != nil {
		return schedule.DoseLog{}, fmt.Errorf("log dose: %w", err)
	}
	if s.metrics != nil {
		s.metrics.DosesLogged.WithLabelValues(string(status)).Inc()
	}
	return l, nil
}

// Calendar renders the patient's active reminders as iCalendar text
func (s *ReminderService) Calendar(ctx context.Context, patientID string) ([]byte, error) {
	reminders, err := s.reminders.ListReminders(ctx, patientID, true)
	if err != nil {
		return nil, err
	}
	cal, err := schedule.Calendar(reminders, s.loc, s.clock())
	if err != nil {
		return nil, err
	}
	if len(cal.Children) == 0 {
		return nil, fmt.Errorf("%w: no active reminders", apperr.ErrNotFound)
	}
	return schedule.EncodeCalendar(cal)
}

func (s *ReminderService) owned(ctx context.Context, patientID, id string) (schedule.Reminder, error) {
	r, err := s.reminders.GetReminder(ctx, id)
	if err != nil {
		return schedule.Reminder{}, err
	}
	if r.PatientID != patientID {
		return schedule.Reminder{}, fmt.Errorf("%w: reminder %s does not belong to patient", apperr.ErrUnauthorized, id)
	}
	return r, nil
}

// dateOf keeps the calendar date of t as midnight UTC
func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

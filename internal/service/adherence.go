package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/apperr"
	"github.com/medtrack/go-medtrack/internal/domain/prescription"
	"github.com/medtrack/go-medtrack/internal/domain/refill"
	"github.com/medtrack/go-medtrack/internal/domain/schedule"
)

// DefaultWindowDays is the analytics window when none is configured
const DefaultWindowDays = 7

// Analytics is a patient's adherence over a recent window
type Analytics struct {
	schedule.Summary
	From            string `json:"from"`
	To              string `json:"to"`
	ActiveReminders int    `json:"active_reminders"`
}

// PatientDashboard summarizes a patient's day
type PatientDashboard struct {
	ActivePrescriptions int `json:"active_prescriptions"`
	DosesDueToday       int `json:"doses_due_today"`
	TakenToday          int `json:"taken_today"`
	MissedToday         int `json:"missed_today"`
	WeeklyAdherence     int `json:"weekly_adherence"`
	UnreadNotifications int `json:"unread_notifications"`
}

// PharmacistDashboard summarizes a pharmacist's queue
type PharmacistDashboard struct {
	PendingOrders       int `json:"pending_orders"`
	UnreadNotifications int `json:"unread_notifications"`
}

// AdherenceService answers read-side adherence and dashboard queries
type AdherenceService struct {
	reminders     ReminderRepository
	doses         DoseLogRepository
	rxs           PrescriptionRepository
	refills       RefillRepository
	notifications NotificationRepository
	loc           *time.Location
	window        int
	clock         func() time.Time
	tracer        trace.Tracer
	logger        *zap.Logger
}

// NewAdherenceService creates the adherence service. Days are read in loc;
// window is the default analytics length in days.
func NewAdherenceService(reminders ReminderRepository, doses DoseLogRepository, rxs PrescriptionRepository,
	refills RefillRepository, notifications NotificationRepository, loc *time.Location, window int, logger *zap.Logger) *AdherenceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	if window <= 0 {
		window = DefaultWindowDays
	}
	return &AdherenceService{
		reminders:     reminders,
		doses:         doses,
		rxs:           rxs,
		refills:       refills,
		notifications: notifications,
		loc:           loc,
		window:        window,
		clock:         time.Now,
		tracer:        otel.Tracer("adherence-service"),
		logger:        logger,
	}
}

// WithClock replaces the time source
func (s *AdherenceService) WithClock(clock func() time.Time) *AdherenceService {
	s.clock = clock
	return s
}

// Analytics summarizes the last days days ending today. Zero days uses the
// configured window.
func (s *AdherenceService) Analytics(ctx context.Context, patientID string, days int) (Analytics, error) {
	ctx, span := s.tracer.Start(ctx, "adherence.analytics")
	defer span.End()

	if days == 0 {
		days = s.window
	}
	if days < 0 || days > 366 {
		return Analytics{}, fmt.Errorf("%w: days must be between 1 and 366", apperr.ErrInvalidArgument)
	}
	span.SetAttributes(attribute.Int("days", days))

	reminders, err := s.reminders.ListReminders(ctx, patientID, false)
	if err != nil {
		return Analytics{}, fmt.Errorf("list reminders: %w", err)
	}
	end := s.today()
	start := end.AddDate(0, 0, -(days - 1))
	summary, err := s.summarize(ctx, patientID, reminders, start, end)
	if err != nil {
		return Analytics{}, err
	}

	active := 0
	for _, r := range reminders {
		if r.Active {
			active++
		}
	}
	return Analytics{
		Summary:         summary,
		From:            start.Format("2006-01-02"),
		To:              end.Format("2006-01-02"),
		ActiveReminders: active,
	}, nil
}

// PatientDashboard reports today's schedule, the weekly adherence rate and
// the unread notification count
func (s *AdherenceService) PatientDashboard(ctx context.Context, patientID string) (PatientDashboard, error) {
	ctx, span := s.tracer.Start(ctx, "adherence.patient_dashboard")
	defer span.End()

	reminders, err := s.reminders.ListReminders(ctx, patientID, false)
	if err != nil {
		return PatientDashboard{}, fmt.Errorf("list reminders: %w", err)
	}
	today := s.today()
	week, err := s.summarize(ctx, patientID, reminders, today.AddDate(0, 0, -(DefaultWindowDays-1)), today)
	if err != nil {
		return PatientDashboard{}, err
	}
	activeRx, err := s.rxs.CountPrescriptions(ctx, patientID, prescription.StatusActive)
	if err != nil {
		return PatientDashboard{}, fmt.Errorf("count prescriptions: %w", err)
	}
	unread, err := s.notifications.CountUnread(ctx, patientID)
	if err != nil {
		return PatientDashboard{}, fmt.Errorf("count unread: %w", err)
	}

	dash := PatientDashboard{
		ActivePrescriptions: activeRx,
		WeeklyAdherence:     week.AdherenceRate,
		UnreadNotifications: unread,
	}
	if n := len(week.Days); n > 0 {
		dash.DosesDueToday = week.Days[n-1].Scheduled
		dash.TakenToday = week.Days[n-1].Taken
	}
	dash.MissedToday = max(s.elapsedToday(reminders, today)-dash.TakenToday, 0)
	return dash, nil
}

// PharmacistDashboard reports the pharmacist's in-flight orders and unread
// notification count
func (s *AdherenceService) PharmacistDashboard(ctx context.Context, pharmacistID string) (PharmacistDashboard, error) {
	pending, err := s.refills.ListRefillsByPharmacist(ctx, pharmacistID, refill.ActiveStatuses)
	if err != nil {
		return PharmacistDashboard{}, fmt.Errorf("list pending orders: %w", err)
	}
	unread, err := s.notifications.CountUnread(ctx, pharmacistID)
	if err != nil {
		return PharmacistDashboard{}, fmt.Errorf("count unread: %w", err)
	}
	return PharmacistDashboard{PendingOrders: len(pending), UnreadNotifications: unread}, nil
}

func (s *AdherenceService) summarize(ctx context.Context, patientID string, reminders []schedule.Reminder, start, end time.Time) (schedule.Summary, error) {
	logs, err := s.doses.ListDoseLogs(ctx, patientID, start.UTC(), end.AddDate(0, 0, 1).UTC())
	if err != nil {
		return schedule.Summary{}, fmt.Errorf("list dose logs: %w", err)
	}
	return schedule.Summarize(reminders, logs, start, end), nil
}

// elapsedToday counts today's scheduled doses whose time has already passed
func (s *AdherenceService) elapsedToday(reminders []schedule.Reminder, today time.Time) int {
	now := s.clock().In(s.loc)
	elapsed := 0
	for _, r := range reminders {
		if schedule.ScheduledDoses(r, today) == 0 {
			continue
		}
		seen := make(map[string]bool, len(r.Times))
		for _, marker := range r.Times {
			h, m, err := schedule.ParseTimeOfDay(marker)
			if err != nil || seen[marker] {
				continue
			}
			seen[marker] = true
			at := time.Date(today.Year(), today.Month(), today.Day(), h, m, 0, 0, s.loc)
			if !at.After(now) {
				elapsed++
			}
		}
	}
	return elapsed
}

// today returns local midnight of the current day
func (s *AdherenceService) today() time.Time {
	y, m, d := s.clock().In(s.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.loc)
}

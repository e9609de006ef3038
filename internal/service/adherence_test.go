package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/medtrack/go-medtrack/internal/apperr"
	"github.com/medtrack/go-medtrack/internal/domain/notify"
	"github.com/medtrack/go-medtrack/internal/domain/prescription"
	"github.com/medtrack/go-medtrack/internal/domain/schedule"
	"github.com/medtrack/go-medtrack/internal/infrastructure/sqlite/sqlitetest"
	"github.com/medtrack/go-medtrack/internal/service"
)

// fixed "now": Wednesday 2024-05-08 13:00 UTC
var clock = func() time.Time { return time.Date(2024, 5, 8, 13, 0, 0, 0, time.UTC) }

func TestReminderLifecycle(t *testing.T) {
	store := sqlitetest.NewTestStore(t)
	d := &recordingDispatcher{}
	svc := service.NewReminderService(store, store, d, time.UTC, nil, nil).WithClock(clock)
	ctx := context.Background()

	r, err := svc.Create(ctx, "patient-1", service.ReminderInput{
		MedicineName: "Metformin",
		Dosage:       "500mg",
		Times:        []string{"20:00", "08:00", "8:00"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if strings.Join(r.Times, ",") != "20:00,08:00" {
		t.Errorf("times = %v, want deduplicated in order", r.Times)
	}
	if r.StartDate == nil || r.StartDate.Format("2006-01-02") != "2024-05-08" {
		t.Errorf("start date should default to today, got %v", r.StartDate)
	}
	if !r.Active {
		t.Error("new reminder should be active")
	}
	if d.count() != 1 || d.sent[0].Type != notify.TypeReminderCreated {
		t.Errorf("expected one REMINDER_CREATED notification, got %+v", d.sent)
	}
	if d.sent[0].Message != "Reminder added for Metformin" {
		t.Errorf("unexpected message %q", d.sent[0].Message)
	}

	inactive := false
	updated, err := svc.Update(ctx, "patient-1", r.ID, service.ReminderInput{Active: &inactive})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Active || updated.MedicineName != "Metformin" {
		t.Errorf("unexpected update result: %+v", updated)
	}

	if _, err := svc.Update(ctx, "patient-2", r.ID, service.ReminderInput{}); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if err := svc.Delete(ctx, "patient-1", r.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := svc.LogDose(ctx, "patient-1", r.ID, service.DoseInput{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestReminderCreateReportsDispatchFailure(t *testing.T) {
	store := sqlitetest.NewTestStore(t)
	d := &recordingDispatcher{fail: errors.New("broker down")}
	svc := service.NewReminderService(store, store, d, time.UTC, nil, nil).WithClock(clock)
	ctx := context.Background()

	r, err := svc.Create(ctx, "patient-1", service.ReminderInput{MedicineName: "Metformin", Times: []string{"08:00"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.DispatchErr == nil {
		t.Fatal("expected the dispatch failure to be reported")
	}

	list, err := svc.List(ctx, "patient-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].ID != r.ID {
		t.Errorf("reminder should be stored despite the failure, got %+v", list)
	}
}

func TestReminderValidation(t *testing.T) {
	store := sqlitetest.NewTestStore(t)
	svc := service.NewReminderService(store, store, nil, time.UTC, nil, nil).WithClock(clock)
	ctx := context.Background()

	start := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   service.ReminderInput
	}{
		{"missing name", service.ReminderInput{Times: []string{"08:00"}}},
		{"no times", service.ReminderInput{MedicineName: "X"}},
		{"bad time", service.ReminderInput{MedicineName: "X", Times: []string{"8pm"}}},
		{"end before start", service.ReminderInput{MedicineName: "X", Times: []string{"08:00"}, StartDate: &start, EndDate: &end}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Create(ctx, "patient-1", tt.in); !errors.Is(err, apperr.ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestLogDose(t *testing.T) {
	store := sqlitetest.NewTestStore(t)
	svc := service.NewReminderService(store, store, nil, time.UTC, nil, nil).WithClock(clock)
	ctx := context.Background()

	r, err := svc.Create(ctx, "patient-1", service.ReminderInput{MedicineName: "X", Times: []string{"08:00"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	taken, err := svc.LogDose(ctx, "patient-1", r.ID, service.DoseInput{})
	if err != nil {
		t.Fatalf("LogDose: %v", err)
	}
	if taken.Status != schedule.DoseTaken || taken.TakenAt == nil || !taken.ScheduledAt.Equal(clock()) {
		t.Errorf("unexpected TAKEN log: %+v", taken)
	}

	at := time.Date(2024, 5, 7, 8, 0, 0, 0, time.UTC)
	missed, err := svc.LogDose(ctx, "patient-1", r.ID, service.DoseInput{Status: "missed", ScheduledAt: &at})
	if err != nil {
		t.Fatalf("LogDose missed: %v", err)
	}
	if missed.TakenAt != nil || !missed.ScheduledAt.Equal(at) {
		t.Errorf("unexpected MISSED log: %+v", missed)
	}

	if _, err := svc.LogDose(ctx, "patient-1", r.ID, service.DoseInput{Status: "skipped"}); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := svc.LogDose(ctx, "patient-2", r.ID, service.DoseInput{}); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAnalyticsAndDashboard(t *testing.T) {
	store := sqlitetest.NewTestStore(t)
	ctx := context.Background()
	reminders := service.NewReminderService(store, store, service.NewStoreDispatcher(store), time.UTC, nil, nil).WithClock(clock)
	adherence := service.NewAdherenceService(store, store, store, store, store, time.UTC, 7, nil).WithClock(clock)

	start := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	r, err := reminders.Create(ctx, "patient-1", service.ReminderInput{
		MedicineName: "Metformin",
		Times:        []string{"08:00", "20:00"},
		StartDate:    &start,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for _, at := range []time.Time{
		time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC),
		time.Date(2024, 5, 6, 20, 0, 0, 0, time.UTC),
		time.Date(2024, 5, 7, 8, 0, 0, 0, time.UTC),
		time.Date(2024, 5, 8, 8, 0, 0, 0, time.UTC),
	} {
		at := at
		if _, err := reminders.LogDose(ctx, "patient-1", r.ID, service.DoseInput{ScheduledAt: &at}); err != nil {
			t.Fatalf("LogDose: %v", err)
		}
	}

	a, err := adherence.Analytics(ctx, "patient-1", 3)
	if err != nil {
		t.Fatalf("Analytics: %v", err)
	}
	if a.From != "2024-05-06" || a.To != "2024-05-08" {
		t.Errorf("window = %s..%s", a.From, a.To)
	}
	if len(a.Days) != 3 {
		t.Fatalf("days = %d, want 3", len(a.Days))
	}
	if a.TotalScheduled != 6 || a.TotalTaken != 4 || a.TotalMissed != 2 {
		t.Errorf("totals = %d/%d/%d", a.TotalScheduled, a.TotalTaken, a.TotalMissed)
	}
	if a.AdherenceRate != 67 {
		t.Errorf("adherence = %d, want 67", a.AdherenceRate)
	}
	if a.ActiveReminders != 1 {
		t.Errorf("active reminders = %d, want 1", a.ActiveReminders)
	}

	week, err := adherence.Analytics(ctx, "patient-1", 0)
	if err != nil {
		t.Fatalf("Analytics default window: %v", err)
	}
	if len(week.Days) != 7 {
		t.Errorf("default window days = %d, want 7", len(week.Days))
	}
	if _, err := adherence.Analytics(ctx, "patient-1", -1); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for negative days, got %v", err)
	}

	if err := store.SavePrescription(ctx, prescription.Prescription{
		ID: "rx-1", PatientID: "patient-1", Status: prescription.StatusActive, RefillLimit: 1, RefillsRemaining: 1,
	}); err != nil {
		t.Fatalf("SavePrescription: %v", err)
	}

	dash, err := adherence.PatientDashboard(ctx, "patient-1")
	if err != nil {
		t.Fatalf("PatientDashboard: %v", err)
	}
	want := service.PatientDashboard{
		ActivePrescriptions: 1,
		DosesDueToday:       2,
		TakenToday:          1,
		MissedToday:         0,
		WeeklyAdherence:     67,
		UnreadNotifications: 1,
	}
	if dash != want {
		t.Errorf("dashboard = %+v, want %+v", dash, want)
	}
}

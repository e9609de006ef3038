// Package schedule evaluates medication reminders and aggregates dose logs
// into adherence summaries.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/medtrack/go-medtrack/internal/apperr"
)

// DoseStatus is the outcome recorded for a scheduled dose
type DoseStatus string

const (
	DoseTaken  DoseStatus = "TAKEN"
	DoseMissed DoseStatus = "MISSED"
)

// Reminder is a recurring medication schedule owned by a patient
type Reminder struct {
	ID           string     `json:"id"`
	PatientID    string     `json:"patient_id"`
	MedicineName string     `json:"medicine_name"`
	Dosage       string     `json:"dosage"`
	Frequency    string     `json:"frequency"`
	Instructions string     `json:"instructions"`
	Times        []string   `json:"times"`
	StartDate    *time.Time `json:"start_date,omitempty"`
	EndDate      *time.Time `json:"end_date,omitempty"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
}

// DoseLog records a single dose event. Logs are never modified after creation.
type DoseLog struct {
	ID          string     `json:"id"`
	PatientID   string     `json:"patient_id"`
	ReminderID  string     `json:"reminder_id"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	TakenAt     *time.Time `json:"taken_at,omitempty"`
	Status      DoseStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ParseDoseStatus parses a dose status, defaulting to TAKEN when empty
func ParseDoseStatus(s string) (DoseStatus, error) {
	switch DoseStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case "", DoseTaken:
		return DoseTaken, nil
	case DoseMissed:
		return DoseMissed, nil
	}
	return "", fmt.Errorf("%w: unknown dose status %q", apperr.ErrInvalidArgument, s)
}

// ParseTimeOfDay parses an "HH:MM" marker
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: time %q is not HH:MM", apperr.ErrInvalidArgument, s)
	}
	return t.Hour(), t.Minute(), nil
}

// NormalizeTimes validates markers and removes duplicates, keeping first-seen order
func NormalizeTimes(times []string) ([]string, error) {
	if len(times) == 0 {
		return nil, fmt.Errorf("%w: at least one time is required", apperr.ErrInvalidArgument)
	}
	seen := make(map[string]bool, len(times))
	out := make([]string, 0, len(times))
	for _, raw := range times {
		h, m, err := ParseTimeOfDay(raw)
		if err != nil {
			return nil, err
		}
		marker := fmt.Sprintf("%02d:%02d", h, m)
		if seen[marker] {
			continue
		}
		seen[marker] = true
		out = append(out, marker)
	}
	return out, nil
}

// ScheduledDoses returns how many doses the reminder schedules on date.
// Only the calendar date of each value is compared.
func ScheduledDoses(r Reminder, date time.Time) int {
	if !r.Active {
		return 0
	}
	day := civil(date)
	if r.StartDate != nil && day.Before(civil(*r.StartDate)) {
		return 0
	}
	if r.EndDate != nil && day.After(civil(*r.EndDate)) {
		return 0
	}
	return distinctMarkers(r.Times)
}

func distinctMarkers(times []string) int {
	seen := make(map[string]struct{}, len(times))
	for _, t := range times {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		seen[t] = struct{}{}
	}
	return len(seen)
}

// civil strips the clock and zone, keeping the date as read in t's own location
func civil(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

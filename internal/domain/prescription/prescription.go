// Package prescription defines the prescription entity and its refill counter.
package prescription

import (
	"fmt"
	"time"
)

// Status represents prescription status
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Medication is one line of a prescription
type Medication struct {
	Name         string `json:"name"`
	Dosage       string `json:"dosage"`
	Frequency    string `json:"frequency"`
	Duration     string `json:"duration"`
	TimeOfDay    string `json:"time_of_day"`
	Instructions string `json:"instructions"`
}

// Prescription is issued by a doctor to a patient and carries a refill allowance
type Prescription struct {
	ID               string       `json:"id"`
	PatientID        string       `json:"patient_id"`
	DoctorID         string       `json:"doctor_id"`
	Medications      []Medication `json:"medications"`
	Diagnosis        string       `json:"diagnosis"`
	Notes            string       `json:"notes"`
	Status           Status       `json:"status"`
	RefillLimit      int          `json:"refill_limit"`
	RefillsRemaining int          `json:"refills_remaining"`
	ValidUntil       *time.Time   `json:"valid_until,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	Version          int          `json:"version"`
}

// Validate checks the refill counter invariants
func (p *Prescription) Validate() error {
	if p.RefillLimit < 0 {
		return fmt.Errorf("refill limit must not be negative")
	}
	if p.RefillsRemaining < 0 {
		return fmt.Errorf("refills remaining must not be negative")
	}
	switch p.Status {
	case StatusActive, StatusCompleted, StatusCancelled:
	default:
		return fmt.Errorf("unknown prescription status %q", p.Status)
	}
	return nil
}

// HasRefills reports whether at least one refill is left
func (p *Prescription) HasRefills() bool { return p.RefillsRemaining > 0 }

// ConsumeRefill decrements the remaining refills by one when any are left and
// completes the prescription when that was the last one. A prescription with
// nothing left is not touched. It reports whether a refill was consumed.
func (p *Prescription) ConsumeRefill() bool {
	if p.RefillsRemaining <= 0 {
		return false
	}
	p.RefillsRemaining--
	if p.RefillsRemaining == 0 {
		p.Status = StatusCompleted
	}
	return true
}

// PrimaryMedication returns the first medication name, or empty when none
func (p *Prescription) PrimaryMedication() string {
	if len(p.Medications) == 0 {
		return ""
	}
	return p.Medications[0].Name
}

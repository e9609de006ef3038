// Package refill implements the refill request fulfillment workflow: opening
// a request against a prescription and moving it through its statuses.
package refill

import (
	"fmt"
	"strings"
	"time"

	"github.com/medtrack/go-medtrack/internal/apperr"
)

// Status represents refill request status
type Status string

const (
	StatusRequested  Status = "REQUESTED"
	StatusProcessing Status = "PROCESSING"
	StatusReady      Status = "READY"
	StatusDispensed  Status = "DISPENSED"
	StatusRejected   Status = "REJECTED"
)

// ActiveStatuses are the statuses of a request still in flight
var ActiveStatuses = []Status{StatusRequested, StatusProcessing, StatusReady}

var knownStatuses = map[Status]bool{
	StatusRequested:  true,
	StatusProcessing: true,
	StatusReady:      true,
	StatusDispensed:  true,
	StatusRejected:   true,
}

// Terminal reports whether no further work happens in s
func (s Status) Terminal() bool {
	return s == StatusDispensed || s == StatusRejected
}

// ParseStatus parses a target status. Empty input means PROCESSING; matching
// ignores case and surrounding whitespace.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if s == "" {
		return StatusProcessing, nil
	}
	if !knownStatuses[s] {
		return "", fmt.Errorf("%w: unknown refill status %q", apperr.ErrInvalidArgument, raw)
	}
	return s, nil
}

// Request is a patient's request to refill a prescription
type Request struct {
	ID             string    `json:"id"`
	PatientID      string    `json:"patient_id"`
	PharmacistID   string    `json:"pharmacist_id"`
	PrescriptionID string    `json:"prescription_id"`
	Status         Status    `json:"status"`
	Note           string    `json:"note,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Version        int       `json:"version"`
}

// AssignedPharmacist returns the id of the pharmacist handling the request
func (r *Request) AssignedPharmacist() string { return r.PharmacistID }

// Active reports whether the request is still in flight
func (r *Request) Active() bool { return !r.Status.Terminal() }

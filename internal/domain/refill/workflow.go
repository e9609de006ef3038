package refill

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medtrack/go-medtrack/internal/apperr"
	"github.com/medtrack/go-medtrack/internal/domain/notify"
	"github.com/medtrack/go-medtrack/internal/domain/prescription"
)

// Precondition failures reported by Open
var (
	ErrNoRefillsRemaining = fmt.Errorf("%w: no refills remaining", apperr.ErrPreconditionFailed)
	ErrActiveRequest      = fmt.Errorf("%w: an active refill request already exists", apperr.ErrPreconditionFailed)
	ErrNoPharmacist       = fmt.Errorf("%w: no pharmacist available", apperr.ErrPreconditionFailed)
)

// Result is the outcome of a workflow step: the entities to persist and the
// notifications to emit once they are stored.
type Result struct {
	Request       Request
	Prescription  prescription.Prescription
	Notifications []notify.Notification
	// RefillConsumed is set when the prescription counter or status changed.
	RefillConsumed bool
	Previous       Status
}

// OpenInput carries everything Open needs
type OpenInput struct {
	Prescription prescription.Prescription
	HasActive    bool
	PharmacistID string
	PatientName  string
	Note         string
	Now          time.Time
}

// Open creates a refill request for a prescription. Preconditions are
// checked in order: refills remain, no request is in flight, a pharmacist
// was assigned.
func Open(in OpenInput) (Result, error) {
	rx := in.Prescription
	if !rx.HasRefills() {
		return Result{}, ErrNoRefillsRemaining
	}
	if in.HasActive {
		return Result{}, ErrActiveRequest
	}
	if in.PharmacistID == "" {
		return Result{}, ErrNoPharmacist
	}

	now := in.Now.UTC()
	req := Request{
		ID:             uuid.New().String(),
		PatientID:      rx.PatientID,
		PharmacistID:   in.PharmacistID,
		PrescriptionID: rx.ID,
		Status:         StatusRequested,
		Note:           in.Note,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	name := in.PatientName
	if name == "" {
		name = "A patient"
	}
	toPharmacist := notify.New(req.PharmacistID, req.PatientID, notify.TypeRefillRequest,
		"New Refill Request",
		fmt.Sprintf("%s requested a refill for prescription %s", name, rx.ID), now).
		About(notify.RefRefillRequest, req.ID)
	toPatient := notify.New(req.PatientID, req.PharmacistID, notify.TypeRefillRequest,
		"Refill Requested",
		"Your refill request has been sent to the pharmacist.", now).
		About(notify.RefRefillRequest, req.ID)

	return Result{
		Request:       req,
		Prescription:  rx,
		Notifications: []notify.Notification{toPharmacist, toPatient},
		Previous:      StatusRequested,
	}, nil
}

// Apply moves a request to target under policy. Entering DISPENSED from any
// other status consumes one refill from the prescription; replaying
// DISPENSED never does.
func Apply(req Request, rx prescription.Prescription, target Status, policy Policy, now time.Time) (Result, error) {
	if err := policy.Check(req.Status, target); err != nil {
		return Result{}, err
	}

	now = now.UTC()
	prev := req.Status
	req.Status = target
	req.UpdatedAt = now

	consumed := false
	if target == StatusDispensed && prev != StatusDispensed {
		consumed = rx.ConsumeRefill()
	}

	n := notify.New(req.PatientID, req.PharmacistID, notify.TypeRefillStatusUpdated,
		"Refill Status Updated",
		fmt.Sprintf("Your refill request is now %s", target), now).
		About(notify.RefRefillRequest, req.ID)

	return Result{
		Request:        req,
		Prescription:   rx,
		Notifications:  []notify.Notification{n},
		RefillConsumed: consumed,
		Previous:       prev,
	}, nil
}

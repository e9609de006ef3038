package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/medtrack/go-medtrack/internal/domain/prescription"
)

const prescriptionColumns = `id, patient_id, doctor_id, medications, diagnosis, notes, status,
	refill_limit, refills_remaining, valid_until, created_at, version`

type prescriptionRow struct {
	ID               string     `db:"id"`
	PatientID        string     `db:"patient_id"`
	DoctorID         string     `db:"doctor_id"`
	Medications      string     `db:"medications"`
	Diagnosis        string     `db:"diagnosis"`
	Notes            string     `db:"notes"`
	Status           string     `db:"status"`
	RefillLimit      int        `db:"refill_limit"`
	RefillsRemaining int        `db:"refills_remaining"`
	ValidUntil       *time.Time `db:"valid_until"`
	CreatedAt        time.Time  `db:"created_at"`
	Version          int        `db:"version"`
}

func (r prescriptionRow) toDomain() (prescription.Prescription, error) {
	p := prescription.Prescription{
		ID:               r.ID,
		PatientID:        r.PatientID,
		DoctorID:         r.DoctorID,
		Diagnosis:        r.Diagnosis,
		Notes:            r.Notes,
		Status:           prescription.Status(r.Status),
		RefillLimit:      r.RefillLimit,
		RefillsRemaining: r.RefillsRemaining,
		ValidUntil:       r.ValidUntil,
		CreatedAt:        r.CreatedAt,
		Version:          r.Version,
	}
	if err := json.Unmarshal([]byte(r.Medications), &p.Medications); err != nil {
		return prescription.Prescription{}, fmt.Errorf("decoding medications for %s: %w", r.ID, err)
	}
	return p, nil
}

// GetPrescription returns the prescription with id
func (s *Store) GetPrescription(ctx context.Context, id string) (prescription.Prescription, error) {
	var row prescriptionRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+prescriptionColumns+" FROM prescriptions WHERE id = ?", id)
	if err != nil {
		return prescription.Prescription{}, notFound(err, "prescription", id)
	}
	return row.toDomain()
}

// ListPrescriptionsByPatient returns the patient's prescriptions, newest first
func (s *Store) ListPrescriptionsByPatient(ctx context.Context, patientID string) ([]prescription.Prescription, error) {
	var rows []prescriptionRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+prescriptionColumns+" FROM prescriptions WHERE patient_id = ? ORDER BY created_at DESC",
		patientID)
	if err != nil {
		return nil, fmt.Errorf("listing prescriptions: %w", err)
	}
	out := make([]prescription.Prescription, 0, len(rows))
	for _, r := range rows {
		p, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// CountPrescriptions counts the patient's prescriptions in status
func (s *Store) CountPrescriptions(ctx context.Context, patientID string, status prescription.Status) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM prescriptions WHERE patient_id = ? AND status = ?", patientID, string(status))
	if err != nil {
		return 0, fmt.Errorf("counting prescriptions: %w", err)
	}
	return count, nil
}

// SavePrescription inserts or replaces a prescription
func (s *Store) SavePrescription(ctx context.Context, p prescription.Prescription) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("saving prescription %s: %w", p.ID, err)
	}
	meds, err := json.Marshal(p.Medications)
	if err != nil {
		return fmt.Errorf("encoding medications: %w", err)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO prescriptions (`+prescriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			patient_id = excluded.patient_id, doctor_id = excluded.doctor_id,
			medications = excluded.medications, diagnosis = excluded.diagnosis,
			notes = excluded.notes, status = excluded.status,
			refill_limit = excluded.refill_limit, refills_remaining = excluded.refills_remaining,
			valid_until = excluded.valid_until, version = prescriptions.version + 1`,
		p.ID, p.PatientID, p.DoctorID, string(meds), p.Diagnosis, p.Notes, string(p.Status),
		p.RefillLimit, p.RefillsRemaining, utcPtr(p.ValidUntil), p.CreatedAt.UTC(), p.Version)
	if err != nil {
		return fmt.Errorf("saving prescription %s: %w", p.ID, err)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

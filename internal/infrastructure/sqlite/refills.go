package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/apperr"
	"github.com/medtrack/go-medtrack/internal/domain/prescription"
	"github.com/medtrack/go-medtrack/internal/domain/refill"
)

const refillColumns = `id, patient_id, pharmacist_id, prescription_id, status, note,
	created_at, updated_at, version`

type refillRow struct {
	ID             string    `db:"id"`
	PatientID      string    `db:"patient_id"`
	PharmacistID   string    `db:"pharmacist_id"`
	PrescriptionID string    `db:"prescription_id"`
	Status         string    `db:"status"`
	Note           string    `db:"note"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
	Version        int       `db:"version"`
}

func (r refillRow) toDomain() refill.Request {
	return refill.Request{
		ID:             r.ID,
		PatientID:      r.PatientID,
		PharmacistID:   r.PharmacistID,
		PrescriptionID: r.PrescriptionID,
		Status:         refill.Status(r.Status),
		Note:           r.Note,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		Version:        r.Version,
	}
}

func toRequests(rows []refillRow) []refill.Request {
	out := make([]refill.Request, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}

// activeStatusArgs returns the in-flight statuses as query arguments
func activeStatusArgs() []interface{} {
	args := make([]interface{}, 0, len(refill.ActiveStatuses))
	for _, st := range refill.ActiveStatuses {
		args = append(args, string(st))
	}
	return args
}

// GetRefill returns the refill request with id
func (s *Store) GetRefill(ctx context.Context, id string) (refill.Request, error) {
	var row refillRow
	err := s.db.GetContext(ctx, &row, "SELECT "+refillColumns+" FROM refill_requests WHERE id = ?", id)
	if err != nil {
		return refill.Request{}, notFound(err, "refill request", id)
	}
	return row.toDomain(), nil
}

// HasActiveRefill reports whether the prescription has an in-flight request
func (s *Store) HasActiveRefill(ctx context.Context, prescriptionID string) (bool, error) {
	query, args, err := sqlx.In(
		"SELECT COUNT(*) FROM refill_requests WHERE prescription_id = ? AND status IN (?)",
		prescriptionID, activeStatusArgs())
	if err != nil {
		return false, fmt.Errorf("building active refill query: %w", err)
	}
	var count int
	if err := s.db.GetContext(ctx, &count, s.db.Rebind(query), args...); err != nil {
		return false, fmt.Errorf("checking active refill: %w", err)
	}
	return count > 0, nil
}

// ListRefillsByPatient returns the patient's refill requests, newest first
func (s *Store) ListRefillsByPatient(ctx context.Context, patientID string) ([]refill.Request, error) {
	var rows []refillRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+refillColumns+" FROM refill_requests WHERE patient_id = ? ORDER BY created_at DESC, id DESC",
		patientID)
	if err != nil {
		return nil, fmt.Errorf("listing refill requests: %w", err)
	}
	return toRequests(rows), nil
}

// ListRefillsByPharmacist returns the pharmacist's requests in any of
// statuses, newest first. No statuses means all.
func (s *Store) ListRefillsByPharmacist(ctx context.Context, pharmacistID string, statuses []refill.Status) ([]refill.Request, error) {
	query := "SELECT " + refillColumns + " FROM refill_requests WHERE pharmacist_id = ?"
	args := []interface{}{pharmacistID}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY created_at DESC, id DESC"

	var rows []refillRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing pharmacist orders: %w", err)
	}
	return toRequests(rows), nil
}

// CountActiveByPharmacist returns in-flight request counts keyed by pharmacist
func (s *Store) CountActiveByPharmacist(ctx context.Context) (map[string]int, error) {
	query, args, err := sqlx.In(`
		SELECT pharmacist_id, COUNT(*) AS pending FROM refill_requests
		WHERE status IN (?) GROUP BY pharmacist_id`, activeStatusArgs())
	if err != nil {
		return nil, fmt.Errorf("building load query: %w", err)
	}
	var rows []struct {
		PharmacistID string `db:"pharmacist_id"`
		Pending      int    `db:"pending"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("counting pharmacist load: %w", err)
	}
	load := make(map[string]int, len(rows))
	for _, r := range rows {
		load[r.PharmacistID] = r.Pending
	}
	return load, nil
}

// CreateRefill inserts a new request. The partial unique index on in-flight
// requests turns a concurrent duplicate into apperr.ErrConflict.
func (s *Store) CreateRefill(ctx context.Context, req refill.Request) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refill_requests (`+refillColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.PatientID, req.PharmacistID, req.PrescriptionID, string(req.Status), req.Note,
		req.CreatedAt.UTC(), req.UpdatedAt.UTC(), req.Version)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: prescription %s already has an active refill request", apperr.ErrConflict, req.PrescriptionID)
	}
	if err != nil {
		return fmt.Errorf("creating refill request: %w", err)
	}
	return nil
}

// SaveRefillTransition writes the request status and, when rxChanged, the
// prescription counter in one transaction guarded by both versions
func (s *Store) SaveRefillTransition(ctx context.Context, req refill.Request, rx prescription.Prescription, rxChanged bool) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE refill_requests SET status = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(req.Status), req.UpdatedAt.UTC(), req.ID, req.Version)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: prescription %s already has an active refill request", apperr.ErrConflict, req.PrescriptionID)
	}
	if err != nil {
		return fmt.Errorf("updating refill request: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: refill request %s changed concurrently", apperr.ErrConflict, req.ID)
	}

	if rxChanged {
		result, err := tx.ExecContext(ctx, `
			UPDATE prescriptions SET refills_remaining = ?, status = ?, version = version + 1
			WHERE id = ? AND version = ?`,
			rx.RefillsRemaining, string(rx.Status), rx.ID, rx.Version)
		if err != nil {
			return fmt.Errorf("updating prescription: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return fmt.Errorf("%w: prescription %s changed concurrently", apperr.ErrConflict, rx.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing refill transition: %w", err)
	}
	s.logger.Debug("refill transition stored",
		zap.String("refill_request_id", req.ID),
		zap.String("status", string(req.Status)),
		zap.Bool("prescription_updated", rxChanged),
	)
	return nil
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
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

func collectRefills(rows pgx.Rows) ([]refill.Request, error) {
	list, err := pgx.CollectRows(rows, pgx.RowToStructByName[refillRow])
	if err != nil {
		return nil, err
	}
	out := make([]refill.Request, 0, len(list))
	for _, r := range list {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func statusStrings(statuses []refill.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

// GetRefill returns the refill request with id
func (s *Store) GetRefill(ctx context.Context, id string) (refill.Request, error) {
	rows, _ := s.pool.Query(ctx, "SELECT "+refillColumns+" FROM refill_requests WHERE id = $1", id)
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[refillRow])
	if err != nil {
		return refill.Request{}, notFound(err, "refill request", id)
	}
	return row.toDomain(), nil
}

// HasActiveRefill reports whether the prescription has an in-flight request
func (s *Store) HasActiveRefill(ctx context.Context, prescriptionID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM refill_requests WHERE prescription_id = $1 AND status = ANY($2)
		)`, prescriptionID, statusStrings(refill.ActiveStatuses)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active refill: %w", err)
	}
	return exists, nil
}

// ListRefillsByPatient returns the patient's refill requests, newest first
func (s *Store) ListRefillsByPatient(ctx context.Context, patientID string) ([]refill.Request, error) {
	rows, _ := s.pool.Query(ctx,
		"SELECT "+refillColumns+" FROM refill_requests WHERE patient_id = $1 ORDER BY created_at DESC, id DESC",
		patientID)
	list, err := collectRefills(rows)
	if err != nil {
		return nil, fmt.Errorf("list refill requests: %w", err)
	}
	return list, nil
}

// ListRefillsByPharmacist returns the pharmacist's requests in any of
// statuses, newest first. No statuses means all.
func (s *Store) ListRefillsByPharmacist(ctx context.Context, pharmacistID string, statuses []refill.Status) ([]refill.Request, error) {
	rows, _ := s.pool.Query(ctx, `
		SELECT `+refillColumns+` FROM refill_requests
		WHERE pharmacist_id = $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY created_at DESC, id DESC`,
		pharmacistID, statusStrings(statuses))
	list, err := collectRefills(rows)
	if err != nil {
		return nil, fmt.Errorf("list pharmacist orders: %w", err)
	}
	return list, nil
}

// CountActiveByPharmacist returns in-flight request counts keyed by pharmacist
func (s *Store) CountActiveByPharmacist(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pharmacist_id, COUNT(*) FROM refill_requests
		WHERE status = ANY($1) GROUP BY pharmacist_id`, statusStrings(refill.ActiveStatuses))
	if err != nil {
		return nil, fmt.Errorf("count pharmacist load: %w", err)
	}
	defer rows.Close()

	load := make(map[string]int)
	for rows.Next() {
		var id string
		var pending int
		if err := rows.Scan(&id, &pending); err != nil {
			return nil, fmt.Errorf("scan pharmacist load: %w", err)
		}
		load[id] = pending
	}
	return load, rows.Err()
}

// CreateRefill inserts a new request. The partial unique index on in-flight
// requests turns a concurrent duplicate into apperr.ErrConflict.
func (s *Store) CreateRefill(ctx context.Context, req refill.Request) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO refill_requests (`+refillColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		req.ID, req.PatientID, req.PharmacistID, req.PrescriptionID, string(req.Status), req.Note,
		req.CreatedAt, req.UpdatedAt, req.Version)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: prescription %s already has an active refill request", apperr.ErrConflict, req.PrescriptionID)
	}
	if err != nil {
		return fmt.Errorf("create refill request: %w", err)
	}
	return nil
}

// SaveRefillTransition writes the request status and, when rxChanged, the
// prescription counter in one transaction guarded by both versions
func (s *Store) SaveRefillTransition(ctx context.Context, req refill.Request, rx prescription.Prescription, rxChanged bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE refill_requests SET status = $1, updated_at = $2, version = version + 1
		WHERE id = $3 AND version = $4`,
		string(req.Status), req.UpdatedAt, req.ID, req.Version)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: prescription %s already has an active refill request", apperr.ErrConflict, req.PrescriptionID)
	}
	if err != nil {
		return fmt.Errorf("update refill request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: refill request %s changed concurrently", apperr.ErrConflict, req.ID)
	}

	if rxChanged {
		tag, err := tx.Exec(ctx, `
			UPDATE prescriptions SET refills_remaining = $1, status = $2, version = version + 1
			WHERE id = $3 AND version = $4`,
			rx.RefillsRemaining, string(rx.Status), rx.ID, rx.Version)
		if err != nil {
			return fmt.Errorf("update prescription: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: prescription %s changed concurrently", apperr.ErrConflict, rx.ID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit refill transition: %w", err)
	}
	s.logger.Debug("refill transition stored",
		zap.String("refill_request_id", req.ID),
		zap.String("status", string(req.Status)),
		zap.Bool("prescription_updated", rxChanged),
	)
	return nil
}

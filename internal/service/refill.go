package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/apperr"
	"github.com/medtrack/go-medtrack/internal/domain/notify"
	"github.com/medtrack/go-medtrack/internal/domain/prescription"
	"github.com/medtrack/go-medtrack/internal/domain/refill"
	"github.com/medtrack/go-medtrack/internal/domain/user"
	"github.com/medtrack/go-medtrack/internal/observability/metrics"
	"github.com/medtrack/go-medtrack/pkg/keylock"
)

// Outcome is the result of a refill workflow step. DispatchErr is set when
// the state change was committed but one or more notifications could not be
// handed to the dispatcher; it wraps notify.ErrDispatch.
type Outcome struct {
	Request       refill.Request            `json:"request"`
	Prescription  prescription.Prescription `json:"prescription"`
	Notifications []notify.Notification     `json:"notifications"`
	DispatchErr   error                     `json:"-"`
}

// RefillConfig configures the refill workflow
type RefillConfig struct {
	Policy   refill.Policy
	Assigner refill.Assigner
	Clock    func() time.Time
}

// DefaultRefillConfig returns the strict policy with first-available assignment
func DefaultRefillConfig() RefillConfig {
	return RefillConfig{
		Policy:   refill.PolicyStrict,
		Assigner: refill.FirstAvailable{},
		Clock:    time.Now,
	}
}

// RefillService runs the refill request workflow
type RefillService struct {
	users      UserRepository
	rxs        PrescriptionRepository
	refills    RefillRepository
	dispatcher notify.Dispatcher
	cfg        RefillConfig
	locks      *keylock.KeyLock
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	logger     *zap.Logger
}

// NewRefillService creates the refill workflow service. m may be nil.
func NewRefillService(users UserRepository, rxs PrescriptionRepository, refills RefillRepository,
	dispatcher notify.Dispatcher, cfg RefillConfig, m *metrics.Metrics, logger *zap.Logger) *RefillService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Policy == "" {
		cfg.Policy = refill.PolicyStrict
	}
	if cfg.Assigner == nil {
		cfg.Assigner = refill.FirstAvailable{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &RefillService{
		users:      users,
		rxs:        rxs,
		refills:    refills,
		dispatcher: dispatcher,
		cfg:        cfg,
		locks:      keylock.New(),
		metrics:    m,
		tracer:     otel.Tracer("refill-service"),
		logger:     logger,
	}
}

// Create opens a refill request for one of the patient's prescriptions
func (s *RefillService) Create(ctx context.Context, patientID, prescriptionID, note string) (Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "refill.create", trace.WithAttributes(
		attribute.String("prescription_id", prescriptionID),
	))
	defer span.End()
	start := time.Now()

	out, err := s.open(ctx, patientID, prescriptionID, note)
	if err != nil {
		s.fail(span, "create", err)
		return Outcome{}, err
	}

	span.SetAttributes(attribute.String("refill_request_id", out.Request.ID))
	s.logger.Info("refill request opened",
		zap.String("refill_request_id", out.Request.ID),
		zap.String("prescription_id", prescriptionID),
		zap.String("pharmacist_id", out.Request.PharmacistID),
	)
	if s.metrics != nil {
		s.metrics.RefillRequestsOpened.Inc()
		s.metrics.OperationDuration.WithLabelValues("refill_create").Observe(time.Since(start).Seconds())
	}

	s.dispatch(ctx, &out)
	return out, nil
}

func (s *RefillService) open(ctx context.Context, patientID, prescriptionID, note string) (Outcome, error) {
	unlock := s.locks.Lock(prescriptionID)
	defer unlock()

	rx, err := s.rxs.GetPrescription(ctx, prescriptionID)
	if err != nil {
		return Outcome{}, err
	}
	if rx.PatientID != patientID {
		return Outcome{}, fmt.Errorf("%w: prescription %s does not belong to patient", apperr.ErrUnauthorized, prescriptionID)
	}

	hasActive, err := s.refills.HasActiveRefill(ctx, prescriptionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("check active refill: %w", err)
	}

	var pharmacistID string
	if rx.HasRefills() && !hasActive {
		pharmacistID, err = s.pickPharmacist(ctx)
		if err != nil {
			return Outcome{}, err
		}
	}

	res, err := refill.Open(refill.OpenInput{
		Prescription: rx,
		HasActive:    hasActive,
		PharmacistID: pharmacistID,
		PatientName:  s.userName(ctx, patientID),
		Note:         note,
		Now:          s.cfg.Clock(),
	})
	if err != nil {
		return Outcome{}, err
	}

	if err := s.refills.CreateRefill(ctx, res.Request); err != nil {
		if errors.Is(err, apperr.ErrConflict) && s.metrics != nil {
			s.metrics.RefillConflicts.Inc()
		}
		return Outcome{}, err
	}

	return Outcome{
		Request:       res.Request,
		Prescription:  res.Prescription,
		Notifications: res.Notifications,
	}, nil
}

// Transition moves a refill request to the status named by rawStatus on
// behalf of the assigned pharmacist
func (s *RefillService) Transition(ctx context.Context, pharmacistID, requestID, rawStatus string) (Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "refill.transition", trace.WithAttributes(
		attribute.String("refill_request_id", requestID),
	))
	defer span.End()
	start := time.Now()

	target, err := refill.ParseStatus(rawStatus)
	if err != nil {
		s.fail(span, "transition", err)
		return Outcome{}, err
	}
	span.SetAttributes(attribute.String("target_status", string(target)))

	out, prev, consumed, err := s.apply(ctx, pharmacistID, requestID, target)
	if err != nil {
		s.fail(span, "transition", err)
		return Outcome{}, err
	}

	s.logger.Info("refill request transitioned",
		zap.String("refill_request_id", requestID),
		zap.String("from", string(prev)),
		zap.String("to", string(target)),
		zap.Int("refills_remaining", out.Prescription.RefillsRemaining),
	)
	if s.metrics != nil {
		s.metrics.RefillTransitions.WithLabelValues(string(target)).Inc()
		if consumed {
			s.metrics.RefillsConsumed.Inc()
		}
		s.metrics.OperationDuration.WithLabelValues("refill_transition").Observe(time.Since(start).Seconds())
	}

	s.dispatch(ctx, &out)
	return out, nil
}

func (s *RefillService) apply(ctx context.Context, pharmacistID, requestID string, target refill.Status) (Outcome, refill.Status, bool, error) {
	req, err := s.refills.GetRefill(ctx, requestID)
	if err != nil {
		return Outcome{}, "", false, err
	}

	unlock := s.locks.Lock(req.PrescriptionID)
	defer unlock()

	// Reload under the lock so the version we write against is current.
	req, err = s.refills.GetRefill(ctx, requestID)
	if err != nil {
		return Outcome{}, "", false, err
	}
	if req.AssignedPharmacist() != pharmacistID {
		return Outcome{}, "", false, fmt.Errorf("%w: refill request %s is assigned to another pharmacist", apperr.ErrUnauthorized, requestID)
	}

	rx, err := s.rxs.GetPrescription(ctx, req.PrescriptionID)
	if err != nil {
		return Outcome{}, "", false, err
	}

	res, err := refill.Apply(req, rx, target, s.cfg.Policy, s.cfg.Clock())
	if err != nil {
		return Outcome{}, "", false, err
	}

	if err := s.refills.SaveRefillTransition(ctx, res.Request, res.Prescription, res.RefillConsumed); err != nil {
		if errors.Is(err, apperr.ErrConflict) && s.metrics != nil {
			s.metrics.RefillConflicts.Inc()
		}
		return Outcome{}, "", false, err
	}
	res.Request.Version++
	if res.RefillConsumed {
		res.Prescription.Version++
	}

	return Outcome{
		Request:       res.Request,
		Prescription:  res.Prescription,
		Notifications: res.Notifications,
	}, res.Previous, res.RefillConsumed, nil
}

// ListForPatient returns the patient's refill requests, newest first
func (s *RefillService) ListForPatient(ctx context.Context, patientID string) ([]refill.Request, error) {
	return s.refills.ListRefillsByPatient(ctx, patientID)
}

// PendingOrders returns the pharmacist's in-flight requests, newest first
func (s *RefillService) PendingOrders(ctx context.Context, pharmacistID string) ([]refill.Request, error) {
	return s.refills.ListRefillsByPharmacist(ctx, pharmacistID, refill.ActiveStatuses)
}

func (s *RefillService) pickPharmacist(ctx context.Context) (string, error) {
	pharmacists, err := s.users.ListUsersByRole(ctx, user.RolePharmacist)
	if err != nil {
		return "", fmt.Errorf("list pharmacists: %w", err)
	}
	if len(pharmacists) == 0 {
		return "", nil
	}

	load, err := s.refills.CountActiveByPharmacist(ctx)
	if err != nil {
		return "", fmt.Errorf("count pharmacist load: %w", err)
	}

	candidates := make([]refill.Candidate, 0, len(pharmacists))
	for _, p := range pharmacists {
		candidates = append(candidates, refill.Candidate{ID: p.ID, Pending: load[p.ID]})
	}
	return s.cfg.Assigner.Assign(candidates), nil
}

func (s *RefillService) userName(ctx context.Context, id string) string {
	u, err := s.users.GetUser(ctx, id)
	if err != nil {
		return ""
	}
	return u.Name
}

// dispatch emits the outcome's notifications. The state change is already
// committed, so failures are recorded on the outcome rather than returned.
func (s *RefillService) dispatch(ctx context.Context, out *Outcome) {
	out.DispatchErr = emitAll(ctx, s.dispatcher, out.Notifications, s.metrics, s.logger)
}

func (s *RefillService) fail(span trace.Span, op string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, apperr.ErrConflict) {
		s.logger.Warn("refill write conflict", zap.String("operation", op), zap.Error(err))
	}
}

// emitAll hands each notification to d and joins the failures under
// notify.ErrDispatch.
func emitAll(ctx context.Context, d notify.Dispatcher, ns []notify.Notification, m *metrics.Metrics, logger *zap.Logger) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, n := range ns {
		err := d.Emit(ctx, n)
		if m != nil {
			result := "ok"
			if err != nil {
				result = "error"
			}
			m.NotificationsEmitted.WithLabelValues(result).Inc()
		}
		if err != nil {
			logger.Warn("notification dispatch failed",
				zap.String("notification_id", n.ID),
				zap.String("type", string(n.Type)),
				zap.String("recipient_id", n.RecipientID),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", notify.ErrDispatch, errors.Join(errs...))
}

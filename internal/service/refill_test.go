package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/medtrack/go-medtrack/internal/apperr"
	"github.com/medtrack/go-medtrack/internal/domain/notify"
	"github.com/medtrack/go-medtrack/internal/domain/prescription"
	"github.com/medtrack/go-medtrack/internal/domain/refill"
	"github.com/medtrack/go-medtrack/internal/domain/user"
	"github.com/medtrack/go-medtrack/internal/infrastructure/sqlite"
	"github.com/medtrack/go-medtrack/internal/infrastructure/sqlite/sqlitetest"
	"github.com/medtrack/go-medtrack/internal/observability/metrics"
	"github.com/medtrack/go-medtrack/internal/service"
)

// recordingDispatcher captures emitted notifications and optionally fails
type recordingDispatcher struct {
	mu   sync.Mutex
	sent []notify.Notification
	fail error
}

func (d *recordingDispatcher) Emit(_ context.Context, n notify.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	d.sent = append(d.sent, n)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

type fixture struct {
	store      *sqlite.Store
	dispatcher *recordingDispatcher
	metrics    *metrics.Metrics
	svc        *service.RefillService
}

func newFixture(t *testing.T, policy refill.Policy, pharmacists ...string) *fixture {
	t.Helper()
	store := sqlitetest.NewTestStore(t)
	ctx := context.Background()

	if err := store.SaveUser(ctx, user.User{ID: "patient-1", Name: "Ada", Role: user.RolePatient, Enabled: true}); err != nil {
		t.Fatalf("seeding patient: %v", err)
	}
	for _, id := range pharmacists {
		if err := store.SaveUser(ctx, user.User{ID: id, Name: id, Role: user.RolePharmacist, Enabled: true}); err != nil {
			t.Fatalf("seeding pharmacist: %v", err)
		}
	}

	d := &recordingDispatcher{}
	m := metrics.New(prometheus.NewRegistry())
	cfg := service.DefaultRefillConfig()
	cfg.Policy = policy
	svc := service.NewRefillService(store, store, store, d, cfg, m, nil)
	return &fixture{store: store, dispatcher: d, metrics: m, svc: svc}
}

func (f *fixture) seedRx(t *testing.T, id string, remaining int) {
	t.Helper()
	err := f.store.SavePrescription(context.Background(), prescription.Prescription{
		ID:               id,
		PatientID:        "patient-1",
		DoctorID:         "doctor-1",
		Status:           prescription.StatusActive,
		RefillLimit:      remaining,
		RefillsRemaining: remaining,
	})
	if err != nil {
		t.Fatalf("seeding prescription: %v", err)
	}
}

func TestRefillCyclesCompletePrescription(t *testing.T) {
	f := newFixture(t, refill.PolicyStrict, "pharm-1")
	f.seedRx(t, "rx-1", 3)
	ctx := context.Background()

	for cycle := 1; cycle <= 3; cycle++ {
		out, err := f.svc.Create(ctx, "patient-1", "rx-1", "")
		if err != nil {
			t.Fatalf("cycle %d: Create: %v", cycle, err)
		}
		for _, st := range []string{"processing", "READY", "dispensed"} {
			if _, err := f.svc.Transition(ctx, "pharm-1", out.Request.ID, st); err != nil {
				t.Fatalf("cycle %d: Transition(%s): %v", cycle, st, err)
			}
		}
		rx, _ := f.store.GetPrescription(ctx, "rx-1")
		if rx.RefillsRemaining != 3-cycle {
			t.Errorf("cycle %d: remaining = %d, want %d", cycle, rx.RefillsRemaining, 3-cycle)
		}
	}

	rx, _ := f.store.GetPrescription(ctx, "rx-1")
	if rx.Status != prescription.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", rx.Status)
	}

	_, err := f.svc.Create(ctx, "patient-1", "rx-1", "")
	if !errors.Is(err, apperr.ErrPreconditionFailed) {
		t.Fatalf("fourth Create: expected ErrPreconditionFailed, got %v", err)
	}

	// 3 cycles x (2 on create + 3 transitions)
	if got := f.dispatcher.count(); got != 15 {
		t.Errorf("notifications = %d, want 15", got)
	}
	if got := testutil.ToFloat64(f.metrics.RefillsConsumed); got != 3 {
		t.Errorf("refills consumed metric = %v, want 3", got)
	}
}

func TestCreateRejectsDuplicateActive(t *testing.T) {
	f := newFixture(t, refill.PolicyStrict, "pharm-1")
	f.seedRx(t, "rx-1", 2)
	ctx := context.Background()

	if _, err := f.svc.Create(ctx, "patient-1", "rx-1", "first"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	before := f.dispatcher.count()

	_, err := f.svc.Create(ctx, "patient-1", "rx-1", "second")
	if !errors.Is(err, refill.ErrActiveRequest) {
		t.Fatalf("expected ErrActiveRequest, got %v", err)
	}
	if f.dispatcher.count() != before {
		t.Error("failed create must not notify")
	}
	list, _ := f.svc.ListForPatient(ctx, "patient-1")
	if len(list) != 1 {
		t.Errorf("expected 1 request, got %d", len(list))
	}
}

func TestCreateRequiresPharmacist(t *testing.T) {
	f := newFixture(t, refill.PolicyStrict)
	f.seedRx(t, "rx-1", 1)

	_, err := f.svc.Create(context.Background(), "patient-1", "rx-1", "")
	if !errors.Is(err, refill.ErrNoPharmacist) {
		t.Fatalf("expected ErrNoPharmacist, got %v", err)
	}
}

func TestCreateChecksOwnership(t *testing.T) {
	f := newFixture(t, refill.PolicyStrict, "pharm-1")
	f.seedRx(t, "rx-1", 1)

	_, err := f.svc.Create(context.Background(), "someone-else", "rx-1", "")
	if !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	_, err = f.svc.Create(context.Background(), "patient-1", "missing", "")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentCreateSingleWinner(t *testing.T) {
	f := newFixture(t, refill.PolicyStrict, "pharm-1")
	f.seedRx(t, "rx-1", 5)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Create(ctx, "patient-1", "rx-1", "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success := 0
	for err := range results {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, apperr.ErrPreconditionFailed) && !errors.Is(err, apperr.ErrConflict) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Errorf("successful creates = %d, want 1", success)
	}
}

func TestTransitionRules(t *testing.T) {
	f := newFixture(t, refill.PolicyStrict, "pharm-1", "pharm-2")
	f.seedRx(t, "rx-1", 2)
	ctx := context.Background()

	out, err := f.svc.Create(ctx, "patient-1", "rx-1", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := out.Request.ID
	if out.Request.AssignedPharmacist() != "pharm-1" {
		t.Fatalf("expected first pharmacist, got %s", out.Request.AssignedPharmacist())
	}

	if _, err := f.svc.Transition(ctx, "pharm-2", id, "READY"); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Errorf("other pharmacist: expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.svc.Transition(ctx, "pharm-1", id, "teleported"); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("unknown status: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := f.svc.Transition(ctx, "pharm-1", "missing", "READY"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing request: expected ErrNotFound, got %v", err)
	}

	res, err := f.svc.Transition(ctx, "pharm-1", id, "")
	if err != nil {
		t.Fatalf("default transition: %v", err)
	}
	if res.Request.Status != refill.StatusProcessing {
		t.Errorf("empty status should mean PROCESSING, got %s", res.Request.Status)
	}

	if _, err := f.svc.Transition(ctx, "pharm-1", id, "READY"); err != nil {
		t.Fatalf("to READY: %v", err)
	}
	if _, err := f.svc.Transition(ctx, "pharm-1", id, "REQUESTED"); !errors.Is(err, refill.ErrInvalidTransition) {
		t.Errorf("strict READY -> REQUESTED: expected ErrInvalidTransition, got %v", err)
	}
	got, _ := f.store.GetRefill(ctx, id)
	if got.Status != refill.StatusReady {
		t.Errorf("rejected transition mutated status to %s", got.Status)
	}
}

func TestPermissivePolicyAllowsBackwardEdge(t *testing.T) {
	f := newFixture(t, refill.PolicyPermissive, "pharm-1")
	f.seedRx(t, "rx-1", 2)
	ctx := context.Background()

	out, _ := f.svc.Create(ctx, "patient-1", "rx-1", "")
	if _, err := f.svc.Transition(ctx, "pharm-1", out.Request.ID, "READY"); err != nil {
		t.Fatalf("to READY: %v", err)
	}
	res, err := f.svc.Transition(ctx, "pharm-1", out.Request.ID, "REQUESTED")
	if err != nil {
		t.Fatalf("permissive READY -> REQUESTED: %v", err)
	}
	if res.Request.Status != refill.StatusRequested {
		t.Errorf("status = %s, want REQUESTED", res.Request.Status)
	}
}

func TestDispensedReplayDoesNotDecrement(t *testing.T) {
	f := newFixture(t, refill.PolicyStrict, "pharm-1")
	f.seedRx(t, "rx-1", 2)
	ctx := context.Background()

	out, _ := f.svc.Create(ctx, "patient-1", "rx-1", "")
	if _, err := f.svc.Transition(ctx, "pharm-1", out.Request.ID, "DISPENSED"); err != nil {
		t.Fatalf("dispense: %v", err)
	}
	res, err := f.svc.Transition(ctx, "pharm-1", out.Request.ID, "DISPENSED")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Prescription.RefillsRemaining != 1 {
		t.Errorf("remaining = %d, want 1", res.Prescription.RefillsRemaining)
	}
	rx, _ := f.store.GetPrescription(ctx, "rx-1")
	if rx.RefillsRemaining != 1 {
		t.Errorf("stored remaining = %d, want 1", rx.RefillsRemaining)
	}
}

func TestDispatchFailureKeepsCommittedState(t *testing.T) {
	f := newFixture(t, refill.PolicyStrict, "pharm-1")
	f.seedRx(t, "rx-1", 1)
	ctx := context.Background()

	out, err := f.svc.Create(ctx, "patient-1", "rx-1", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	f.dispatcher.fail = errors.New("broker unavailable")
	res, err := f.svc.Transition(ctx, "pharm-1", out.Request.ID, "DISPENSED")
	if err != nil {
		t.Fatalf("Transition should succeed despite dispatch failure: %v", err)
	}
	if !errors.Is(res.DispatchErr, notify.ErrDispatch) {
		t.Errorf("expected DispatchErr wrapping ErrDispatch, got %v", res.DispatchErr)
	}

	rx, _ := f.store.GetPrescription(ctx, "rx-1")
	if rx.RefillsRemaining != 0 || rx.Status != prescription.StatusCompleted {
		t.Errorf("committed state lost: %+v", rx)
	}
	req, _ := f.store.GetRefill(ctx, out.Request.ID)
	if req.Status != refill.StatusDispensed {
		t.Errorf("request status = %s, want DISPENSED", req.Status)
	}
}

func TestLeastLoadedAssignment(t *testing.T) {
	f := newFixture(t, refill.PolicyStrict, "pharm-1", "pharm-2")
	cfg := service.DefaultRefillConfig()
	cfg.Assigner = refill.LeastLoaded{}
	cfg.Clock = func() time.Time { return time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC) }
	svc := service.NewRefillService(f.store, f.store, f.store, f.dispatcher, cfg, nil, nil)
	f.seedRx(t, "rx-1", 1)
	f.seedRx(t, "rx-2", 1)
	ctx := context.Background()

	first, err := svc.Create(ctx, "patient-1", "rx-1", "")
	if err != nil {
		t.Fatalf("Create rx-1: %v", err)
	}
	second, err := svc.Create(ctx, "patient-1", "rx-2", "")
	if err != nil {
		t.Fatalf("Create rx-2: %v", err)
	}
	if first.Request.PharmacistID == second.Request.PharmacistID {
		t.Errorf("least-loaded should spread requests, both went to %s", first.Request.PharmacistID)
	}

	pending, err := svc.PendingOrders(ctx, first.Request.PharmacistID)
	if err != nil || len(pending) != 1 {
		t.Errorf("PendingOrders = %d, %v", len(pending), err)
	}
}

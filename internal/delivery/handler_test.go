package delivery_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/medtrack/go-medtrack/internal/delivery"
	"github.com/medtrack/go-medtrack/internal/domain/notify"
	"github.com/medtrack/go-medtrack/internal/infrastructure/redpanda"
	"github.com/medtrack/go-medtrack/internal/infrastructure/sqlite/sqlitetest"
	"github.com/medtrack/go-medtrack/internal/observability/metrics"
	"github.com/medtrack/go-medtrack/pkg/circuitbreaker"
	"github.com/medtrack/go-medtrack/pkg/idempotency"
	"github.com/medtrack/go-medtrack/pkg/workerpool"
)

// memInbox is an in-memory Deduper
type memInbox struct {
	mu     sync.Mutex
	done   map[string]json.RawMessage
	failed map[string]bool
}

func (m *memInbox) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed[key] {
		return nil, fmt.Errorf("%w: %s", idempotency.ErrPreviouslyFailed, key)
	}
	if r, ok := m.done[key]; ok {
		return &idempotency.ProcessResult{IsNew: false, Result: r}, nil
	}
	r, err := fn(ctx, payload)
	if err != nil {
		return nil, err
	}
	m.done[key] = r
	return &idempotency.ProcessResult{IsNew: true, Result: r}, nil
}

func message(t *testing.T, n notify.Notification) *redpanda.ConsumedMessage {
	t.Helper()
	data, err := n.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return &redpanda.ConsumedMessage{Topic: redpanda.TopicNotificationEvents, Key: []byte(n.RecipientID), Value: data}
}

func TestHandleStoresOnceAndPushes(t *testing.T) {
	var pushed atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Notification-ID") == "" {
			t.Error("missing X-Notification-ID header")
		}
		pushed.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := metrics.New(prometheus.NewRegistry())
	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("webhook"), m, nil)
	if err != nil {
		t.Fatalf("circuitbreaker.New: %v", err)
	}
	pool, err := workerpool.New(workerpool.Config{Workers: 1, QueueSize: 4, RetryDelay: time.Millisecond},
		delivery.PushWorker(delivery.NewWebhook(srv.URL, breaker, nil), m), nil)
	if err != nil {
		t.Fatalf("workerpool.New: %v", err)
	}
	pool.Start()

	store := sqlitetest.NewTestStore(t)
	h := delivery.NewHandler(store, &memInbox{done: map[string]json.RawMessage{}}, pool, m, nil)
	ctx := context.Background()

	n := notify.New("patient-1", "pharm-1", notify.TypeRefillStatusUpdated, "Refill Status Updated",
		"Your refill request is now READY", time.Date(2024, 5, 8, 13, 0, 0, 0, time.UTC))
	msg := message(t, n)

	if err := h.Handle(ctx, msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := h.Handle(ctx, msg); err != nil {
		t.Fatalf("Handle redelivery: %v", err)
	}
	if err := pool.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	list, err := store.ListNotifications(ctx, "patient-1")
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(list) != 1 || list[0].ID != n.ID || list[0].Message != n.Message {
		t.Fatalf("stored notifications = %+v", list)
	}
	if pushed.Load() != 1 {
		t.Errorf("webhook pushes = %d, want 1", pushed.Load())
	}
	if got := testutil.ToFloat64(m.NotificationsDelivered.WithLabelValues("inbox", "duplicate")); got != 1 {
		t.Errorf("duplicate counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.NotificationsDelivered.WithLabelValues("webhook", "delivered")); got != 1 {
		t.Errorf("delivered counter = %v, want 1", got)
	}
}

func TestHandleSkipsMalformedEvents(t *testing.T) {
	store := sqlitetest.NewTestStore(t)
	h := delivery.NewHandler(store, &memInbox{done: map[string]json.RawMessage{}}, nil, nil, nil)

	for _, value := range []string{"not json", `{"id":""}`, `{"id":"n1"}`} {
		msg := &redpanda.ConsumedMessage{Topic: redpanda.TopicNotificationEvents, Value: []byte(value)}
		if err := h.Handle(context.Background(), msg); err != nil {
			t.Errorf("Handle(%q) = %v, want nil", value, err)
		}
	}
}

// recordingDeadLetter captures dead-lettered events
type recordingDeadLetter struct {
	mu     sync.Mutex
	topics []string
	keys   []string
}

func (d *recordingDeadLetter) ProduceMessage(_ context.Context, topic, key string, _ []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.topics = append(d.topics, topic)
	d.keys = append(d.keys, key)
	return nil
}

func TestHandleDeadLettersPreviouslyFailedEvents(t *testing.T) {
	store := sqlitetest.NewTestStore(t)
	m := metrics.New(prometheus.NewRegistry())
	n := notify.New("patient-1", "", notify.TypeReminderCreated, "Reminder Created",
		"Reminder added for X", time.Date(2024, 5, 8, 13, 0, 0, 0, time.UTC))
	failed := map[string]bool{idempotency.Key("notification", n.ID): true}

	t.Run("without dead letter topic", func(t *testing.T) {
		h := delivery.NewHandler(store, &memInbox{done: map[string]json.RawMessage{}, failed: failed}, nil, nil, nil)
		err := h.Handle(context.Background(), message(t, n))
		if !errors.Is(err, idempotency.ErrPreviouslyFailed) {
			t.Fatalf("Handle = %v, want ErrPreviouslyFailed", err)
		}
	})

	t.Run("with dead letter topic", func(t *testing.T) {
		dlq := &recordingDeadLetter{}
		h := delivery.NewHandler(store, &memInbox{done: map[string]json.RawMessage{}, failed: failed}, nil, m, nil).
			WithDeadLetter(dlq)
		if err := h.Handle(context.Background(), message(t, n)); err != nil {
			t.Fatalf("Handle: %v", err)
		}
		if len(dlq.topics) != 1 || dlq.topics[0] != redpanda.TopicDeadLetter || dlq.keys[0] != n.ID {
			t.Errorf("dead letter records = %v %v", dlq.topics, dlq.keys)
		}
		if got := testutil.ToFloat64(m.NotificationsDelivered.WithLabelValues("inbox", "dead_lettered")); got != 1 {
			t.Errorf("dead_lettered counter = %v, want 1", got)
		}
		if got := testutil.ToFloat64(m.NotificationsDelivered.WithLabelValues("inbox", "duplicate")); got != 0 {
			t.Errorf("a failed event must not count as a duplicate, got %v", got)
		}
	})

	list, err := store.ListNotifications(context.Background(), "patient-1")
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("failed event must not be stored, got %+v", list)
	}
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("webhook"), nil, nil)
	if err != nil {
		t.Fatalf("circuitbreaker.New: %v", err)
	}
	hook := delivery.NewWebhook(srv.URL, breaker, nil)
	n := notify.New("patient-1", "", notify.TypeReminderCreated, "Reminder Created", "Reminder added for X", time.Now())
	if err := hook.Push(context.Background(), n); err == nil {
		t.Error("expected an error for a 502 response")
	}
}

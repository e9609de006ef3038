package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/medtrack/go-medtrack/internal/observability/metrics"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	cfg := DefaultConfig("webhook")
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Hour
	cb, err := New(cfg, m, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	boom := errors.New("502 bad gateway")
	calls := 0
	fail := func(context.Context) error { calls++; return boom }

	for i := 0; i < 3; i++ {
		if err := cb.Execute(context.Background(), fail); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: got %v, want the call error", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}
	if got := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("webhook")); got != 1 {
		t.Errorf("state gauge = %v, want 1", got)
	}

	err = cb.Execute(context.Background(), fail)
	if !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
	if calls != 3 {
		t.Errorf("open circuit should not call the function, calls = %d", calls)
	}
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	cfg := DefaultConfig("webhook")
	cfg.FailureThreshold = 1
	cb, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_ = cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	if cb.State() != StateClosed {
		t.Errorf("cancellation should not trip the breaker, state = %s", cb.State())
	}
}

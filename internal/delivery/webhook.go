// Package delivery consumes notification events: it stores each
// notification once and pushes it to the optional webhook.
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/domain/notify"
	"github.com/medtrack/go-medtrack/pkg/circuitbreaker"
)

// Pusher delivers a notification to an external channel
type Pusher interface {
	Push(ctx context.Context, n notify.Notification) error
}

// Webhook POSTs notifications as JSON through a circuit breaker
type Webhook struct {
	url     string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewWebhook creates a webhook pusher for url
func NewWebhook(url string, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Webhook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: breaker,
		logger:  logger,
	}
}

// Push sends n. Any non-2xx response is an error.
func (w *Webhook) Push(ctx context.Context, n notify.Notification) error {
	body, err := n.Marshal()
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return w.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Notification-ID", n.ID)

		resp, err := w.client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook post: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		}
		w.logger.Debug("notification pushed", zap.String("notification_id", n.ID))
		return nil
	})
}

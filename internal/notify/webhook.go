package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/pkg/httpretry"
)

// Webhook POSTs notifications as JSON to a fixed URL.
type Webhook struct {
	url    string
	client httpretry.HTTPDoer
}

// NewWebhook creates a webhook notifier. A nil client gets a RetryClient
// with the given number of retries.
func NewWebhook(url string, client httpretry.HTTPDoer, retries int) *Webhook {
	if client == nil {
		client = httpretry.NewRetryClient(&http.Client{Timeout: 10 * time.Second}, retries)
	}
	return &Webhook{url: url, client: client}
}

type webhookPayload struct {
	MessageID string    `json:"message_id"`
	Event     string    `json:"event"`
	CreatedAt time.Time `json:"created_at"`
}

func (w *Webhook) Notify(ctx context.Context, n domain.Notification) error {
	body, err := json.Marshal(webhookPayload{
		MessageID: n.MessageID,
		Event:     string(n.Event),
		CreatedAt: n.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", IdempotencyKey(n))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", n.Event, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: unexpected status %d", n.Event, resp.StatusCode)
	}
	return nil
}

// Package notify delivers operational notifications raised by the recovery
// scheduler: manual-review cases, administrator alerts, and admin tickets.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/foliopay/foliopay/internal/logging"
	"github.com/foliopay/foliopay/internal/retry"
)

// Event types raised by the scheduler.
const (
	TypeManualReview = "manual_review"
	TypeAdminAlert   = "admin_alert"
	TypeAdminTicket  = "admin_ticket"
)

// Event is one notification.
type Event struct {
	Type          string    `json:"type"`
	TransactionID string    `json:"transactionId"`
	Level         string    `json:"level"`
	Amount        int64     `json:"amount,omitempty"`
	Message       string    `json:"message"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Notifier delivers events to whoever handles escalations.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes events to the structured log. It is the default when
// no webhook is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, ev Event) error {
	logging.FromContext(ctx).Warn("escalation notification",
		"type", ev.Type,
		"transaction_id", ev.TransactionID,
		"level", ev.Level,
		"message", ev.Message,
	)
	return nil
}

// WebhookNotifier POSTs events as JSON to a configured endpoint. Each
// delivery carries an HMAC-SHA256 signature of the body in
// X-Foliopay-Signature so the receiver can verify origin. Deliveries are
// retried with backoff.
type WebhookNotifier struct {
	url    string
	secret []byte
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier. secret may be empty, in
// which case no signature header is sent.
func NewWebhookNotifier(url, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if len(n.secret) > 0 {
			mac := hmac.New(sha256.New, n.secret)
			mac.Write(body)
			req.Header.Set("X-Foliopay-Signature", hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return retry.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
		}
		return nil
	})
}

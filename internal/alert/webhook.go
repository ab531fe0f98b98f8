// Package alert delivers integrity events to operator-configured webhook
// endpoints. Deliveries are HMAC-signed so receivers can authenticate the
// sender without a shared transport secret.
package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Event types emitted by the integrity monitor and re-anchoring paths.
const (
	EventChainBreak      = "ledger.chain_break"
	EventStreamRecovered = "ledger.stream_recovered"
	EventReanchored      = "ledger.reanchored"
)

// Event is the JSON body POSTed to each webhook target.
type Event struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// Target is a single webhook destination. Secret keys the HMAC signature;
// an empty secret sends unsigned deliveries.
type Target struct {
	URL    string
	Secret string
}

// Notifier is the interface the monitor dispatches through.
type Notifier interface {
	Notify(ctx context.Context, eventType string, payload map[string]string)
}

// NopNotifier discards all events. Used when no webhooks are configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, map[string]string) {}

// WebhookNotifier delivers events to a fixed set of targets with retries.
type WebhookNotifier struct {
	targets    []Target
	httpClient *http.Client
	logger     *zap.Logger

	// RetryDelays holds the pause before each redelivery attempt. The
	// attempt count is len(RetryDelays)+1.
	RetryDelays []time.Duration
}

// NewWebhookNotifier creates a notifier for the given targets.
func NewWebhookNotifier(targets []Target, logger *zap.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		targets:     targets,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
		RetryDelays: []time.Duration{1 * time.Second, 5 * time.Second, 25 * time.Second},
	}
}

// Notify delivers the event to every target. Delivery is synchronous; the
// caller decides whether to run it on its own goroutine.
func (n *WebhookNotifier) Notify(ctx context.Context, eventType string, payload map[string]string) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("alert: marshal event", zap.Error(err))
		return
	}
	for _, t := range n.targets {
		n.deliver(ctx, t, eventType, body)
	}
}

// deliver POSTs the event to one target, retrying on failure.
func (n *WebhookNotifier) deliver(ctx context.Context, target Target, eventType string, body []byte) {
	signature := ""
	if target.Secret != "" {
		signature = signPayload(body, target.Secret)
	}

	for attempt := 1; attempt <= len(n.RetryDelays)+1; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(n.RetryDelays[attempt-2]):
			case <-ctx.Done():
				return
			}
		}

		statusCode, err := n.post(ctx, target.URL, body, signature)
		if err == nil && statusCode >= 200 && statusCode < 300 {
			n.logger.Debug("alert: delivered",
				zap.String("url", target.URL),
				zap.String("event", eventType),
			)
			return
		}

		n.logger.Warn("alert: delivery failed",
			zap.String("url", target.URL),
			zap.String("event", eventType),
			zap.Int("attempt", attempt),
			zap.Int("status", statusCode),
			zap.Error(err),
		)
	}
}

func (n *WebhookNotifier) post(ctx context.Context, url string, body []byte, signature string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-LedgerLock-Signature", signature)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.ReadAll(io.LimitReader(resp.Body, 1024)) //nolint:errcheck
	return resp.StatusCode, nil
}

// signPayload computes an HMAC-SHA256 signature over the delivery body.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

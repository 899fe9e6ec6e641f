package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	x402 "github.com/tempo-x402/x402-go"

	"github.com/tempo-x402/x402-go/metrics"
)

const (
	webhookAttempts      = 3
	webhookTimeout       = 10 * time.Second
	webhookMaxConcurrent = 8
)

// SettlementEvent is the body POSTed to webhook receivers after a
// successful settlement.
type SettlementEvent struct {
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer"`
	PayTo       string `json:"payTo"`
	Value       string `json:"value"`
	Token       string `json:"token"`
	Nonce       string `json:"nonce"`
	SettledAt   int64  `json:"settledAt"`
}

// Notifier delivers settlement webhooks. Deliveries are fire-and-forget:
// they never block or fail the settlement that triggered them. Bodies are
// tagged with an HMAC key derived from the facilitator secret, distinct
// from the request-authentication key.
type Notifier struct {
	urls   []string
	key    []byte
	client *http.Client
	sem    *semaphore.Weighted
	logger *zap.Logger
}

// NewNotifier validates the configured URLs and builds a notifier.
// Non-HTTPS URLs are a configuration error; URLs resolving into private
// space are allowed (operators may run receivers in their own network) but
// logged loudly.
func NewNotifier(urls []string, secret []byte, logger *zap.Logger) (*Notifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid webhook url %q: %w", raw, err)
		}
		if u.Scheme != "https" {
			return nil, fmt.Errorf("webhook url %q must use https", raw)
		}
		if ip := net.ParseIP(u.Hostname()); ip != nil && (ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()) {
			logger.Warn("webhook url targets a private address", zap.String("url", raw))
		}
	}
	return &Notifier{
		urls:   urls,
		key:    x402.WebhookKey(secret),
		client: &http.Client{Timeout: webhookTimeout},
		sem:    semaphore.NewWeighted(webhookMaxConcurrent),
		logger: logger,
	}, nil
}

// Notify dispatches the event to every configured receiver in the
// background. The concurrency cap bounds how many deliveries run at once;
// beyond it, dispatch goroutines queue on the semaphore.
func (n *Notifier) Notify(event SettlementEvent) {
	if n == nil || len(n.urls) == 0 {
		return
	}

	body, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("failed to encode webhook event", zap.Error(err))
		return
	}
	tag := x402.ComputeHMAC(n.key, body)

	for _, u := range n.urls {
		go n.deliver(u, body, tag)
	}
}

func (n *Notifier) deliver(url string, body []byte, tag string) {
	ctx, cancel := context.WithTimeout(context.Background(), webhookAttempts*webhookTimeout)
	defer cancel()

	if err := n.sem.Acquire(ctx, 1); err != nil {
		metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
		return
	}
	defer n.sem.Release(1)

	var lastErr error
	for attempt := 1; attempt <= webhookAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			break
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(x402.HeaderWebhookSignature, tag)

		resp, err := n.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
				return
			}
			lastErr = fmt.Errorf("webhook returned status %d", resp.StatusCode)
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = webhookAttempts
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}

	metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
	n.logger.Warn("webhook delivery failed",
		zap.String("url", url),
		zap.Error(lastErr))
}

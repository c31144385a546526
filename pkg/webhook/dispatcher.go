package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/acnlabs/acn/pkg/audit"
	"github.com/acnlabs/acn/pkg/config"
	"github.com/acnlabs/acn/pkg/log"
	"github.com/acnlabs/acn/pkg/metrics"
	"github.com/acnlabs/acn/pkg/storage"
	"github.com/acnlabs/acn/pkg/types"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body
const SignatureHeader = "X-ACN-Signature"

// envelope is the JSON body POSTed to the webhook receiver
type envelope struct {
	Event     string                 `json:"event"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Dispatcher subscribes to the event broker and delivers task.* and
// payment_task.* events to the configured webhook URL. Deliveries are
// signed, retried with exponential backoff, and recorded in the 7-day
// delivery history whatever the outcome.
type Dispatcher struct {
	url      string
	secret   []byte
	attempts int
	base     time.Duration
	hc       *http.Client
	eph      storage.Ephemeral
	broker   *audit.Broker
	logger   zerolog.Logger

	sub    audit.Subscriber
	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewDispatcher creates a webhook dispatcher from runtime configuration
func NewDispatcher(cfg *config.Config, broker *audit.Broker, eph storage.Ephemeral) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		url:      cfg.WebhookURL,
		secret:   []byte(cfg.WebhookSecret),
		attempts: cfg.WebhookAttempts,
		base:     cfg.WebhookBackoff,
		hc:       &http.Client{Timeout: cfg.CollaboratorTimeout},
		eph:      eph,
		broker:   broker,
		logger:   log.WithComponent("webhook"),
		ctx:      ctx,
		cancel:   cancel,
		doneCh:   make(chan struct{}),
	}
}

// Start subscribes to the broker and begins delivering. A dispatcher with
// no URL configured stays idle.
func (d *Dispatcher) Start() {
	if d.url == "" {
		close(d.doneCh)
		return
	}
	d.sub = d.broker.Subscribe()
	go d.run()
}

// Stop cancels in-flight deliveries and detaches from the broker
func (d *Dispatcher) Stop() {
	d.cancel()
	if d.sub == nil {
		return
	}
	d.broker.Unsubscribe(d.sub)
	<-d.doneCh
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)
	for event := range d.sub {
		if !shouldDeliver(event.Type) {
			continue
		}
		d.deliver(event)
	}
}

// shouldDeliver filters the broker stream down to webhook-worthy events
func shouldDeliver(eventType string) bool {
	return strings.HasPrefix(eventType, "task.") || strings.HasPrefix(eventType, "payment_task.")
}

func (d *Dispatcher) deliver(event *audit.Event) {
	body, err := json.Marshal(envelope{
		Event:     event.Type,
		Timestamp: event.Timestamp,
		Data:      event.Payload,
	})
	if err != nil {
		d.logger.Error().Err(err).Str("event", event.Type).Msg("Failed to encode webhook payload")
		return
	}

	delivery := &types.WebhookDelivery{
		ID:        uuid.NewString(),
		Event:     event.Type,
		URL:       d.url,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.base
	policy.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	attempt := func() error {
		delivery.Attempts++
		return d.post(body)
	}

	err = backoff.Retry(attempt, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(d.attempts-1)), d.ctx))

	if err != nil {
		delivery.LastError = err.Error()
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.logger.Warn().
			Str("event", event.Type).
			Int("attempts", delivery.Attempts).
			Err(err).
			Msg("Webhook delivery failed")
	} else {
		now := time.Now().UTC()
		delivery.Delivered = true
		delivery.DeliveredAt = &now
		metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	}

	d.eph.PutWebhookDelivery(delivery)
}

func (d *Dispatcher) post(body []byte) error {
	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(d.secret, body))

	resp, err := d.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook receiver returned %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 signature for a webhook body
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a presented signature against the body, in constant time.
// Receivers use this to authenticate inbound deliveries.
func Verify(secret, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

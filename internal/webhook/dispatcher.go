// Package webhook implements WebhookDispatcher: at-least-once merchant
// notification delivery with exponential backoff and per-merchant rate
// limiting. Grounded on the teacher's services/escrow-gateway/webhook.go
// WebhookWorker and services/webhook/worker.go RateLimiter.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"paymentgateway/internal/domain"
	"paymentgateway/internal/store"
)

// Config tunes dispatcher behavior; see internal/config for the env-driven
// defaults wired at composition time.
type Config struct {
	Workers       int
	QueueCapacity int
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	RatePerMinute int
}

// Dispatcher delivers persisted WebhookEvent rows to merchant endpoints.
type Dispatcher struct {
	store  *store.Store
	client *http.Client
	cfg    Config
	now    func() time.Time

	jobs chan domain.WebhookEvent

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// New constructs a Dispatcher. Call Start to launch its worker pool.
func New(st *store.Store, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Minute
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 60
	}
	return &Dispatcher{
		store:    st,
		client:   &http.Client{Timeout: 10 * time.Second},
		cfg:      cfg,
		now:      time.Now,
		jobs:     make(chan domain.WebhookEvent, cfg.QueueCapacity),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Start launches the worker pool; each worker pulls events off the internal
// queue and delivers them until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for n := 0; n < d.cfg.Workers; n++ {
		go d.runWorker(ctx)
	}
}

func (d *Dispatcher) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-d.jobs:
			d.deliver(ctx, event)
		}
	}
}

// Emit persists a new PENDING webhook notification for immediate delivery.
// Returns once the row is durable; delivery happens asynchronously.
func (d *Dispatcher) Emit(ctx context.Context, intent *domain.Intent, eventType domain.WebhookEventType) error {
	payload, err := json.Marshal(snapshotPayload(intent, eventType, d.now()))
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}
	event := &domain.WebhookEvent{
		ID:            uuid.New(),
		IntentID:      intent.ID,
		MerchantID:    intent.MerchantID,
		Type:          eventType,
		Payload:       payload,
		Status:        domain.WebhookPending,
		NextAttemptAt: d.now(),
		CreatedAt:     d.now(),
	}
	return d.store.InsertWebhookEvent(ctx, event)
}

func snapshotPayload(intent *domain.Intent, eventType domain.WebhookEventType, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"id":         intent.ID.String(),
		"type":       eventType,
		"created_at": now.UTC().Format(time.RFC3339Nano),
		"data": map[string]interface{}{
			"intent_id":       intent.ID.String(),
			"status":          intent.Status,
			"fiat_amount":     intent.FiatAmount,
			"fiat_currency":   intent.FiatCurrency,
			"crypto_amount":   intent.CryptoAmount,
			"crypto_currency": intent.CryptoCurrency,
			"metadata":        intent.Metadata,
		},
	}
}

// Sweep pulls every event due for (re)delivery — status in {PENDING,
// RETRYING} with next_attempt_at <= now — and hands each to the worker
// pool. Called by Scheduler's webhook-sweep job (spec §4.6).
func (d *Dispatcher) Sweep(ctx context.Context) error {
	due, err := d.store.DueWebhookEvents(ctx, d.now(), d.cfg.Workers*4)
	if err != nil {
		return fmt.Errorf("webhook: load due events: %w", err)
	}
	for _, event := range due {
		select {
		case d.jobs <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// queue momentarily full; this event is picked up again on the
			// next sweep since its row is still PENDING/RETRYING.
		}
	}
	return nil
}

func (d *Dispatcher) limiterFor(merchantID string) *rate.Limiter {
	d.limMu.Lock()
	defer d.limMu.Unlock()
	lim, ok := d.limiters[merchantID]
	if !ok {
		perSecond := rate.Limit(float64(d.cfg.RatePerMinute) / 60.0)
		lim = rate.NewLimiter(perSecond, d.cfg.RatePerMinute)
		d.limiters[merchantID] = lim
	}
	return lim
}

func (d *Dispatcher) deliver(ctx context.Context, event domain.WebhookEvent) {
	merchant, err := d.store.GetMerchant(ctx, event.MerchantID.String())
	if err != nil {
		d.fail(ctx, event, 0, "merchant lookup failed: "+err.Error())
		return
	}
	if merchant.WebhookURL == "" {
		// No endpoint configured: terminal no-op, not a retryable failure.
		event.Status = domain.WebhookFailed
		event.LastResponseCode = 0
		_ = d.store.UpdateWebhookEvent(ctx, &event)
		return
	}

	if !d.limiterFor(merchant.ID.String()).Allow() {
		event.NextAttemptAt = d.now().Add(time.Second)
		_ = d.store.UpdateWebhookEvent(ctx, &event)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, merchant.WebhookURL, bytes.NewReader(event.Payload))
	if err != nil {
		d.fail(ctx, event, 0, err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", signPayload(merchant.WebhookSecret, event.Payload))
	req.Header.Set("X-Request-Id", event.ID.String())

	resp, err := d.client.Do(req)
	if err != nil {
		d.fail(ctx, event, 0, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.fail(ctx, event, resp.StatusCode, resp.Status)
		return
	}

	delivered := d.now()
	event.Status = domain.WebhookDelivered
	event.DeliveredAt = &delivered
	event.LastResponseCode = resp.StatusCode
	_ = d.store.UpdateWebhookEvent(ctx, &event)
}

func (d *Dispatcher) fail(ctx context.Context, event domain.WebhookEvent, responseCode int, _ string) {
	event.Attempts++
	event.LastResponseCode = responseCode
	if event.Attempts >= d.cfg.MaxAttempts {
		event.Status = domain.WebhookFailed
	} else {
		event.Status = domain.WebhookRetrying
		event.NextAttemptAt = d.now().Add(d.backoff(event.Attempts))
	}
	_ = d.store.UpdateWebhookEvent(ctx, &event)
}

// backoff computes an exponential delay with jitter: base * 2^(attempt-1),
// capped at MaxBackoff, plus up to 20% jitter to avoid thundering-herd
// retries across many merchants failing at once.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	delay := d.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.cfg.MaxBackoff {
			delay = d.cfg.MaxBackoff
			break
		}
	}
	span := int64(delay) / 5
	if span <= 0 {
		return delay
	}
	return delay + time.Duration(rand.Int63n(span))
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/tovutilabs/nexus-cards/internal/metrics"
	"github.com/tovutilabs/nexus-cards/internal/model"
	"github.com/tovutilabs/nexus-cards/internal/store"
)

const (
	sendTimeout     = 10 * time.Second
	maxResponseBody = 1000 // stored response body chars
	retryBatchSize  = 100
)

// Engine fans one business event out to every matching webhook subscription
// as independent signed HTTP deliveries, each with its own retry schedule and
// terminal state. A failure delivering to one subscriber never affects
// another, and nothing propagates back to the event producer.
type Engine struct {
	Store       store.Store
	HTTP        *http.Client
	MaxAttempts int

	inflight sync.WaitGroup
}

func NewEngine(s store.Store) *Engine {
	return &Engine{
		Store:       s,
		HTTP:        &http.Client{Timeout: sendTimeout},
		MaxAttempts: store.MaxDeliveryAttempts,
	}
}

// Deliver dispatches eventType to all active subscriptions of the tenant.
// Each matching subscription gets a pending delivery row before any send
// starts, so a crash mid-dispatch leaves recoverable bookkeeping. Sends run
// in their own goroutines; the caller only learns that dispatch was
// initiated.
func (e *Engine) Deliver(ctx context.Context, tenantID string, eventType model.EventType, data any) {
	subs, err := e.Store.GetSubscriptionsForEvent(ctx, tenantID, eventType)
	if err != nil {
		log.Printf("webhooks: subscription lookup for %s failed: %v", eventType, err)
		return
	}
	if len(subs) == 0 {
		return
	}
	payload := map[string]any{
		"id":       fmt.Sprintf("evt_%d", time.Now().UnixNano()),
		"type":     eventType,
		"tenantId": tenantID,
		"ts":       time.Now().UTC().Format(time.RFC3339),
		"data":     data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("webhooks: marshal %s payload failed: %v", eventType, err)
		return
	}
	for _, sub := range subs {
		d, err := e.Store.CreateWebhookDelivery(ctx, tenantID, sub.ID, eventType, sub.URL, sub.Secret, body)
		if err != nil {
			log.Printf("webhooks: create delivery for subscription %s failed: %v", sub.ID, err)
			continue
		}
		e.inflight.Add(1)
		go func(d store.WebhookDelivery) {
			defer e.inflight.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("webhooks: send %s panicked: %v", d.ID, r)
				}
			}()
			e.send(context.Background(), d)
		}(d)
	}
}

// Wait blocks until every in-flight send has finished. Used on shutdown and
// by tests; normal operation never waits.
func (e *Engine) Wait() { e.inflight.Wait() }

// Retry re-sends a delivery on explicit operator request. Returns false when
// the delivery does not exist or has already been delivered; terminal success
// is never retried. A terminally failed delivery CAN be retried, operator
// override past the automatic attempt cap.
func (e *Engine) Retry(ctx context.Context, deliveryID string) bool {
	d, err := e.Store.GetWebhookDelivery(ctx, deliveryID)
	if err != nil {
		return false
	}
	return e.RetryDelivery(ctx, d)
}

// RetryDelivery is Retry for a delivery row the caller already loaded, so
// callers that fetched the row for their own checks do not hit the store
// twice.
func (e *Engine) RetryDelivery(ctx context.Context, d store.WebhookDelivery) bool {
	if d.DeliveredAt != nil {
		return false
	}
	e.send(ctx, d)
	return true
}

// ProcessRetries sends every delivery whose scheduled retry is due and
// returns the number processed. Invoked by the Worker ticker.
func (e *Engine) ProcessRetries(ctx context.Context) int {
	due, err := e.Store.FetchDueWebhookRetries(ctx, retryBatchSize)
	if err != nil {
		log.Printf("webhooks: fetch due retries failed: %v", err)
		return 0
	}
	for _, d := range due {
		e.send(ctx, d)
	}
	return len(due)
}

// send performs one signed POST attempt and records the outcome on the
// delivery row. Every attempt increments the attempt counter by exactly one.
func (e *Engine) send(ctx context.Context, d store.WebhookDelivery) {
	ts := time.Now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Payload))
	if err != nil {
		e.recordFailure(ctx, d, 0, err.Error(), 0)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", Sign(d.Secret, ts, d.Payload))
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(ts, 10))

	start := time.Now()
	resp, err := e.HTTP.Do(req)
	latency := time.Since(start)
	if err != nil {
		e.recordFailure(ctx, d, 0, err.Error(), latency)
		return
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := e.Store.MarkWebhookDelivered(ctx, d.ID, resp.StatusCode, truncate(string(respBody), maxResponseBody)); err != nil {
			log.Printf("webhooks: mark delivered %s failed: %v", d.ID, err)
		}
		metrics.WebhookDeliveries.WithLabelValues(string(d.EventType), "delivered").Inc()
		metrics.WebhookLatency.WithLabelValues(string(d.EventType), "delivered").Observe(float64(latency.Milliseconds()))
		return
	}
	msg := fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, respBody)
	e.recordFailure(ctx, d, resp.StatusCode, msg, latency)
}

func (e *Engine) recordFailure(ctx context.Context, d store.WebhookDelivery, status int, msg string, latency time.Duration) {
	attempts := d.Attempts + 1
	var next *time.Time
	outcome := "failed"
	if attempts < e.MaxAttempts {
		t := time.Now().Add(time.Duration(backoffSeconds(attempts)) * time.Second)
		next = &t
		outcome = "retry"
	}
	if err := e.Store.MarkWebhookAttemptFailed(ctx, d.ID, status, truncate(msg, maxResponseBody), next); err != nil {
		log.Printf("webhooks: mark attempt failed %s: %v", d.ID, err)
	}
	metrics.WebhookDeliveries.WithLabelValues(string(d.EventType), outcome).Inc()
	if latency > 0 {
		metrics.WebhookLatency.WithLabelValues(string(d.EventType), outcome).Observe(float64(latency.Milliseconds()))
	}
}

// truncate caps s at n bytes without splitting a UTF-8 rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

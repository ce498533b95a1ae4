package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/tovutilabs/nexus-cards/internal/model"
	"github.com/tovutilabs/nexus-cards/internal/store"
)

// receiver is a webhook endpoint that records requests and fails the first
// failN of them with a 500.
type receiver struct {
	mu       sync.Mutex
	failN    int
	bodies   [][]byte
	headers  []http.Header
	respBody string
}

func (rc *receiver) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	rc.mu.Lock()
	rc.bodies = append(rc.bodies, body)
	rc.headers = append(rc.headers, r.Header.Clone())
	fail := rc.failN > 0
	if fail {
		rc.failN--
	}
	resp := rc.respBody
	rc.mu.Unlock()
	if fail {
		http.Error(w, "boom", 500)
		return
	}
	w.WriteHeader(200)
	_, _ = w.Write([]byte(resp))
}

func (rc *receiver) count() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.bodies)
}

func newEngineFixture(t *testing.T, rc *receiver) (*Engine, *store.Memory, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(rc.handler))
	t.Cleanup(ts.Close)
	mem := store.NewMemory()
	return NewEngine(mem), mem, ts
}

func subscribe(t *testing.T, mem *store.Memory, tenant, url string, events ...string) model.Subscription {
	t.Helper()
	sub, err := mem.CreateSubscription(context.Background(), tenant, model.SubscriptionRequest{URL: url, Events: events}, NewSecret())
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return sub
}

func TestDeliverFansOutToMatchingSubscriptions(t *testing.T) {
	rc := &receiver{respBody: "ok"}
	e, mem, ts := newEngineFixture(t, rc)
	ctx := context.Background()

	sub1 := subscribe(t, mem, "t1", ts.URL, "card.viewed", "contact.created")
	sub2 := subscribe(t, mem, "t1", ts.URL, "card.viewed")
	subscribe(t, mem, "t1", ts.URL, "link.clicked") // different event
	other := subscribe(t, mem, "t1", ts.URL, "card.viewed")
	inactive := false
	if _, err := mem.UpdateSubscription(ctx, "t1", other.ID, model.SubscriptionPatch{IsActive: &inactive}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	subscribe(t, mem, "t2", ts.URL, "card.viewed") // different tenant

	e.Deliver(ctx, "t1", model.EventCardViewed, map[string]any{"cardId": "c1"})
	e.Wait()

	if got := rc.count(); got != 2 {
		t.Fatalf("got %d requests, want 2", got)
	}
	items, _, err := mem.ListWebhookDeliveries(ctx, "t1", "", "", "", 50)
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d delivery rows, want 2", len(items))
	}
	for _, d := range items {
		if d.SubscriptionID != sub1.ID && d.SubscriptionID != sub2.ID {
			t.Fatalf("delivery created for wrong subscription %s", d.SubscriptionID)
		}
		if d.State() != store.DeliveryDelivered || d.DeliveredAt == nil {
			t.Fatalf("delivery %s not delivered: %+v", d.ID, d)
		}
		if d.Attempts != 1 {
			t.Fatalf("attempts = %d, want 1", d.Attempts)
		}
		if d.ResponseStatus != 200 || d.ResponseBody != "ok" {
			t.Fatalf("response not recorded: %d %q", d.ResponseStatus, d.ResponseBody)
		}
	}
}

func TestDeliverSignsRequests(t *testing.T) {
	rc := &receiver{}
	e, mem, ts := newEngineFixture(t, rc)
	ctx := context.Background()
	sub := subscribe(t, mem, "t1", ts.URL, "card.published")

	e.Deliver(ctx, "t1", model.EventCardPublished, map[string]any{"cardId": "c1", "slug": "jane"})
	e.Wait()

	if rc.count() != 1 {
		t.Fatalf("got %d requests, want 1", rc.count())
	}
	h := rc.headers[0]
	if ct := h.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type %q", ct)
	}
	tsec, err := strconv.ParseInt(h.Get("X-Webhook-Timestamp"), 10, 64)
	if err != nil {
		t.Fatalf("bad timestamp header: %v", err)
	}
	if !Verify(sub.Secret, tsec, rc.bodies[0], h.Get("X-Webhook-Signature")) {
		t.Fatal("signature does not verify against body and timestamp")
	}
	var envelope struct {
		ID       string         `json:"id"`
		Type     string         `json:"type"`
		TenantID string         `json:"tenantId"`
		TS       string         `json:"ts"`
		Data     map[string]any `json:"data"`
	}
	if err := json.Unmarshal(rc.bodies[0], &envelope); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if envelope.Type != "card.published" || envelope.TenantID != "t1" {
		t.Fatalf("bad envelope: %+v", envelope)
	}
	if !strings.HasPrefix(envelope.ID, "evt_") {
		t.Fatalf("bad event id %q", envelope.ID)
	}
	if envelope.Data["slug"] != "jane" {
		t.Fatalf("bad data: %+v", envelope.Data)
	}
}

func TestFanOutIsolatesFailingEndpoint(t *testing.T) {
	rc := &receiver{respBody: "ok"}
	e, mem, ts := newEngineFixture(t, rc)
	ctx := context.Background()

	// an endpoint that refuses connections entirely
	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	good := subscribe(t, mem, "t1", ts.URL, "card.viewed")
	bad := subscribe(t, mem, "t1", deadURL, "card.viewed")

	e.Deliver(ctx, "t1", model.EventCardViewed, nil)
	e.Wait()

	items, _, err := mem.ListWebhookDeliveries(ctx, "t1", "", "", "", 10)
	if err != nil || len(items) != 2 {
		t.Fatalf("got %d delivery rows, err %v, want 2", len(items), err)
	}
	for _, d := range items {
		switch d.SubscriptionID {
		case good.ID:
			if d.State() != store.DeliveryDelivered {
				t.Fatalf("healthy endpoint state = %s, want delivered", d.State())
			}
			if d.Attempts != 1 {
				t.Fatalf("healthy endpoint attempts = %d, want 1", d.Attempts)
			}
		case bad.ID:
			if d.State() != store.DeliveryPending {
				t.Fatalf("unreachable endpoint state = %s, want pending", d.State())
			}
			if d.Attempts != 1 {
				t.Fatalf("unreachable endpoint attempts = %d, want 1", d.Attempts)
			}
			if d.NextRetryAt == nil {
				t.Fatal("unreachable endpoint has no retry scheduled")
			}
			if d.FailedAt != nil {
				t.Fatal("one transport error must not fail the delivery terminally")
			}
			if d.ResponseStatus != 0 || d.ResponseBody == "" {
				t.Fatalf("transport error not recorded: %d %q", d.ResponseStatus, d.ResponseBody)
			}
		default:
			t.Fatalf("delivery for unexpected subscription %s", d.SubscriptionID)
		}
	}
}

func TestDeliverNoSubscribersCreatesNothing(t *testing.T) {
	rc := &receiver{}
	e, mem, _ := newEngineFixture(t, rc)
	ctx := context.Background()

	e.Deliver(ctx, "t1", model.EventCardViewed, nil)
	e.Wait()

	items, _, _ := mem.ListWebhookDeliveries(ctx, "t1", "", "", "", 10)
	if len(items) != 0 || rc.count() != 0 {
		t.Fatalf("expected no deliveries, got %d rows, %d requests", len(items), rc.count())
	}
}

func TestFailedSendSchedulesFirstRetry(t *testing.T) {
	rc := &receiver{failN: 100}
	e, mem, ts := newEngineFixture(t, rc)
	ctx := context.Background()
	subscribe(t, mem, "t1", ts.URL, "card.viewed")

	before := time.Now()
	e.Deliver(ctx, "t1", model.EventCardViewed, nil)
	e.Wait()

	items, _, _ := mem.ListWebhookDeliveries(ctx, "t1", "", "", "", 10)
	if len(items) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(items))
	}
	d := items[0]
	if d.State() != store.DeliveryPending {
		t.Fatalf("state = %s, want pending", d.State())
	}
	if d.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", d.Attempts)
	}
	if d.ResponseStatus != 500 || !strings.Contains(d.ResponseBody, "unexpected status 500") {
		t.Fatalf("failure not recorded: %d %q", d.ResponseStatus, d.ResponseBody)
	}
	if d.NextRetryAt == nil {
		t.Fatal("no retry scheduled")
	}
	wait := d.NextRetryAt.Sub(before)
	if wait < 55*time.Second || wait > 65*time.Second {
		t.Fatalf("first retry in %v, want ~60s", wait)
	}
}

func TestProcessRetriesDeliversDue(t *testing.T) {
	rc := &receiver{}
	e, mem, ts := newEngineFixture(t, rc)
	ctx := context.Background()

	d, err := mem.CreateWebhookDelivery(ctx, "t1", "sub1", model.EventContactCreated, ts.URL, NewSecret(), []byte(`{}`))
	if err != nil {
		t.Fatalf("create delivery: %v", err)
	}
	past := time.Now().Add(-time.Minute)
	if err := mem.MarkWebhookAttemptFailed(ctx, d.ID, 500, "boom", &past); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	if n := e.ProcessRetries(ctx); n != 1 {
		t.Fatalf("processed %d, want 1", n)
	}
	got, _ := mem.GetWebhookDelivery(ctx, d.ID)
	if got.State() != store.DeliveryDelivered {
		t.Fatalf("state = %s, want delivered", got.State())
	}
	if got.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", got.Attempts)
	}
	// nothing left to process
	if n := e.ProcessRetries(ctx); n != 0 {
		t.Fatalf("second pass processed %d, want 0", n)
	}
}

func TestTerminalFailureAfterMaxAttempts(t *testing.T) {
	rc := &receiver{failN: 100}
	e, mem, ts := newEngineFixture(t, rc)
	ctx := context.Background()

	d, err := mem.CreateWebhookDelivery(ctx, "t1", "sub1", model.EventCardViewed, ts.URL, NewSecret(), []byte(`{}`))
	if err != nil {
		t.Fatalf("create delivery: %v", err)
	}
	past := time.Now().Add(-time.Minute)
	for i := 0; i < store.MaxDeliveryAttempts-1; i++ {
		if err := mem.MarkWebhookAttemptFailed(ctx, d.ID, 500, "boom", &past); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
	}

	// fifth attempt fails and must go terminal
	if n := e.ProcessRetries(ctx); n != 1 {
		t.Fatalf("processed %d, want 1", n)
	}
	got, _ := mem.GetWebhookDelivery(ctx, d.ID)
	if got.Attempts != store.MaxDeliveryAttempts {
		t.Fatalf("attempts = %d, want %d", got.Attempts, store.MaxDeliveryAttempts)
	}
	if got.State() != store.DeliveryFailed || got.FailedAt == nil {
		t.Fatalf("not terminally failed: %+v", got)
	}
	if got.NextRetryAt != nil {
		t.Fatal("terminal failure must not schedule another retry")
	}
	if n := e.ProcessRetries(ctx); n != 0 {
		t.Fatalf("terminal delivery still selected for retry")
	}
}

func TestManualRetry(t *testing.T) {
	rc := &receiver{}
	e, mem, ts := newEngineFixture(t, rc)
	ctx := context.Background()

	if e.Retry(ctx, "missing") {
		t.Fatal("retry of missing delivery returned true")
	}

	// terminally failed deliveries can still be retried by an operator
	d, _ := mem.CreateWebhookDelivery(ctx, "t1", "sub1", model.EventCardViewed, ts.URL, NewSecret(), []byte(`{}`))
	for i := 0; i < store.MaxDeliveryAttempts; i++ {
		if err := mem.MarkWebhookAttemptFailed(ctx, d.ID, 500, "boom", nil); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
	}
	if got, _ := mem.GetWebhookDelivery(ctx, d.ID); got.State() != store.DeliveryFailed {
		t.Fatalf("setup: state = %s, want failed", got.State())
	}
	if !e.Retry(ctx, d.ID) {
		t.Fatal("retry of failed delivery returned false")
	}
	got, _ := mem.GetWebhookDelivery(ctx, d.ID)
	if got.State() != store.DeliveryDelivered {
		t.Fatalf("state after retry = %s, want delivered", got.State())
	}

	// delivered is terminal success, never retried
	if e.Retry(ctx, d.ID) {
		t.Fatal("retry of delivered delivery returned true")
	}
}

func TestRetryAfterRepeatedFailuresCountsEveryAttempt(t *testing.T) {
	rc := &receiver{}
	e, mem, ts := newEngineFixture(t, rc)
	ctx := context.Background()

	d, _ := mem.CreateWebhookDelivery(ctx, "t1", "sub1", model.EventLinkClicked, ts.URL, NewSecret(), []byte(`{}`))
	past := time.Now().Add(-time.Minute)
	for i := 0; i < 2; i++ {
		if err := mem.MarkWebhookAttemptFailed(ctx, d.ID, 500, "boom", &past); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
	}
	if !e.Retry(ctx, d.ID) {
		t.Fatal("retry returned false")
	}
	got, _ := mem.GetWebhookDelivery(ctx, d.ID)
	if got.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (two failures plus the successful send)", got.Attempts)
	}
	if got.State() != store.DeliveryDelivered {
		t.Fatalf("state = %s, want delivered", got.State())
	}
}

func TestResponseBodyTruncated(t *testing.T) {
	rc := &receiver{respBody: strings.Repeat("x", 3000)}
	e, mem, ts := newEngineFixture(t, rc)
	ctx := context.Background()
	subscribe(t, mem, "t1", ts.URL, "card.viewed")

	e.Deliver(ctx, "t1", model.EventCardViewed, nil)
	e.Wait()

	items, _, _ := mem.ListWebhookDeliveries(ctx, "t1", "", "", "", 10)
	if len(items) != 1 {
		t.Fatalf("got %d deliveries", len(items))
	}
	if len(items[0].ResponseBody) != maxResponseBody {
		t.Fatalf("response body length %d, want %d", len(items[0].ResponseBody), maxResponseBody)
	}
}

func TestResponseBodyTruncatedOnRuneBoundary(t *testing.T) {
	// a two-byte rune straddles the byte cap
	rc := &receiver{respBody: strings.Repeat("x", maxResponseBody-1) + strings.Repeat("é", 50)}
	e, mem, ts := newEngineFixture(t, rc)
	ctx := context.Background()
	subscribe(t, mem, "t1", ts.URL, "card.viewed")

	e.Deliver(ctx, "t1", model.EventCardViewed, nil)
	e.Wait()

	items, _, _ := mem.ListWebhookDeliveries(ctx, "t1", "", "", "", 10)
	if len(items) != 1 {
		t.Fatalf("got %d deliveries", len(items))
	}
	body := items[0].ResponseBody
	if len(body) > maxResponseBody {
		t.Fatalf("response body length %d over cap %d", len(body), maxResponseBody)
	}
	if !utf8.ValidString(body) {
		t.Fatal("truncated response body is not valid UTF-8")
	}
}

func TestWorkerDrainsDueRetries(t *testing.T) {
	rc := &receiver{}
	e, mem, ts := newEngineFixture(t, rc)
	ctx := context.Background()

	d, _ := mem.CreateWebhookDelivery(ctx, "t1", "sub1", model.EventCardViewed, ts.URL, NewSecret(), []byte(`{}`))
	past := time.Now().Add(-time.Minute)
	if err := mem.MarkWebhookAttemptFailed(ctx, d.ID, 0, "connection refused", &past); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	w := NewWorker(e, 10*time.Millisecond)
	w.Start()
	defer close(w.Stop)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := mem.GetWebhookDelivery(ctx, d.ID)
		if got.State() == store.DeliveryDelivered {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("worker never delivered the due retry")
}

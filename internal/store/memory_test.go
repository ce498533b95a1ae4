package store

import (
	"context"
	"testing"
	"time"

	"github.com/tovutilabs/nexus-cards/internal/model"
)

func TestCardLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	c, err := m.CreateCard(ctx, "t1", model.CardInput{Slug: "Jane-Doe", Title: "Jane Doe", Links: []model.CardLink{{Label: "Site", URL: "https://example.com"}}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Slug != "jane-doe" {
		t.Fatalf("slug not normalized: %s", c.Slug)
	}
	if c.Status != "draft" {
		t.Fatalf("status = %s, want draft", c.Status)
	}
	if c.Links[0].ID == "" {
		t.Fatal("link id not assigned")
	}

	if _, err := m.CreateCard(ctx, "t2", model.CardInput{Slug: "jane-doe", Title: "Other"}); err != ErrConflict {
		t.Fatalf("duplicate slug: got %v, want ErrConflict", err)
	}

	if _, err := m.GetCard(ctx, "t2", c.ID); err != ErrNotFound {
		t.Fatalf("cross-tenant get: got %v, want ErrNotFound", err)
	}

	pub, err := m.PublishCard(ctx, "t1", c.ID)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if pub.Status != "published" || pub.PublishedAt == "" {
		t.Fatalf("publish state: %+v", pub)
	}

	for i := 0; i < 3; i++ {
		if err := m.RecordCardView(ctx, "t1", c.ID); err != nil {
			t.Fatalf("record view: %v", err)
		}
	}
	got, _ := m.GetCard(ctx, "t1", c.ID)
	if got.Views != 3 {
		t.Fatalf("views = %d, want 3", got.Views)
	}
}

func TestListCardsPagination(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := m.CreateCard(ctx, "t1", model.CardInput{Slug: "card-" + string(rune('a'+i)), Title: "C"}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	page1, next, err := m.ListCards(ctx, "t1", "", 2)
	if err != nil || len(page1) != 2 || next == "" {
		t.Fatalf("page1: %d items, next %q, err %v", len(page1), next, err)
	}
	page2, next2, err := m.ListCards(ctx, "t1", next, 2)
	if err != nil || len(page2) != 2 {
		t.Fatalf("page2: %d items, err %v", len(page2), err)
	}
	page3, next3, err := m.ListCards(ctx, "t1", next2, 2)
	if err != nil || len(page3) != 1 || next3 != "" {
		t.Fatalf("page3: %d items, next %q, err %v", len(page3), next3, err)
	}
	if page1[0].ID == page2[0].ID {
		t.Fatal("pages overlap")
	}
}

func TestSubscriptionMatching(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	s1, _ := m.CreateSubscription(ctx, "t1", model.SubscriptionRequest{URL: "https://a.example/hook", Events: []string{"card.viewed"}}, "whsec_1")
	s2, _ := m.CreateSubscription(ctx, "t1", model.SubscriptionRequest{URL: "https://b.example/hook", Events: []string{"card.viewed", "link.clicked"}}, "whsec_2")
	m.CreateSubscription(ctx, "t1", model.SubscriptionRequest{URL: "https://c.example/hook", Events: []string{"contact.created"}}, "whsec_3")

	subs, err := m.GetSubscriptionsForEvent(ctx, "t1", model.EventCardViewed)
	if err != nil || len(subs) != 2 {
		t.Fatalf("got %d subs, err %v, want 2", len(subs), err)
	}

	off := false
	if _, err := m.UpdateSubscription(ctx, "t1", s1.ID, model.SubscriptionPatch{IsActive: &off}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	subs, _ = m.GetSubscriptionsForEvent(ctx, "t1", model.EventCardViewed)
	if len(subs) != 1 || subs[0].ID != s2.ID {
		t.Fatalf("inactive subscription still matched: %+v", subs)
	}

	if err := m.RotateSubscriptionSecret(ctx, "t1", s2.ID, "whsec_new"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	got, _ := m.GetSubscription(ctx, "t1", s2.ID)
	if got.Secret != "whsec_new" {
		t.Fatalf("secret not rotated: %s", got.Secret)
	}

	if err := m.DeleteSubscription(ctx, "t1", s2.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.DeleteSubscription(ctx, "t1", s2.ID); err != ErrNotFound {
		t.Fatalf("double delete: got %v, want ErrNotFound", err)
	}
}

func TestDeliveryStateDerivation(t *testing.T) {
	now := time.Now()
	d := WebhookDelivery{}
	if d.State() != DeliveryPending {
		t.Fatalf("empty delivery state = %s, want pending", d.State())
	}
	d.FailedAt = &now
	if d.State() != DeliveryFailed {
		t.Fatalf("failed state = %s", d.State())
	}
	// delivered wins even when a stale failedAt remains from before a
	// successful manual retry
	d.DeliveredAt = &now
	if d.State() != DeliveryDelivered {
		t.Fatalf("delivered state = %s", d.State())
	}
}

func TestFetchDueWebhookRetries(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	due, _ := m.CreateWebhookDelivery(ctx, "t1", "s1", model.EventCardViewed, "https://x.example", "sec", []byte(`{}`))
	_ = m.MarkWebhookAttemptFailed(ctx, due.ID, 500, "x", &past)

	notYet, _ := m.CreateWebhookDelivery(ctx, "t1", "s1", model.EventCardViewed, "https://x.example", "sec", []byte(`{}`))
	_ = m.MarkWebhookAttemptFailed(ctx, notYet.ID, 500, "x", &future)

	fresh, _ := m.CreateWebhookDelivery(ctx, "t1", "s1", model.EventCardViewed, "https://x.example", "sec", []byte(`{}`))
	_ = fresh

	delivered, _ := m.CreateWebhookDelivery(ctx, "t1", "s1", model.EventCardViewed, "https://x.example", "sec", []byte(`{}`))
	_ = m.MarkWebhookDelivered(ctx, delivered.ID, 200, "ok")

	exhausted, _ := m.CreateWebhookDelivery(ctx, "t1", "s1", model.EventCardViewed, "https://x.example", "sec", []byte(`{}`))
	for i := 0; i < MaxDeliveryAttempts; i++ {
		_ = m.MarkWebhookAttemptFailed(ctx, exhausted.ID, 500, "x", &past)
	}

	out, err := m.FetchDueWebhookRetries(ctx, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(out) != 1 || out[0].ID != due.ID {
		t.Fatalf("due set wrong: %d items", len(out))
	}
}

func TestListWebhookDeliveriesFilters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	p, _ := m.CreateWebhookDelivery(ctx, "t1", "sA", model.EventCardViewed, "https://x.example", "sec", []byte(`{}`))
	ok, _ := m.CreateWebhookDelivery(ctx, "t1", "sA", model.EventCardViewed, "https://x.example", "sec", []byte(`{}`))
	_ = m.MarkWebhookDelivered(ctx, ok.ID, 200, "")
	bad, _ := m.CreateWebhookDelivery(ctx, "t1", "sB", model.EventCardViewed, "https://x.example", "sec", []byte(`{}`))
	_ = m.MarkWebhookAttemptFailed(ctx, bad.ID, 500, "x", nil)
	m.CreateWebhookDelivery(ctx, "t2", "sC", model.EventCardViewed, "https://x.example", "sec", []byte(`{}`))

	all, _, err := m.ListWebhookDeliveries(ctx, "t1", "", "", "", 50)
	if err != nil || len(all) != 3 {
		t.Fatalf("all: %d, err %v", len(all), err)
	}
	bySub, _, _ := m.ListWebhookDeliveries(ctx, "t1", "sA", "", "", 50)
	if len(bySub) != 2 {
		t.Fatalf("by subscription: %d, want 2", len(bySub))
	}
	pending, _, _ := m.ListWebhookDeliveries(ctx, "t1", "", string(DeliveryPending), "", 50)
	if len(pending) != 1 || pending[0].ID != p.ID {
		t.Fatalf("pending filter: %d", len(pending))
	}
	failed, _, _ := m.ListWebhookDeliveries(ctx, "t1", "", string(DeliveryFailed), "", 50)
	if len(failed) != 1 || failed[0].ID != bad.ID {
		t.Fatalf("failed filter: %d", len(failed))
	}
}

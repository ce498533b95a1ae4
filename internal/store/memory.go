package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tovutilabs/nexus-cards/internal/model"
)

// MaxDeliveryAttempts is the cumulative attempt cap after which a delivery is
// terminally failed and no longer eligible for scheduled retries.
const MaxDeliveryAttempts = 5

// Memory is a simple in-memory store used when no database_url is configured.
type Memory struct {
	mu         sync.Mutex
	cards      map[string]model.Card         // id -> card
	cardsByTen map[string][]string           // tenant -> card ids
	slugs      map[string]string             // slug -> card id
	contacts   map[string][]model.Contact    // cardId -> contacts
	subs       map[string][]model.Subscription // tenant -> subscriptions
	deliveries map[string]*WebhookDelivery   // id -> delivery
	delByTen   map[string][]string           // tenant -> delivery ids
	delOrder   []string                      // creation order, for stable scans
}

func NewMemory() *Memory {
	return &Memory{
		cards:      map[string]model.Card{},
		cardsByTen: map[string][]string{},
		slugs:      map[string]string{},
		contacts:   map[string][]model.Contact{},
		subs:       map[string][]model.Subscription{},
		deliveries: map[string]*WebhookDelivery{},
		delByTen:   map[string][]string{},
	}
}

// Cards

func (m *Memory) CreateCard(ctx context.Context, tenantID string, in model.CardInput) (model.Card, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	slug := strings.ToLower(strings.TrimSpace(in.Slug))
	if _, taken := m.slugs[slug]; taken {
		return model.Card{}, ErrConflict
	}
	c := model.Card{ID: uuid.New().String(), TenantID: tenantID, Slug: slug, Title: in.Title, Subtitle: in.Subtitle, Status: "draft", Links: in.Links, Theme: in.Theme}
	for i := range c.Links {
		if c.Links[i].ID == "" { c.Links[i].ID = uuid.New().String() }
	}
	m.cards[c.ID] = c
	m.cardsByTen[tenantID] = append(m.cardsByTen[tenantID], c.ID)
	m.slugs[slug] = c.ID
	return c, nil
}

func (m *Memory) GetCard(ctx context.Context, tenantID, id string) (model.Card, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	c, ok := m.cards[id]
	if !ok || c.TenantID != tenantID { return model.Card{}, ErrNotFound }
	return c, nil
}

func (m *Memory) GetCardBySlug(ctx context.Context, slug string) (model.Card, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	id, ok := m.slugs[strings.ToLower(slug)]
	if !ok { return model.Card{}, ErrNotFound }
	return m.cards[id], nil
}

func (m *Memory) ListCards(ctx context.Context, tenantID, cursor string, limit int) ([]model.Card, string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	ids := m.cardsByTen[tenantID]
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor { start = i + 1; break }
		}
	}
	if limit <= 0 { limit = 100 }
	out := []model.Card{}
	next := ""
	for i := start; i < len(ids) && len(out) < limit; i++ {
		out = append(out, m.cards[ids[i]])
		next = ids[i]
	}
	if len(out) < limit { next = "" }
	return out, next, nil
}

func (m *Memory) PublishCard(ctx context.Context, tenantID, id string) (model.Card, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	c, ok := m.cards[id]
	if !ok || c.TenantID != tenantID { return model.Card{}, ErrNotFound }
	c.Status = "published"
	c.PublishedAt = time.Now().UTC().Format(time.RFC3339)
	m.cards[id] = c
	return c, nil
}

func (m *Memory) RecordCardView(ctx context.Context, tenantID, cardID string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	c, ok := m.cards[cardID]
	if !ok || c.TenantID != tenantID { return ErrNotFound }
	c.Views++
	m.cards[cardID] = c
	return nil
}

// Contacts

func (m *Memory) CreateContact(ctx context.Context, tenantID, cardID string, req model.ContactRequest) (model.Contact, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	card, ok := m.cards[cardID]
	if !ok || card.TenantID != tenantID { return model.Contact{}, ErrNotFound }
	c := model.Contact{ID: uuid.New().String(), TenantID: tenantID, CardID: cardID, Name: req.Name, Email: req.Email, Phone: req.Phone, Message: req.Message, CreatedAt: time.Now().UTC().Format(time.RFC3339)}
	m.contacts[cardID] = append(m.contacts[cardID], c)
	return c, nil
}

func (m *Memory) ListContacts(ctx context.Context, tenantID, cardID, cursor string, limit int) ([]model.Contact, string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	list := m.contacts[cardID]
	start := 0
	if cursor != "" {
		for i := range list {
			if list[i].ID == cursor { start = i + 1; break }
		}
	}
	if limit <= 0 { limit = 100 }
	end := start + limit
	if end > len(list) { end = len(list) }
	items := append([]model.Contact(nil), list[start:end]...)
	next := ""
	if end < len(list) { next = list[end-1].ID }
	return items, next, nil
}

// Webhook subscriptions

func (m *Memory) CreateSubscription(ctx context.Context, tenantID string, req model.SubscriptionRequest, secret string) (model.Subscription, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	s := model.Subscription{ID: uuid.New().String(), TenantID: tenantID, URL: req.URL, Events: req.Events, Secret: secret, IsActive: true}
	m.subs[tenantID] = append(m.subs[tenantID], s)
	return s, nil
}

func (m *Memory) GetSubscription(ctx context.Context, tenantID, id string) (model.Subscription, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	for _, s := range m.subs[tenantID] {
		if s.ID == id { return s, nil }
	}
	return model.Subscription{}, ErrNotFound
}

func (m *Memory) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	list := m.subs[tenantID]
	start := 0
	if cursor != "" {
		for i := range list {
			if list[i].ID == cursor { start = i + 1; break }
		}
	}
	if limit <= 0 { limit = 100 }
	end := start + limit
	if end > len(list) { end = len(list) }
	items := append([]model.Subscription(nil), list[start:end]...)
	next := ""
	if end < len(list) { next = list[end-1].ID }
	return items, next, nil
}

func (m *Memory) UpdateSubscription(ctx context.Context, tenantID, id string, patch model.SubscriptionPatch) (model.Subscription, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	list := m.subs[tenantID]
	for i := range list {
		if list[i].ID != id { continue }
		if patch.URL != nil { list[i].URL = *patch.URL }
		if patch.Events != nil { list[i].Events = patch.Events }
		if patch.IsActive != nil { list[i].IsActive = *patch.IsActive }
		return list[i], nil
	}
	return model.Subscription{}, ErrNotFound
}

func (m *Memory) RotateSubscriptionSecret(ctx context.Context, tenantID, id, secret string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	list := m.subs[tenantID]
	for i := range list {
		if list[i].ID == id { list[i].Secret = secret; return nil }
	}
	return ErrNotFound
}

func (m *Memory) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	arr := m.subs[tenantID]
	out := make([]model.Subscription, 0, len(arr))
	found := false
	for _, s := range arr {
		if s.ID == id { found = true; continue }
		out = append(out, s)
	}
	if !found { return ErrNotFound }
	m.subs[tenantID] = out
	return nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, tenantID string, eventType model.EventType) ([]model.Subscription, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs[tenantID] {
		if s.ListensTo(eventType) { out = append(out, s) }
	}
	return out, nil
}

// Webhook deliveries

func (m *Memory) CreateWebhookDelivery(ctx context.Context, tenantID, subscriptionID string, eventType model.EventType, url, secret string, payload []byte) (WebhookDelivery, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	d := &WebhookDelivery{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		SubscriptionID: subscriptionID,
		EventType:      eventType,
		URL:            url,
		Secret:         secret,
		Payload:        append([]byte(nil), payload...),
		CreatedAt:      time.Now(),
	}
	m.deliveries[d.ID] = d
	m.delByTen[tenantID] = append(m.delByTen[tenantID], d.ID)
	m.delOrder = append(m.delOrder, d.ID)
	return *d, nil
}

func (m *Memory) GetWebhookDelivery(ctx context.Context, id string) (WebhookDelivery, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok { return WebhookDelivery{}, ErrNotFound }
	return *d, nil
}

func (m *Memory) MarkWebhookDelivered(ctx context.Context, id string, responseStatus int, responseBody string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok { return ErrNotFound }
	d.Attempts++
	d.ResponseStatus = responseStatus
	d.ResponseBody = responseBody
	now := time.Now()
	d.DeliveredAt = &now
	d.NextRetryAt = nil
	return nil
}

func (m *Memory) MarkWebhookAttemptFailed(ctx context.Context, id string, responseStatus int, responseBody string, nextRetryAt *time.Time) error {
	m.mu.Lock(); defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok { return ErrNotFound }
	d.Attempts++
	d.ResponseStatus = responseStatus
	d.ResponseBody = responseBody
	if nextRetryAt == nil {
		now := time.Now()
		d.FailedAt = &now
		d.NextRetryAt = nil
	} else {
		d.NextRetryAt = nextRetryAt
	}
	return nil
}

func (m *Memory) FetchDueWebhookRetries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, id := range m.delOrder {
		d := m.deliveries[id]
		if d == nil || d.DeliveredAt != nil || d.Attempts >= MaxDeliveryAttempts { continue }
		if d.NextRetryAt == nil || d.NextRetryAt.After(now) { continue }
		out = append(out, *d)
		if limit > 0 && len(out) >= limit { break }
	}
	return out, nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, tenantID, subscriptionID, status, cursor string, limit int) ([]WebhookDelivery, string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	ids := m.delByTen[tenantID]
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor { start = i + 1; break }
		}
	}
	if limit <= 0 { limit = 100 }
	out := []WebhookDelivery{}
	next := ""
	for i := start; i < len(ids); i++ {
		d := m.deliveries[ids[i]]
		if d == nil { continue }
		if subscriptionID != "" && d.SubscriptionID != subscriptionID { continue }
		if status != "" && string(d.State()) != status { continue }
		out = append(out, *d)
		next = ids[i]
		if len(out) >= limit { break }
	}
	if len(out) < limit { next = "" }
	return out, next, nil
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/tovutilabs/nexus-cards/internal/model"
)

// Store is the persistence interface used by the API server and the webhook
// delivery engine.
type Store interface {
	// Cards
	CreateCard(ctx context.Context, tenantID string, in model.CardInput) (model.Card, error)
	GetCard(ctx context.Context, tenantID, id string) (model.Card, error)
	GetCardBySlug(ctx context.Context, slug string) (model.Card, error)
	ListCards(ctx context.Context, tenantID, cursor string, limit int) ([]model.Card, string, error)
	PublishCard(ctx context.Context, tenantID, id string) (model.Card, error)
	RecordCardView(ctx context.Context, tenantID, cardID string) error

	// Contacts
	CreateContact(ctx context.Context, tenantID, cardID string, req model.ContactRequest) (model.Contact, error)
	ListContacts(ctx context.Context, tenantID, cardID, cursor string, limit int) ([]model.Contact, string, error)

	// Webhook subscriptions
	CreateSubscription(ctx context.Context, tenantID string, req model.SubscriptionRequest, secret string) (model.Subscription, error)
	GetSubscription(ctx context.Context, tenantID, id string) (model.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error)
	UpdateSubscription(ctx context.Context, tenantID, id string, patch model.SubscriptionPatch) (model.Subscription, error)
	RotateSubscriptionSecret(ctx context.Context, tenantID, id, secret string) error
	DeleteSubscription(ctx context.Context, tenantID, id string) error
	GetSubscriptionsForEvent(ctx context.Context, tenantID string, eventType model.EventType) ([]model.Subscription, error)

	// Webhook deliveries
	CreateWebhookDelivery(ctx context.Context, tenantID, subscriptionID string, eventType model.EventType, url, secret string, payload []byte) (WebhookDelivery, error)
	GetWebhookDelivery(ctx context.Context, id string) (WebhookDelivery, error)
	MarkWebhookDelivered(ctx context.Context, id string, responseStatus int, responseBody string) error
	MarkWebhookAttemptFailed(ctx context.Context, id string, responseStatus int, responseBody string, nextRetryAt *time.Time) error
	FetchDueWebhookRetries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	ListWebhookDeliveries(ctx context.Context, tenantID, subscriptionID, status, cursor string, limit int) ([]WebhookDelivery, string, error)
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

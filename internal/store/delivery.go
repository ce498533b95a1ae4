package store

import (
	"time"

	"github.com/tovutilabs/nexus-cards/internal/model"
)

// DeliveryState is the tagged status of a webhook delivery, derived from the
// three nullable timestamps so that illegal combinations cannot be reported.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
)

// WebhookDelivery is one attempt ledger for a (subscription, event) pair.
// URL and Secret are denormalized from the subscription at enqueue time so the
// send path never re-reads the subscription row.
type WebhookDelivery struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenantId"`
	SubscriptionID string          `json:"subscriptionId"`
	EventType      model.EventType `json:"eventType"`
	URL            string          `json:"url"`
	Secret         string          `json:"-"`
	Payload        []byte          `json:"-"`
	Attempts       int             `json:"attempts"`
	ResponseStatus int             `json:"responseStatus,omitempty"`
	ResponseBody   string          `json:"responseBody,omitempty"`
	DeliveredAt    *time.Time      `json:"deliveredAt,omitempty"`
	FailedAt       *time.Time      `json:"failedAt,omitempty"`
	NextRetryAt    *time.Time      `json:"nextRetryAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// State derives the delivery status. DeliveredAt wins over FailedAt so a
// manual retry that succeeds after exhaustion reads as delivered.
func (d WebhookDelivery) State() DeliveryState {
	switch {
	case d.DeliveredAt != nil:
		return DeliveryDelivered
	case d.FailedAt != nil:
		return DeliveryFailed
	default:
		return DeliveryPending
	}
}

package model

// Core domain types for the cards service.

// EventType enumerates the business events a webhook subscription can listen to.
type EventType string

const (
	EventCardViewed     EventType = "card.viewed"
	EventCardPublished  EventType = "card.published"
	EventContactCreated EventType = "contact.created"
	EventLinkClicked    EventType = "link.clicked"
)

// EventTypes lists every valid event type.
var EventTypes = []EventType{EventCardViewed, EventCardPublished, EventContactCreated, EventLinkClicked}

// Valid reports whether e is a member of the closed event enumeration.
func (e EventType) Valid() bool {
	for _, v := range EventTypes {
		if e == v {
			return true
		}
	}
	return false
}

// Cards

type CardInput struct {
	Slug     string         `json:"slug"`
	Title    string         `json:"title"`
	Subtitle string         `json:"subtitle,omitempty"`
	Links    []CardLink     `json:"links,omitempty"`
	Theme    map[string]any `json:"theme,omitempty"`
}

type CardLink struct {
	ID    string `json:"id,omitempty"`
	Label string `json:"label"`
	URL   string `json:"url"`
}

type Card struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenantId"`
	Slug        string         `json:"slug"`
	Title       string         `json:"title"`
	Subtitle    string         `json:"subtitle,omitempty"`
	Status      string         `json:"status"` // draft, published
	Links       []CardLink     `json:"links,omitempty"`
	Theme       map[string]any `json:"theme,omitempty"`
	Views       int64          `json:"views"`
	PublishedAt string         `json:"publishedAt,omitempty"`
}

// Contacts (visitor captures on a public card)

type ContactRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Message string `json:"message,omitempty"`
}

type Contact struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenantId"`
	CardID    string `json:"cardId"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Message   string `json:"message,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// Webhook subscriptions

type SubscriptionRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// SubscriptionPatch carries partial updates; nil pointers leave fields unchanged.
type SubscriptionPatch struct {
	URL      *string  `json:"url,omitempty"`
	Events   []string `json:"events,omitempty"`
	IsActive *bool    `json:"isActive,omitempty"`
}

type Subscription struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenantId"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret,omitempty"`
	IsActive bool     `json:"isActive"`
}

// ListensTo reports whether the subscription is active and includes the event.
func (s Subscription) ListensTo(e EventType) bool {
	if !s.IsActive {
		return false
	}
	for _, v := range s.Events {
		if v == string(e) {
			return true
		}
	}
	return false
}

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tovutilabs/nexus-cards/internal/metrics"
	"github.com/tovutilabs/nexus-cards/internal/model"
	"github.com/tovutilabs/nexus-cards/internal/store"
	"github.com/tovutilabs/nexus-cards/internal/webhooks"
)

// Cards

func (s *Server) CardsHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	switch r.Method {
	case http.MethodPost:
		if !p.CanEdit() {
			writeProblem(w, 403, "Forbidden", "editor role required", r.URL.Path)
			return
		}
		var in model.CardInput
		if err := readJSON(r, &in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateCardInput(&in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid card", err.Error(), r.URL.Path)
			return
		}
		c, err := s.Store.CreateCard(r.Context(), p.Tenant, in)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				writeProblem(w, http.StatusConflict, "Slug taken", in.Slug, r.URL.Path)
				return
			}
			writeProblem(w, 500, "Create card failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	case http.MethodGet:
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, next, err := s.Store.ListCards(r.Context(), p.Tenant, cursor, limit)
		if err != nil {
			writeProblem(w, 500, "List cards failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// CardByIDHandler serves /v1/cards/{id} plus the /publish, /contacts and
// /events/stream subresources.
func (s *Server) CardByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/cards/")
	if rest == "" || rest == r.URL.Path {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	id, sub, _ := strings.Cut(rest, "/")
	p := s.getPrincipal(r)
	switch {
	case sub == "" && r.Method == http.MethodGet:
		c, err := s.Store.GetCard(r.Context(), p.Tenant, id)
		if err != nil {
			s.writeStoreError(w, r, err, "Get card failed")
			return
		}
		writeJSON(w, 200, c)
	case sub == "publish" && r.Method == http.MethodPost:
		if !p.CanEdit() {
			writeProblem(w, 403, "Forbidden", "editor role required", r.URL.Path)
			return
		}
		c, err := s.Store.PublishCard(r.Context(), p.Tenant, id)
		if err != nil {
			s.writeStoreError(w, r, err, "Publish card failed")
			return
		}
		s.Engine.Deliver(r.Context(), p.Tenant, model.EventCardPublished, map[string]any{"cardId": c.ID, "slug": c.Slug})
		writeJSON(w, 200, c)
	case sub == "contacts" && r.Method == http.MethodGet:
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, next, err := s.Store.ListContacts(r.Context(), p.Tenant, id, cursor, limit)
		if err != nil {
			writeProblem(w, 500, "List contacts failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
	case sub == "events/stream" && r.Method == http.MethodGet:
		s.streamCardEvents(w, r, id)
	default:
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
	}
}

// streamCardEvents serves the live engagement feed for one card over SSE.
func (s *Server) streamCardEvents(w http.ResponseWriter, r *http.Request, cardID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, 500, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	ch := s.Broker.Subscribe(cardID)
	defer s.Broker.Unsubscribe(cardID, ch)
	keepalive := time.NewTicker(20 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case evt, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", sseData(evt.Data))
			flusher.Flush()
		}
	}
}

// Public card surface: /v1/p/{slug} and the tracking subresources. These are
// unauthenticated and sit behind the per-IP rate limiter.
func (s *Server) PublicCardHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/p/")
	if rest == "" || rest == r.URL.Path {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	slug, action, _ := strings.Cut(rest, "/")
	card, err := s.Store.GetCardBySlug(r.Context(), slug)
	if err != nil || card.Status != "published" {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		writeJSON(w, 200, publicCard(card))
	case action == "view" && r.Method == http.MethodPost:
		if err := s.Store.RecordCardView(r.Context(), card.TenantID, card.ID); err != nil {
			writeProblem(w, 500, "Record view failed", err.Error(), r.URL.Path)
			return
		}
		metrics.CardViews.WithLabelValues(card.TenantID).Inc()
		s.Engine.Deliver(r.Context(), card.TenantID, model.EventCardViewed, map[string]any{"cardId": card.ID, "slug": card.Slug})
		s.Broker.Publish(card.ID, EngagementEvent{Type: string(model.EventCardViewed), Data: map[string]any{"cardId": card.ID}})
		writeJSON(w, 202, map[string]string{"status": "recorded"})
	case action == "contacts" && r.Method == http.MethodPost:
		var req model.ContactRequest
		if err := readJSON(r, &req); err != nil {
			writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			writeProblem(w, 400, "Missing name", "", r.URL.Path)
			return
		}
		c, err := s.Store.CreateContact(r.Context(), card.TenantID, card.ID, req)
		if err != nil {
			writeProblem(w, 500, "Create contact failed", err.Error(), r.URL.Path)
			return
		}
		metrics.ContactCaptures.WithLabelValues(card.TenantID).Inc()
		s.Engine.Deliver(r.Context(), card.TenantID, model.EventContactCreated, map[string]any{"cardId": card.ID, "contactId": c.ID, "name": c.Name, "email": c.Email})
		s.Broker.Publish(card.ID, EngagementEvent{Type: string(model.EventContactCreated), Data: map[string]any{"cardId": card.ID, "contactId": c.ID}})
		writeJSON(w, http.StatusCreated, c)
	case action == "click" && r.Method == http.MethodPost:
		var req struct {
			LinkID string `json:"linkId"`
		}
		if err := readJSON(r, &req); err != nil {
			writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		link, ok := findLink(card, req.LinkID)
		if !ok {
			writeProblem(w, 404, "Unknown link", req.LinkID, r.URL.Path)
			return
		}
		s.Engine.Deliver(r.Context(), card.TenantID, model.EventLinkClicked, map[string]any{"cardId": card.ID, "linkId": link.ID, "url": link.URL})
		s.Broker.Publish(card.ID, EngagementEvent{Type: string(model.EventLinkClicked), Data: map[string]any{"cardId": card.ID, "linkId": link.ID}})
		writeJSON(w, 202, map[string]string{"status": "recorded"})
	default:
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
	}
}

func findLink(c model.Card, linkID string) (model.CardLink, bool) {
	for _, l := range c.Links {
		if l.ID == linkID {
			return l, true
		}
	}
	return model.CardLink{}, false
}

// publicCard strips tenant internals from the public rendering payload.
func publicCard(c model.Card) map[string]any {
	return map[string]any{
		"slug":     c.Slug,
		"title":    c.Title,
		"subtitle": c.Subtitle,
		"links":    c.Links,
		"theme":    c.Theme,
	}
}

// Webhook subscriptions

func (s *Server) WebhooksHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !p.CanEdit() {
		writeProblem(w, 403, "Forbidden", "editor role required", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req model.SubscriptionRequest
		if err := readJSON(r, &req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateSubscription(req.URL, req.Events); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid subscription", err.Error(), r.URL.Path)
			return
		}
		// The secret is generated server-side and returned exactly once.
		sub, err := s.Store.CreateSubscription(r.Context(), p.Tenant, req, webhooks.NewSecret())
		if err != nil {
			writeProblem(w, 500, "Create subscription failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodGet:
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, next, err := s.Store.ListSubscriptions(r.Context(), p.Tenant, cursor, limit)
		if err != nil {
			writeProblem(w, 500, "List subscriptions failed", err.Error(), r.URL.Path)
			return
		}
		for i := range items {
			items[i].Secret = "" // never echoed after creation
		}
		writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// WebhookByIDHandler serves /v1/webhooks/{id} plus /rotate-secret and
// /deliveries.
func (s *Server) WebhookByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/webhooks/")
	if rest == "" || rest == r.URL.Path {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	id, sub, _ := strings.Cut(rest, "/")
	p := s.getPrincipal(r)
	if !p.CanEdit() {
		writeProblem(w, 403, "Forbidden", "editor role required", r.URL.Path)
		return
	}
	switch {
	case sub == "" && r.Method == http.MethodGet:
		out, err := s.Store.GetSubscription(r.Context(), p.Tenant, id)
		if err != nil {
			s.writeStoreError(w, r, err, "Get subscription failed")
			return
		}
		out.Secret = ""
		writeJSON(w, 200, out)
	case sub == "" && r.Method == http.MethodPatch:
		var patch model.SubscriptionPatch
		if err := readJSON(r, &patch); err != nil {
			writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if patch.URL != nil {
			if err := validateEndpointURL(*patch.URL); err != nil {
				writeProblem(w, 400, "Invalid subscription", err.Error(), r.URL.Path)
				return
			}
		}
		if patch.Events != nil {
			if err := validateEvents(patch.Events); err != nil {
				writeProblem(w, 400, "Invalid subscription", err.Error(), r.URL.Path)
				return
			}
		}
		out, err := s.Store.UpdateSubscription(r.Context(), p.Tenant, id, patch)
		if err != nil {
			s.writeStoreError(w, r, err, "Update subscription failed")
			return
		}
		out.Secret = ""
		writeJSON(w, 200, out)
	case sub == "" && r.Method == http.MethodDelete:
		if err := s.Store.DeleteSubscription(r.Context(), p.Tenant, id); err != nil {
			s.writeStoreError(w, r, err, "Delete subscription failed")
			return
		}
		w.WriteHeader(204)
	case sub == "rotate-secret" && r.Method == http.MethodPost:
		secret := webhooks.NewSecret()
		if err := s.Store.RotateSubscriptionSecret(r.Context(), p.Tenant, id, secret); err != nil {
			s.writeStoreError(w, r, err, "Rotate secret failed")
			return
		}
		writeJSON(w, 200, map[string]string{"id": id, "secret": secret})
	case sub == "deliveries" && r.Method == http.MethodGet:
		s.listDeliveries(w, r, p.Tenant, id)
	default:
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
	}
}

// deliveryOut adds the derived status to the serialized delivery record.
type deliveryOut struct {
	store.WebhookDelivery
	Status store.DeliveryState `json:"status"`
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request, tenant, subscriptionID string) {
	status := r.URL.Query().Get("status")
	cursor := r.URL.Query().Get("cursor")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	items, next, err := s.Store.ListWebhookDeliveries(r.Context(), tenant, subscriptionID, status, cursor, limit)
	if err != nil {
		writeProblem(w, 500, "List deliveries failed", err.Error(), r.URL.Path)
		return
	}
	out := make([]deliveryOut, 0, len(items))
	for _, d := range items {
		out = append(out, deliveryOut{WebhookDelivery: d, Status: d.State()})
	}
	writeJSON(w, 200, map[string]any{"items": out, "nextCursor": next})
}

// Admin: delivery history across subscriptions, and manual retry.

func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/webhook-deliveries" {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(405)
		return
	}
	s.listDeliveries(w, r, p.Tenant, r.URL.Query().Get("subscriptionId"))
}

func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/") || !strings.HasSuffix(r.URL.Path, "/retry") {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(405)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/"), "/retry")
	d, err := s.Store.GetWebhookDelivery(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err, "Retry delivery failed")
		return
	}
	if d.TenantID != p.Tenant {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	if !s.Engine.RetryDelivery(r.Context(), d) {
		writeProblem(w, http.StatusConflict, "Not retryable", "delivery already delivered", r.URL.Path)
		return
	}
	writeJSON(w, 202, map[string]int{"accepted": 1})
}

// Health

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	// Check DB connectivity when using Postgres store
	type pinger interface{ Ping(ctx context.Context) error }
	if pg, ok := s.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if err := pg.Ping(ctx); err != nil {
			writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, 200, map[string]string{"status": "ready"})
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error, title string) {
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	writeProblem(w, 500, title, err.Error(), r.URL.Path)
}

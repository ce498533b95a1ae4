package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tovutilabs/nexus-cards/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// MigrateDir applies every .sql file in dir in lexical order. Dev helper; a
// real deployment would use a migration tool with version tracking.
func (p *Postgres) MigrateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil { return err }
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") { names = append(names, e.Name()) }
	}
	sort.Strings(names)
	for _, n := range names {
		sqlBytes, err := os.ReadFile(filepath.Join(dir, n))
		if err != nil { return err }
		if _, err := p.db.Exec(string(sqlBytes)); err != nil { return err }
	}
	return nil
}

// Cards

func (p *Postgres) CreateCard(ctx context.Context, tenantID string, in model.CardInput) (model.Card, error) {
	id := uuid.New().String()
	slug := strings.ToLower(strings.TrimSpace(in.Slug))
	for i := range in.Links {
		if in.Links[i].ID == "" { in.Links[i].ID = uuid.New().String() }
	}
	links, _ := json.Marshal(in.Links)
	theme, _ := json.Marshal(in.Theme)
	_, err := p.db.ExecContext(ctx, `INSERT INTO cards (id, tenant_id, slug, title, subtitle, status, links, theme) VALUES ($1,$2,$3,$4,$5,'draft',$6,$7)`,
		id, tenantID, slug, in.Title, nullIfEmpty(in.Subtitle), links, theme)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") { return model.Card{}, ErrConflict }
		return model.Card{}, err
	}
	return p.GetCard(ctx, tenantID, id)
}

func (p *Postgres) scanCard(row interface{ Scan(...any) error }) (model.Card, error) {
	var c model.Card
	var subtitle sql.NullString
	var publishedAt sql.NullTime
	var links, theme []byte
	if err := row.Scan(&c.ID, &c.TenantID, &c.Slug, &c.Title, &subtitle, &c.Status, &links, &theme, &c.Views, &publishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) { return c, ErrNotFound }
		return c, err
	}
	c.Subtitle = subtitle.String
	if publishedAt.Valid { c.PublishedAt = publishedAt.Time.UTC().Format(time.RFC3339) }
	_ = json.Unmarshal(links, &c.Links)
	_ = json.Unmarshal(theme, &c.Theme)
	return c, nil
}

const cardCols = `id::text, tenant_id::text, slug, title, subtitle, status, COALESCE(links,'[]'::jsonb), COALESCE(theme,'{}'::jsonb), views, published_at`

func (p *Postgres) GetCard(ctx context.Context, tenantID, id string) (model.Card, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+cardCols+` FROM cards WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	return p.scanCard(row)
}

func (p *Postgres) GetCardBySlug(ctx context.Context, slug string) (model.Card, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+cardCols+` FROM cards WHERE slug=$1`, strings.ToLower(slug))
	return p.scanCard(row)
}

func (p *Postgres) ListCards(ctx context.Context, tenantID, cursor string, limit int) ([]model.Card, string, error) {
	if limit <= 0 || limit > 500 { limit = 100 }
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT `+cardCols+` FROM cards WHERE tenant_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, tenantID, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT `+cardCols+` FROM cards WHERE tenant_id=$1 ORDER BY id LIMIT $2`, tenantID, limit)
	}
	if err != nil { return nil, "", err }
	defer rows.Close()
	out := []model.Card{}
	last := ""
	for rows.Next() {
		c, err := p.scanCard(rows)
		if err != nil { return nil, "", err }
		out = append(out, c)
		last = c.ID
	}
	next := ""
	if len(out) == limit { next = last }
	return out, next, rows.Err()
}

func (p *Postgres) PublishCard(ctx context.Context, tenantID, id string) (model.Card, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE cards SET status='published', published_at=now() WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	if err != nil { return model.Card{}, err }
	if n, _ := res.RowsAffected(); n == 0 { return model.Card{}, ErrNotFound }
	return p.GetCard(ctx, tenantID, id)
}

func (p *Postgres) RecordCardView(ctx context.Context, tenantID, cardID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE cards SET views=views+1 WHERE tenant_id=$1 AND id=$2`, tenantID, cardID)
	if err != nil { return err }
	if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
	return nil
}

// Contacts

func (p *Postgres) CreateContact(ctx context.Context, tenantID, cardID string, req model.ContactRequest) (model.Contact, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `INSERT INTO contacts (id, tenant_id, card_id, name, email, phone, message, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		id, tenantID, cardID, req.Name, nullIfEmpty(req.Email), nullIfEmpty(req.Phone), nullIfEmpty(req.Message), now)
	if err != nil { return model.Contact{}, err }
	return model.Contact{ID: id, TenantID: tenantID, CardID: cardID, Name: req.Name, Email: req.Email, Phone: req.Phone, Message: req.Message, CreatedAt: now.Format(time.RFC3339)}, nil
}

func (p *Postgres) ListContacts(ctx context.Context, tenantID, cardID, cursor string, limit int) ([]model.Contact, string, error) {
	if limit <= 0 || limit > 500 { limit = 100 }
	var rows *sql.Rows
	var err error
	q := `SELECT id::text, card_id::text, name, COALESCE(email,''), COALESCE(phone,''), COALESCE(message,''), created_at FROM contacts WHERE tenant_id=$1 AND card_id=$2`
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, q+` AND id::text > $3 ORDER BY id LIMIT $4`, tenantID, cardID, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, q+` ORDER BY id LIMIT $3`, tenantID, cardID, limit)
	}
	if err != nil { return nil, "", err }
	defer rows.Close()
	out := []model.Contact{}
	last := ""
	for rows.Next() {
		var c model.Contact
		var created time.Time
		if err := rows.Scan(&c.ID, &c.CardID, &c.Name, &c.Email, &c.Phone, &c.Message, &created); err != nil { return nil, "", err }
		c.TenantID = tenantID
		c.CreatedAt = created.UTC().Format(time.RFC3339)
		out = append(out, c)
		last = c.ID
	}
	next := ""
	if len(out) == limit { next = last }
	return out, next, rows.Err()
}

// Webhook subscriptions

func (p *Postgres) CreateSubscription(ctx context.Context, tenantID string, req model.SubscriptionRequest, secret string) (model.Subscription, error) {
	id := uuid.New().String()
	ev, _ := json.Marshal(req.Events)
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_subscriptions (id, tenant_id, url, events, secret, is_active) VALUES ($1,$2,$3,$4,$5,true)`,
		id, tenantID, req.URL, ev, secret)
	if err != nil { return model.Subscription{}, err }
	return model.Subscription{ID: id, TenantID: tenantID, URL: req.URL, Events: req.Events, Secret: secret, IsActive: true}, nil
}

const subCols = `id::text, url, secret, events, is_active`

func (p *Postgres) scanSubscription(row interface{ Scan(...any) error }, tenantID string) (model.Subscription, error) {
	var s model.Subscription
	var ev []byte
	if err := row.Scan(&s.ID, &s.URL, &s.Secret, &ev, &s.IsActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) { return s, ErrNotFound }
		return s, err
	}
	s.TenantID = tenantID
	_ = json.Unmarshal(ev, &s.Events)
	return s, nil
}

func (p *Postgres) GetSubscription(ctx context.Context, tenantID, id string) (model.Subscription, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+subCols+` FROM webhook_subscriptions WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	return p.scanSubscription(row, tenantID)
}

func (p *Postgres) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
	if limit <= 0 || limit > 500 { limit = 100 }
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT `+subCols+` FROM webhook_subscriptions WHERE tenant_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, tenantID, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT `+subCols+` FROM webhook_subscriptions WHERE tenant_id=$1 ORDER BY id LIMIT $2`, tenantID, limit)
	}
	if err != nil { return nil, "", err }
	defer rows.Close()
	out := []model.Subscription{}
	last := ""
	for rows.Next() {
		s, err := p.scanSubscription(rows, tenantID)
		if err != nil { return nil, "", err }
		out = append(out, s)
		last = s.ID
	}
	next := ""
	if len(out) == limit { next = last }
	return out, next, rows.Err()
}

func (p *Postgres) UpdateSubscription(ctx context.Context, tenantID, id string, patch model.SubscriptionPatch) (model.Subscription, error) {
	s, err := p.GetSubscription(ctx, tenantID, id)
	if err != nil { return s, err }
	if patch.URL != nil { s.URL = *patch.URL }
	if patch.Events != nil { s.Events = patch.Events }
	if patch.IsActive != nil { s.IsActive = *patch.IsActive }
	ev, _ := json.Marshal(s.Events)
	_, err = p.db.ExecContext(ctx, `UPDATE webhook_subscriptions SET url=$1, events=$2, is_active=$3 WHERE tenant_id=$4 AND id=$5`, s.URL, ev, s.IsActive, tenantID, id)
	if err != nil { return model.Subscription{}, err }
	return s, nil
}

func (p *Postgres) RotateSubscriptionSecret(ctx context.Context, tenantID, id, secret string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_subscriptions SET secret=$1 WHERE tenant_id=$2 AND id=$3`, secret, tenantID, id)
	if err != nil { return err }
	if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
	return nil
}

func (p *Postgres) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	if err != nil { return err }
	if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
	return nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, tenantID string, eventType model.EventType) ([]model.Subscription, error) {
	ev, _ := json.Marshal([]string{string(eventType)})
	rows, err := p.db.QueryContext(ctx, `SELECT `+subCols+` FROM webhook_subscriptions WHERE tenant_id=$1 AND is_active AND events @> $2::jsonb`, tenantID, ev)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		s, err := p.scanSubscription(rows, tenantID)
		if err != nil { return nil, err }
		out = append(out, s)
	}
	return out, rows.Err()
}

// Webhook deliveries

const deliveryCols = `id::text, tenant_id::text, subscription_id::text, event_type, url, secret, payload, attempts, COALESCE(response_status,0), COALESCE(response_body,''), delivered_at, failed_at, next_retry_at, created_at`

func (p *Postgres) scanDelivery(row interface{ Scan(...any) error }) (WebhookDelivery, error) {
	var d WebhookDelivery
	var deliveredAt, failedAt, nextRetryAt sql.NullTime
	if err := row.Scan(&d.ID, &d.TenantID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Attempts, &d.ResponseStatus, &d.ResponseBody, &deliveredAt, &failedAt, &nextRetryAt, &d.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) { return d, ErrNotFound }
		return d, err
	}
	if deliveredAt.Valid { t := deliveredAt.Time; d.DeliveredAt = &t }
	if failedAt.Valid { t := failedAt.Time; d.FailedAt = &t }
	if nextRetryAt.Valid { t := nextRetryAt.Time; d.NextRetryAt = &t }
	return d, nil
}

func (p *Postgres) CreateWebhookDelivery(ctx context.Context, tenantID, subscriptionID string, eventType model.EventType, url, secret string, payload []byte) (WebhookDelivery, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, tenant_id, subscription_id, event_type, url, secret, payload, attempts, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,0,$8)`, id, tenantID, subscriptionID, string(eventType), url, secret, payload, now)
	if err != nil { return WebhookDelivery{}, err }
	return WebhookDelivery{ID: id, TenantID: tenantID, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, CreatedAt: now}, nil
}

func (p *Postgres) GetWebhookDelivery(ctx context.Context, id string) (WebhookDelivery, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+deliveryCols+` FROM webhook_deliveries WHERE id=$1`, id)
	return p.scanDelivery(row)
}

func (p *Postgres) MarkWebhookDelivered(ctx context.Context, id string, responseStatus int, responseBody string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, response_status=$2, response_body=$3, delivered_at=now(), next_retry_at=NULL WHERE id=$1`,
		id, nullIfZero(responseStatus), responseBody)
	return err
}

func (p *Postgres) MarkWebhookAttemptFailed(ctx context.Context, id string, responseStatus int, responseBody string, nextRetryAt *time.Time) error {
	if nextRetryAt == nil {
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, response_status=$2, response_body=$3, failed_at=now(), next_retry_at=NULL WHERE id=$1`,
			id, nullIfZero(responseStatus), responseBody)
		return err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, response_status=$2, response_body=$3, next_retry_at=$4 WHERE id=$1`,
		id, nullIfZero(responseStatus), responseBody, *nextRetryAt)
	return err
}

func (p *Postgres) FetchDueWebhookRetries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 { limit = 100 }
	rows, err := p.db.QueryContext(ctx, `SELECT `+deliveryCols+` FROM webhook_deliveries
		WHERE next_retry_at IS NOT NULL AND next_retry_at <= now() AND delivered_at IS NULL AND attempts < $1
		ORDER BY next_retry_at ASC LIMIT $2`, MaxDeliveryAttempts, limit)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		d, err := p.scanDelivery(rows)
		if err != nil { return nil, err }
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, tenantID, subscriptionID, status, cursor string, limit int) ([]WebhookDelivery, string, error) {
	if limit <= 0 || limit > 500 { limit = 100 }
	q := `SELECT ` + deliveryCols + ` FROM webhook_deliveries WHERE tenant_id=$1`
	args := []any{tenantID}
	if subscriptionID != "" {
		args = append(args, subscriptionID)
		q += ` AND subscription_id=$2`
	}
	switch status {
	case string(DeliveryDelivered):
		q += ` AND delivered_at IS NOT NULL`
	case string(DeliveryFailed):
		q += ` AND delivered_at IS NULL AND failed_at IS NOT NULL`
	case string(DeliveryPending):
		q += ` AND delivered_at IS NULL AND failed_at IS NULL`
	}
	if cursor != "" {
		args = append(args, cursor)
		q += ` AND id::text > $` + strconv.Itoa(len(args))
	}
	args = append(args, limit)
	q += ` ORDER BY id LIMIT $` + strconv.Itoa(len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil { return nil, "", err }
	defer rows.Close()
	out := []WebhookDelivery{}
	last := ""
	for rows.Next() {
		d, err := p.scanDelivery(rows)
		if err != nil { return nil, "", err }
		out = append(out, d)
		last = d.ID
	}
	next := ""
	if len(out) == limit { next = last }
	return out, next, rows.Err()
}

// Helpers

func nullIfEmpty(s string) any {
	if s == "" { return nil }
	return s
}

func nullIfZero(n int) any {
	if n == 0 { return nil }
	return n
}


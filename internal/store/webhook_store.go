package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/woly/hub/internal/werrors"
)

// WebhookRecord is one registered webhook subscription.
type WebhookRecord struct {
	ID        string
	URL       string
	Events    []string // subscribed event type strings; empty means all
	Secret    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WebhookDeliveryLog is one attempted delivery of an event to a webhook.
type WebhookDeliveryLog struct {
	ID             int64
	WebhookID      string
	EventType      string
	Attempt        int
	Status         string // "success" | "failed"
	ResponseStatus *int
	Error          string
	Payload        string
	CreatedAt      time.Time
}

// WebhookStore persists webhook subscriptions and their delivery history.
type WebhookStore struct {
	log zerolog.Logger
	db  *sql.DB
}

// NewWebhookStore wraps an open database connection.
func NewWebhookStore(log zerolog.Logger, db *sql.DB) *WebhookStore {
	return &WebhookStore{log: log.With().Str("component", "webhook_store").Logger(), db: db}
}

// Insert registers a new webhook.
func (s *WebhookStore) Insert(w *WebhookRecord) error {
	now := time.Now()
	w.CreatedAt, w.UpdatedAt = now, now
	eventsJSON, _ := json.Marshal(w.Events)

	_, err := s.db.Exec(`
		INSERT INTO webhooks (id, url, events, secret, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, w.ID, w.URL, string(eventsJSON), nullString(w.Secret), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return werrors.Persistence("insert_webhook_failed", "failed to insert webhook", err)
	}
	return nil
}

// Delete removes a webhook subscription by id.
func (s *WebhookStore) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return werrors.Persistence("delete_webhook_failed", "failed to delete webhook", err)
	}
	return nil
}

// ListAll returns every registered webhook.
func (s *WebhookStore) ListAll() ([]*WebhookRecord, error) {
	rows, err := s.db.Query(`SELECT id, url, events, secret, created_at, updated_at FROM webhooks ORDER BY created_at`)
	if err != nil {
		return nil, werrors.Persistence("list_webhooks_failed", "failed to list webhooks", err)
	}
	defer rows.Close()

	var out []*WebhookRecord
	for rows.Next() {
		var w WebhookRecord
		var eventsJSON string
		var secret sql.NullString
		if err := rows.Scan(&w.ID, &w.URL, &eventsJSON, &secret, &w.CreatedAt, &w.UpdatedAt); err != nil {
			continue
		}
		_ = json.Unmarshal([]byte(eventsJSON), &w.Events)
		w.Secret = strOrEmpty(secret)
		out = append(out, &w)
	}
	return out, nil
}

// LogDelivery records one delivery attempt.
func (s *WebhookStore) LogDelivery(l *WebhookDeliveryLog) error {
	l.CreatedAt = time.Now()
	var respStatus sql.NullInt64
	if l.ResponseStatus != nil {
		respStatus = sql.NullInt64{Int64: int64(*l.ResponseStatus), Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO webhook_delivery_logs (webhook_id, event_type, attempt, status, response_status, error, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, l.WebhookID, l.EventType, l.Attempt, l.Status, respStatus, nullString(l.Error), nullString(l.Payload), l.CreatedAt)
	if err != nil {
		return werrors.Persistence("log_delivery_failed", "failed to log webhook delivery attempt", err)
	}
	return nil
}

// ListRecentDeliveries returns the most recent delivery attempts for a webhook.
func (s *WebhookStore) ListRecentDeliveries(webhookID string, limit int) ([]*WebhookDeliveryLog, error) {
	rows, err := s.db.Query(`
		SELECT id, webhook_id, event_type, attempt, status, response_status, error, payload, created_at
		FROM webhook_delivery_logs WHERE webhook_id = ? ORDER BY created_at DESC LIMIT ?
	`, webhookID, limit)
	if err != nil {
		return nil, werrors.Persistence("list_deliveries_failed", "failed to list webhook deliveries", err)
	}
	defer rows.Close()

	var out []*WebhookDeliveryLog
	for rows.Next() {
		var l WebhookDeliveryLog
		var respStatus sql.NullInt64
		var errStr, payload sql.NullString
		if err := rows.Scan(&l.ID, &l.WebhookID, &l.EventType, &l.Attempt, &l.Status, &respStatus, &errStr, &payload, &l.CreatedAt); err != nil {
			continue
		}
		if respStatus.Valid {
			v := int(respStatus.Int64)
			l.ResponseStatus = &v
		}
		l.Error = strOrEmpty(errStr)
		l.Payload = strOrEmpty(payload)
		out = append(out, &l)
	}
	return out, nil
}

package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/woly/hub/internal/werrors"
)

// PushDevice is one registered push-notification target.
type PushDevice struct {
	ID        string
	UserID    string
	Platform  string // "android" | "ios" (the push dispatcher also accepts "fcm" | "apns")
	Token     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// QuietHours is a per-user do-not-disturb window.
type QuietHours struct {
	Timezone string `json:"timezone"`
	Start    string `json:"start"` // "HH:MM"
	End      string `json:"end"`   // "HH:MM", may wrap past midnight
}

// NotificationPreference controls whether and which events a user receives
// push notifications for.
type NotificationPreference struct {
	UserID     string
	Enabled    bool
	Events     []string // subscribed event type strings; empty means all
	QuietHours *QuietHours
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PushStore persists push devices and per-user notification preferences.
type PushStore struct {
	log zerolog.Logger
	db  *sql.DB
}

// NewPushStore wraps an open database connection.
func NewPushStore(log zerolog.Logger, db *sql.DB) *PushStore {
	return &PushStore{log: log.With().Str("component", "push_store").Logger(), db: db}
}

// UpsertDevice registers or refreshes a device token.
func (s *PushStore) UpsertDevice(d *PushDevice) error {
	now := time.Now()
	d.UpdatedAt = now
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO push_devices (id, user_id, platform, token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET user_id = excluded.user_id, platform = excluded.platform, updated_at = excluded.updated_at
	`, d.ID, d.UserID, d.Platform, d.Token, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return werrors.Persistence("upsert_device_failed", "failed to register push device", err)
	}
	return nil
}

// DeleteDeviceByToken removes a device, used when a provider reports the
// token as permanently invalid.
func (s *PushStore) DeleteDeviceByToken(token string) error {
	_, err := s.db.Exec(`DELETE FROM push_devices WHERE token = ?`, token)
	if err != nil {
		return werrors.Persistence("delete_device_failed", "failed to delete push device", err)
	}
	return nil
}

// ListDevicesByUser returns every device registered for a user.
func (s *PushStore) ListDevicesByUser(userID string) ([]*PushDevice, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, platform, token, created_at, updated_at FROM push_devices WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, werrors.Persistence("list_devices_failed", "failed to list push devices", err)
	}
	defer rows.Close()

	var out []*PushDevice
	for rows.Next() {
		var d PushDevice
		if err := rows.Scan(&d.ID, &d.UserID, &d.Platform, &d.Token, &d.CreatedAt, &d.UpdatedAt); err != nil {
			continue
		}
		out = append(out, &d)
	}
	return out, nil
}

// ListAllDevices returns every registered device, for fan-out broadcast events.
func (s *PushStore) ListAllDevices() ([]*PushDevice, error) {
	rows, err := s.db.Query(`SELECT id, user_id, platform, token, created_at, updated_at FROM push_devices`)
	if err != nil {
		return nil, werrors.Persistence("list_all_devices_failed", "failed to list push devices", err)
	}
	defer rows.Close()

	var out []*PushDevice
	for rows.Next() {
		var d PushDevice
		if err := rows.Scan(&d.ID, &d.UserID, &d.Platform, &d.Token, &d.CreatedAt, &d.UpdatedAt); err != nil {
			continue
		}
		out = append(out, &d)
	}
	return out, nil
}

// GetPreference returns the stored preference for userID, or a default
// (enabled, all events, no quiet hours) if none is stored.
func (s *PushStore) GetPreference(userID string) (*NotificationPreference, error) {
	var p NotificationPreference
	var enabled int
	var eventsJSON string
	var quietHours sql.NullString

	err := s.db.QueryRow(`
		SELECT user_id, enabled, events, quiet_hours, created_at, updated_at
		FROM notification_preferences WHERE user_id = ?
	`, userID).Scan(&p.UserID, &enabled, &eventsJSON, &quietHours, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return &NotificationPreference{UserID: userID, Enabled: true}, nil
	}
	if err != nil {
		return nil, werrors.Persistence("get_preference_failed", "failed to load notification preference", err)
	}

	p.Enabled = enabled != 0
	_ = json.Unmarshal([]byte(eventsJSON), &p.Events)
	if quietHours.Valid && quietHours.String != "" {
		var qh QuietHours
		if err := json.Unmarshal([]byte(quietHours.String), &qh); err == nil {
			p.QuietHours = &qh
		}
	}
	return &p, nil
}

// SetPreference upserts a user's notification preference.
func (s *PushStore) SetPreference(p *NotificationPreference) error {
	now := time.Now()
	p.UpdatedAt = now
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	eventsJSON, _ := json.Marshal(p.Events)
	var quietHoursJSON sql.NullString
	if p.QuietHours != nil {
		if data, err := json.Marshal(p.QuietHours); err == nil {
			quietHoursJSON = sql.NullString{String: string(data), Valid: true}
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO notification_preferences (user_id, enabled, events, quiet_hours, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			enabled = excluded.enabled, events = excluded.events, quiet_hours = excluded.quiet_hours, updated_at = excluded.updated_at
	`, p.UserID, boolToInt(p.Enabled), string(eventsJSON), quietHoursJSON, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return werrors.Persistence("set_preference_failed", "failed to save notification preference", err)
	}
	return nil
}

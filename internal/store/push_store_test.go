package store

import (
	"testing"

	"github.com/rs/zerolog"
)

func newTestPushStore(t *testing.T) *PushStore {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPushStore(zerolog.Nop(), db)
}

func TestPushStoreUpsertDeviceAndDeleteByToken(t *testing.T) {
	s := newTestPushStore(t)
	dev := &PushDevice{ID: "d1", UserID: "u1", Platform: "android", Token: "tok-1"}
	if err := s.UpsertDevice(dev); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Re-registering the same token updates in place rather than duplicating.
	if err := s.UpsertDevice(&PushDevice{ID: "d1-again", UserID: "u1", Platform: "android", Token: "tok-1"}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	devices, err := s.ListDevicesByUser("u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected exactly one device for the token, got %d", len(devices))
	}

	if err := s.DeleteDeviceByToken("tok-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	devices, err = s.ListDevicesByUser("u1")
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("expected no devices left, got %d", len(devices))
	}
}

func TestPushStoreGetPreferenceDefaultsWhenUnset(t *testing.T) {
	s := newTestPushStore(t)
	pref, err := s.GetPreference("nobody")
	if err != nil {
		t.Fatalf("get preference: %v", err)
	}
	if !pref.Enabled {
		t.Fatal("default preference should be enabled")
	}
	if pref.QuietHours != nil {
		t.Fatal("default preference should have no quiet hours")
	}
}

func TestPushStoreSetPreferenceRoundTripsQuietHours(t *testing.T) {
	s := newTestPushStore(t)
	p := &NotificationPreference{
		UserID:  "u1",
		Enabled: true,
		Events:  []string{"host.status-transition"},
		QuietHours: &QuietHours{
			Timezone: "UTC", Start: "09:00", End: "17:00",
		},
	}
	if err := s.SetPreference(p); err != nil {
		t.Fatalf("set preference: %v", err)
	}

	got, err := s.GetPreference("u1")
	if err != nil {
		t.Fatalf("get preference: %v", err)
	}
	if got.QuietHours == nil || got.QuietHours.Start != "09:00" || got.QuietHours.End != "17:00" {
		t.Fatalf("expected quiet hours to round-trip, got %+v", got.QuietHours)
	}
	if len(got.Events) != 1 || got.Events[0] != "host.status-transition" {
		t.Fatalf("expected events to round-trip, got %+v", got.Events)
	}
}

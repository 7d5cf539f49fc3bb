package store

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestHistoryStore(t *testing.T) *HistoryStore {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewHistoryStore(zerolog.Nop(), db)
}

func TestUptimeSinceStillAwakeExtendsToNow(t *testing.T) {
	s := newTestHistoryStore(t)
	since := time.Now().Add(-time.Hour)
	if err := s.Append("h1@lab", "asleep", "awake"); err != nil {
		t.Fatalf("append: %v", err)
	}

	awake, err := s.UptimeSince("h1@lab", since, true, time.Now())
	if err != nil {
		t.Fatalf("uptime since: %v", err)
	}
	if awake <= 0 {
		t.Fatalf("expected positive awake duration, got %v", awake)
	}
}

func TestUptimeSinceCapsOpenIntervalWhenNoLongerAwake(t *testing.T) {
	s := newTestHistoryStore(t)
	since := time.Now().Add(-time.Hour)
	awakeAt := time.Now().Add(-45 * time.Minute)
	if _, err := s.db.Exec(`
		INSERT INTO host_status_history (host_fqn, old_status, new_status, changed_at)
		VALUES (?, ?, ?, ?)
	`, "h1@lab", "asleep", "awake", awakeAt); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Simulate MarkNodeHostsUnreachable: the host flips to asleep without a
	// matching history row, so the log still ends on an open "into awake"
	// transition even though the host isn't awake anymore.
	statusAsOf := time.Now().Add(-30 * time.Minute)
	awake, err := s.UptimeSince("h1@lab", since, false, statusAsOf)
	if err != nil {
		t.Fatalf("uptime since: %v", err)
	}

	// Must be capped at statusAsOf (15m after awakeAt), not extended to
	// time.Now() (which would be ~45m).
	if awake <= 0 || awake > 16*time.Minute {
		t.Fatalf("expected awake duration capped near 15m, got %v", awake)
	}
}

func TestUptimeSinceNoOpenIntervalIgnoresStatusAsOf(t *testing.T) {
	s := newTestHistoryStore(t)
	since := time.Now().Add(-time.Hour)
	if err := s.Append("h1@lab", "asleep", "awake"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append("h1@lab", "awake", "asleep"); err != nil {
		t.Fatalf("append: %v", err)
	}

	awake, err := s.UptimeSince("h1@lab", since, false, time.Now())
	if err != nil {
		t.Fatalf("uptime since: %v", err)
	}
	if awake <= 0 {
		t.Fatalf("expected the closed interval to still be counted, got %v", awake)
	}
}

package store

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestCommandStore(t *testing.T) *CommandStore {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewCommandStore(zerolog.Nop(), db)
}

func TestEnqueueIdempotentOnMatchingKey(t *testing.T) {
	s := newTestCommandStore(t)

	first, err := s.Enqueue("cmd-1", "node-1", "wake", `{"type":"wake"}`, "wake:op-42")
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	second, err := s.Enqueue("cmd-2", "node-1", "wake", `{"type":"wake"}`, "wake:op-42")
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("second enqueue returned a different id: %s != %s", second.ID, first.ID)
	}

	rows, err := s.ListQueuedByNode("node-1", 10)
	if err != nil {
		t.Fatalf("list queued: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one stored row, got %d", len(rows))
	}
}

func TestEnqueueDistinctKeysInsertSeparateRows(t *testing.T) {
	s := newTestCommandStore(t)
	if _, err := s.Enqueue("cmd-1", "node-1", "wake", "{}", "wake:a"); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if _, err := s.Enqueue("cmd-2", "node-1", "wake", "{}", "wake:b"); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	rows, err := s.ListQueuedByNode("node-1", 10)
	if err != nil {
		t.Fatalf("list queued: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows for distinct idempotency keys, got %d", len(rows))
	}
}

func TestMarkSentIsRetryTolerant(t *testing.T) {
	s := newTestCommandStore(t)
	rec, err := s.Enqueue("cmd-1", "node-1", "wake", "{}", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.MarkSent(rec.ID); err != nil {
		t.Fatalf("first mark sent: %v", err)
	}
	if err := s.MarkSent(rec.ID); err != nil {
		t.Fatalf("second mark sent: %v", err)
	}

	got, err := s.FindByID(rec.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.State != StateSent {
		t.Fatalf("expected state sent, got %s", got.State)
	}
	if got.RetryCount != 2 {
		t.Fatalf("expected retryCount 2 after two sends, got %d", got.RetryCount)
	}
	if got.SentAt == nil {
		t.Fatal("sentAt should be set once retryCount >= 1")
	}
}

func TestTerminalStatesSetCompletedAt(t *testing.T) {
	s := newTestCommandStore(t)

	acked, err := s.Enqueue("cmd-ack", "node-1", "wake", "{}", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.MarkAcknowledged(acked.ID); err != nil {
		t.Fatalf("mark acknowledged: %v", err)
	}
	got, err := s.FindByID(acked.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !got.State.IsTerminal() || got.CompletedAt == nil {
		t.Fatalf("acknowledged record must be terminal with completedAt set, got %+v", got)
	}

	failed, err := s.Enqueue("cmd-fail", "node-1", "wake", "{}", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.MarkFailed(failed.ID, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, err = s.FindByID(failed.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Error != "boom" || got.CompletedAt == nil {
		t.Fatalf("failed record must carry the error and a completedAt, got %+v", got)
	}

	queued, err := s.Enqueue("cmd-queued", "node-1", "wake", "{}", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err = s.FindByID(queued.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.State.IsTerminal() || got.CompletedAt != nil {
		t.Fatalf("freshly queued record must not be terminal, got %+v", got)
	}
}

func TestReconcileStaleInFlight(t *testing.T) {
	s := newTestCommandStore(t)

	stale, err := s.Enqueue("cmd-stale", "node-1", "wake", "{}", "")
	if err != nil {
		t.Fatalf("enqueue stale: %v", err)
	}
	if err := s.MarkSent(stale.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE commands SET created_at = ? WHERE id = ?`, time.Now().Add(-time.Hour), stale.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	fresh, err := s.Enqueue("cmd-fresh", "node-1", "wake", "{}", "")
	if err != nil {
		t.Fatalf("enqueue fresh: %v", err)
	}

	n, err := s.ReconcileStaleInFlight(30 * time.Second)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row reconciled, got %d", n)
	}

	got, err := s.FindByID(stale.ID)
	if err != nil {
		t.Fatalf("find stale: %v", err)
	}
	if got.State != StateTimedOut {
		t.Fatalf("stale sent row should become timed_out, got %s", got.State)
	}

	got, err = s.FindByID(fresh.ID)
	if err != nil {
		t.Fatalf("find fresh: %v", err)
	}
	if got.State != StateQueued {
		t.Fatalf("queued rows must be left alone by reconciliation, got %s", got.State)
	}
}

func TestPruneOldCommands(t *testing.T) {
	s := newTestCommandStore(t)
	rec, err := s.Enqueue("cmd-old", "node-1", "wake", "{}", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE commands SET created_at = ? WHERE id = ?`, time.Now().AddDate(0, 0, -40), rec.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	n, err := s.PruneOldCommands(30)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row pruned, got %d", n)
	}
	if _, err := s.FindByID(rec.ID); err == nil {
		t.Fatal("expected pruned row to be gone")
	}
}

func TestListQueuedByNodeOrdersByCreatedAt(t *testing.T) {
	s := newTestCommandStore(t)
	if _, err := s.Enqueue("cmd-1", "node-1", "wake", "{}", ""); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := s.Enqueue("cmd-2", "node-1", "wake", "{}", ""); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}

	rows, err := s.ListQueuedByNode("node-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != "cmd-1" || rows[1].ID != "cmd-2" {
		t.Fatalf("expected FIFO order [cmd-1, cmd-2], got %+v", rows)
	}
}

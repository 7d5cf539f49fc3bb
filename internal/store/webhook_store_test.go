package store

import (
	"testing"

	"github.com/rs/zerolog"
)

func newTestWebhookStore(t *testing.T) *WebhookStore {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWebhookStore(zerolog.Nop(), db)
}

func TestWebhookStoreInsertAndList(t *testing.T) {
	s := newTestWebhookStore(t)
	w := &WebhookRecord{ID: "w1", URL: "https://example.com/hook", Events: []string{"host.discovered"}, Secret: "shh"}
	if err := s.Insert(w); err != nil {
		t.Fatalf("insert: %v", err)
	}

	all, err := s.ListAll()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 || all[0].ID != "w1" {
		t.Fatalf("expected the inserted webhook, got %+v", all)
	}
	if len(all[0].Events) != 1 || all[0].Events[0] != "host.discovered" {
		t.Fatalf("expected events round-tripped, got %+v", all[0].Events)
	}
}

func TestWebhookStoreDelete(t *testing.T) {
	s := newTestWebhookStore(t)
	if err := s.Insert(&WebhookRecord{ID: "w1", URL: "https://example.com/hook"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Delete("w1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	all, err := s.ListAll()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected no webhooks left, got %d", len(all))
	}
}

func TestWebhookStoreLogAndListDeliveries(t *testing.T) {
	s := newTestWebhookStore(t)
	if err := s.Insert(&WebhookRecord{ID: "w1", URL: "https://example.com/hook"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	status := 200
	if err := s.LogDelivery(&WebhookDeliveryLog{WebhookID: "w1", EventType: "host.discovered", Attempt: 1, Status: "success", ResponseStatus: &status}); err != nil {
		t.Fatalf("log success: %v", err)
	}
	if err := s.LogDelivery(&WebhookDeliveryLog{WebhookID: "w1", EventType: "host.discovered", Attempt: 2, Status: "failed", Error: "timeout"}); err != nil {
		t.Fatalf("log failure: %v", err)
	}

	logs, err := s.ListRecentDeliveries("w1", 10)
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 delivery log rows, got %d", len(logs))
	}
}

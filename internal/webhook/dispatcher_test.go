package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/woly/hub/internal/events"
	"github.com/woly/hub/internal/store"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.WebhookStore) {
	t.Helper()
	log := zerolog.Nop()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ws := store.NewWebhookStore(log, db)
	d := New(log, ws, Config{DeliveryTimeout: 200 * time.Millisecond, BaseDelay: 5 * time.Millisecond})
	t.Cleanup(d.Shutdown)
	return d, ws
}

func TestHandleEventDeliversSuccessfully(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("X-Woly-Event") != string(events.TypeHostDiscovered) {
			t.Errorf("unexpected event header %q", r.Header.Get("X-Woly-Event"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, ws := newTestDispatcher(t)
	if err := ws.Insert(&store.WebhookRecord{ID: "wh-1", URL: srv.URL}); err != nil {
		t.Fatalf("insert webhook: %v", err)
	}

	if err := d.HandleEvent(events.Event{Type: events.TypeHostDiscovered, Timestamp: time.Now(), Data: map[string]any{"fqn": "x@y-z"}}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for atomic.LoadInt32(&calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", calls)
	}

	logs, err := ws.ListRecentDeliveries("wh-1", 10)
	if err != nil {
		t.Fatalf("ListRecentDeliveries: %v", err)
	}
	if len(logs) != 1 || logs[0].Status != "success" {
		t.Fatalf("expected one success log, got %+v", logs)
	}
}

func TestHandleEventSignsPayloadWhenSecretSet(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Woly-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, ws := newTestDispatcher(t)
	secret := "top-secret"
	if err := ws.Insert(&store.WebhookRecord{ID: "wh-2", URL: srv.URL, Secret: secret}); err != nil {
		t.Fatalf("insert webhook: %v", err)
	}

	if err := d.HandleEvent(events.Event{Type: events.TypeNodeConnected, Timestamp: time.Now(), Data: "node-1"}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for gotSig == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if gotSig == "" {
		t.Fatal("expected a signature header")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Errorf("signature mismatch: got %s want %s", gotSig, want)
	}
}

func TestHandleEventRetriesOnFailureThenLogsEachAttempt(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, ws := newTestDispatcher(t)
	if err := ws.Insert(&store.WebhookRecord{ID: "wh-3", URL: srv.URL}); err != nil {
		t.Fatalf("insert webhook: %v", err)
	}

	if err := d.HandleEvent(events.Event{Type: events.TypeHostRemoved, Timestamp: time.Now(), Data: "x"}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&calls) < MaxDeliveryAttempts && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&calls); got != MaxDeliveryAttempts {
		t.Fatalf("expected %d attempts, got %d", MaxDeliveryAttempts, got)
	}

	logs, err := ws.ListRecentDeliveries("wh-3", 10)
	if err != nil {
		t.Fatalf("ListRecentDeliveries: %v", err)
	}
	if len(logs) != MaxDeliveryAttempts {
		t.Fatalf("expected %d logged attempts, got %d", MaxDeliveryAttempts, len(logs))
	}
	for _, l := range logs {
		if l.Status != "failed" {
			t.Errorf("expected failed status, got %q", l.Status)
		}
	}
}

func TestHandleEventSkipsUnsubscribedTargets(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, ws := newTestDispatcher(t)
	if err := ws.Insert(&store.WebhookRecord{ID: "wh-4", URL: srv.URL, Events: []string{string(events.TypeScanComplete)}}); err != nil {
		t.Fatalf("insert webhook: %v", err)
	}

	if err := d.HandleEvent(events.Event{Type: events.TypeHostDiscovered, Timestamp: time.Now(), Data: "x"}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected target not subscribed to host.discovered to be skipped, got %d calls", calls)
	}
}

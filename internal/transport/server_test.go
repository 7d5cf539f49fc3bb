package transport

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/woly/hub/internal/host"
	"github.com/woly/hub/internal/node"
	"github.com/woly/hub/internal/store"
)

func newTestServer(t *testing.T) (*Server, *node.Registry, *host.Aggregator) {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	log := zerolog.Nop()
	registry := node.NewRegistry(log, time.Second, 3*time.Second)
	aggregator := host.NewAggregator(log, store.NewHostStore(log, db), store.NewHistoryStore(log, db))
	return NewServer(log, registry, aggregator), registry, aggregator
}

func TestHandlerRegistersAndUnregistersOnClose(t *testing.T) {
	srv, registry, _ := newTestServer(t)

	var connected, disconnected int
	registry.On("node-connected", func(any) { connected++ })
	registry.On("node-disconnected", func(any) { disconnected++ })

	ts := httptest.NewServer(srv.Handler("node-1"))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for connected == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if connected != 1 {
		t.Fatalf("expected 1 node-connected event, got %d", connected)
	}
	if !registry.IsNodeConnected("node-1") {
		t.Fatal("expected node-1 to be connected")
	}

	_ = conn.Close()

	deadline = time.Now().Add(time.Second)
	for disconnected == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if disconnected != 1 {
		t.Fatalf("expected 1 node-disconnected event, got %d", disconnected)
	}
}

func TestHandlerRelaysHostDiscoveredFrame(t *testing.T) {
	srv, _, aggregator := newTestServer(t)

	var added int
	aggregator.On("host-added", func(any) { added++ })

	ts := httptest.NewServer(srv.Handler("node-1"))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frame := `{"type":"host-discovered","data":{"nodeId":"node-1","name":"pc-a","mac":"aa:bb:cc:dd:ee:ff","ip":"10.0.0.5","status":"asleep","location":"lab"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for added == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if added != 1 {
		t.Fatalf("expected 1 host-added event, got %d", added)
	}
}

func TestSendCommandAfterDisconnectFails(t *testing.T) {
	srv, registry, _ := newTestServer(t)
	_ = srv

	ts := httptest.NewServer(srv.Handler("node-2"))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for !registry.IsNodeConnected("node-2") && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	_ = conn.Close()

	deadline = time.Now().Add(time.Second)
	for registry.IsNodeConnected("node-2") && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := registry.SendCommand("node-2", nil); err == nil {
		t.Fatal("expected SendCommand to a disconnected node to fail")
	}
}

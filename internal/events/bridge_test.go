package events

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/woly/hub/internal/emitter"
	"github.com/woly/hub/internal/store"
)

func TestPluginEventBridgeForwardsRenamedEvents(t *testing.T) {
	bus := New(zerolog.Nop())
	hostEmitter := emitter.New()
	nodeEmitter := emitter.New()
	br := NewPluginEventBridge(bus, hostEmitter, nodeEmitter)
	defer br.Shutdown()

	var seen []Type
	for _, typ := range []Type{TypeHostDiscovered, TypeHostRemoved, TypeHostStatusTransition, TypeNodeConnected, TypeNodeDisconnected, TypeScanComplete} {
		typ := typ
		bus.Subscribe(typ, func(ev Event) error {
			seen = append(seen, ev.Type)
			return nil
		})
	}

	hostEmitter.Emit("host-added", &store.HostRecord{FQN: "desktop@lab-node-1"})
	hostEmitter.Emit("host-removed", &store.HostRecord{FQN: "desktop@lab-node-1"})
	hostEmitter.Emit("host-status-transition", StatusTransitionStub{})
	nodeEmitter.Emit("node-connected", "node-1")
	nodeEmitter.Emit("node-disconnected", "node-1")
	nodeEmitter.Emit("scan-complete", "node-1")

	want := []Type{TypeHostDiscovered, TypeHostRemoved, TypeHostStatusTransition, TypeNodeConnected, TypeNodeDisconnected, TypeScanComplete}
	if len(seen) != len(want) {
		t.Fatalf("expected %d forwarded events, got %d: %v", len(want), len(seen), seen)
	}
	for i, typ := range want {
		if seen[i] != typ {
			t.Errorf("event %d: expected %s, got %s", i, typ, seen[i])
		}
	}
}

func TestPluginEventBridgeDropsHostDiscoveredWithEmptyFQN(t *testing.T) {
	bus := New(zerolog.Nop())
	hostEmitter := emitter.New()
	nodeEmitter := emitter.New()
	br := NewPluginEventBridge(bus, hostEmitter, nodeEmitter)
	defer br.Shutdown()

	var count int
	bus.Subscribe(TypeHostDiscovered, func(ev Event) error {
		count++
		return nil
	})

	hostEmitter.Emit("host-added", &store.HostRecord{FQN: ""})
	if count != 0 {
		t.Fatalf("expected host-added with empty FQN to be dropped, got %d deliveries", count)
	}
}

func TestPluginEventBridgeShutdownDetaches(t *testing.T) {
	bus := New(zerolog.Nop())
	hostEmitter := emitter.New()
	nodeEmitter := emitter.New()
	br := NewPluginEventBridge(bus, hostEmitter, nodeEmitter)

	var count int
	bus.Subscribe(TypeNodeConnected, func(ev Event) error {
		count++
		return nil
	})

	br.Shutdown()
	nodeEmitter.Emit("node-connected", "node-1")
	if count != 0 {
		t.Fatalf("expected no delivery after shutdown, got %d", count)
	}
}

// StatusTransitionStub stands in for host.StatusTransition; the bridge
// forwards any payload unchanged, so a local placeholder type suffices.
type StatusTransitionStub struct{}

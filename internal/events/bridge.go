package events

import (
	"github.com/woly/hub/internal/emitter"
	"github.com/woly/hub/internal/store"
)

// nativeEmitter is the subset of emitter.Emitter's contract a source
// component (HostAggregator, NodeRegistry) exposes.
type nativeEmitter interface {
	On(name string, handler emitter.Handler) emitter.Unsubscribe
}

// PluginEventBridge adapts HostAggregator's and NodeRegistry's native
// emitter events onto the typed Bus via a fixed, explicit mapping table
// rather than a generic registration API.
type PluginEventBridge struct {
	bus  *Bus
	subs []emitter.Unsubscribe
}

// NewPluginEventBridge wires hostEmitter and nodeEmitter onto bus and
// starts forwarding immediately.
func NewPluginEventBridge(bus *Bus, hostEmitter, nodeEmitter nativeEmitter) *PluginEventBridge {
	br := &PluginEventBridge{bus: bus}

	br.subs = append(br.subs, hostEmitter.On("host-added", br.forwardHostDiscovered))
	br.subs = append(br.subs, hostEmitter.On("host-removed", br.forward(TypeHostRemoved)))
	br.subs = append(br.subs, hostEmitter.On("host-status-transition", br.forward(TypeHostStatusTransition)))
	br.subs = append(br.subs, nodeEmitter.On("node-connected", br.forward(TypeNodeConnected)))
	br.subs = append(br.subs, nodeEmitter.On("node-disconnected", br.forward(TypeNodeDisconnected)))
	br.subs = append(br.subs, nodeEmitter.On("scan-complete", br.forward(TypeScanComplete)))

	return br
}

func (br *PluginEventBridge) forward(typ Type) emitter.Handler {
	return func(data any) {
		br.bus.Publish(Event{Type: typ, Data: data})
	}
}

func (br *PluginEventBridge) forwardHostDiscovered(data any) {
	if h, ok := data.(*store.HostRecord); ok && h.FQN == "" {
		return
	}
	br.bus.Publish(Event{Type: TypeHostDiscovered, Data: data})
}

// Shutdown detaches every forwarding subscription.
func (br *PluginEventBridge) Shutdown() {
	for _, unsub := range br.subs {
		unsub()
	}
	br.subs = nil
}

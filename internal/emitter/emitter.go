// Package emitter provides the small native event emitter used internally
// by HostAggregator and NodeRegistry before their events are adapted onto
// the typed events.Bus by a PluginEventBridge. Modeled on the same
// subscribe/unsubscribe shape as events.Bus but keyed by a plain string
// name rather than a typed Type, since these are each subsystem's own
// native vocabulary (e.g. "host-added", "node-connected") rather than the
// bus's public taxonomy.
package emitter

import "sync"

// Handler receives the native event payload.
type Handler func(data any)

// Unsubscribe detaches a previously registered handler.
type Unsubscribe func()

// Emitter is a minimal synchronous, ordered, named pub/sub primitive.
type Emitter struct {
	mu       sync.Mutex
	handlers map[string][]*reg
	nextID   uint64
}

type reg struct {
	id      uint64
	handler Handler
}

// New creates an empty Emitter.
func New() *Emitter {
	return &Emitter{handlers: make(map[string][]*reg)}
}

// On registers handler for the named event.
func (e *Emitter) On(name string, handler Handler) Unsubscribe {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers[name] = append(e.handlers[name], &reg{id: id, handler: handler})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		regs := e.handlers[name]
		for i, r := range regs {
			if r.id == id {
				e.handlers[name] = append(regs[:i:i], regs[i+1:]...)
				return
			}
		}
	}
}

// Emit synchronously invokes every handler registered for name, in
// registration order, isolating panics per handler.
func (e *Emitter) Emit(name string, data any) {
	e.mu.Lock()
	regs := make([]*reg, len(e.handlers[name]))
	copy(regs, e.handlers[name])
	e.mu.Unlock()

	for _, r := range regs {
		e.safeInvoke(r, data)
	}
}

func (e *Emitter) safeInvoke(r *reg, data any) {
	defer func() { _ = recover() }()
	r.handler(data)
}

// Package node implements the in-process table of currently connected
// node-agent sessions, exposing the narrow send + connection-state
// surface the command router and host aggregator depend on, decoupled
// from the WebSocket framing itself (internal/transport supplies the
// concrete Session so this package never imports gorilla/websocket).
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/woly/hub/internal/emitter"
	"github.com/woly/hub/internal/werrors"
	"github.com/woly/hub/internal/wireproto"
)

// Session is the minimal write surface a transport connection exposes to
// the registry. The transport layer (out of scope) implements it over a
// real socket; tests implement it with a channel or slice.
type Session interface {
	Send(data []byte) error
}

type connection struct {
	session       Session
	connectedAt   time.Time
	lastHeartbeat time.Time
}

// Registry is the NodeRegistry: tracks live node-agent sessions and emits
// "node-connected", "node-disconnected", "command-result", "scan-complete"
// native events for the PluginEventBridge and CommandRouter to consume.
type Registry struct {
	log               zerolog.Logger
	heartbeatInterval time.Duration
	nodeTimeout       time.Duration

	mu    sync.RWMutex
	conns map[string]*connection

	emitter *emitter.Emitter
}

// NewRegistry creates a Registry. nodeTimeout must be at least twice
// heartbeatInterval; config.Config.Validate enforces this at startup, but
// the registry re-asserts it here so it can never be constructed unsafely
// by a test or an alternate caller.
func NewRegistry(log zerolog.Logger, heartbeatInterval, nodeTimeout time.Duration) *Registry {
	if nodeTimeout < 2*heartbeatInterval {
		panic(fmt.Sprintf("node.NewRegistry: nodeTimeout (%s) must be at least 2x heartbeatInterval (%s)", nodeTimeout, heartbeatInterval))
	}
	return &Registry{
		log:               log.With().Str("component", "node_registry").Logger(),
		heartbeatInterval: heartbeatInterval,
		nodeTimeout:       nodeTimeout,
		conns:             make(map[string]*connection),
		emitter:           emitter.New(),
	}
}

// On registers a handler for one of the registry's native events:
// "node-connected", "node-disconnected", "command-result", "scan-complete".
// Payloads are, respectively: string nodeID, string nodeID,
// wireproto.CommandResult, wireproto.ScanComplete.
func (r *Registry) On(name string, handler emitter.Handler) emitter.Unsubscribe {
	return r.emitter.On(name, handler)
}

// Register records a new live session for nodeID, replacing any prior one,
// and emits "node-connected". The transport layer calls this once the
// WebSocket upgrade and node authentication (both out of scope) succeed.
func (r *Registry) Register(nodeID string, session Session) {
	now := time.Now()
	r.mu.Lock()
	r.conns[nodeID] = &connection{session: session, connectedAt: now, lastHeartbeat: now}
	r.mu.Unlock()

	r.log.Info().Str("nodeId", nodeID).Msg("node connected")
	r.emitter.Emit("node-connected", nodeID)
}

// Unregister drops nodeID's session and emits "node-disconnected" if one
// was present. The transport layer calls this when the socket closes.
func (r *Registry) Unregister(nodeID string) {
	r.mu.Lock()
	_, existed := r.conns[nodeID]
	delete(r.conns, nodeID)
	r.mu.Unlock()

	if existed {
		r.log.Info().Str("nodeId", nodeID).Msg("node disconnected")
		r.emitter.Emit("node-disconnected", nodeID)
	}
}

// RecordHeartbeat refreshes nodeID's liveness timestamp. The transport
// layer calls this on every received frame, not only explicit pings.
func (r *Registry) RecordHeartbeat(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[nodeID]; ok {
		c.lastHeartbeat = time.Now()
	}
}

// IsNodeConnected reports whether nodeID has a live session with a
// heartbeat inside nodeTimeout. Synchronous.
func (r *Registry) IsNodeConnected(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[nodeID]
	if !ok {
		return false
	}
	return time.Since(c.lastHeartbeat) < r.nodeTimeout
}

// GetNodeStatus returns "online" or "offline" for nodeID.
func (r *Registry) GetNodeStatus(nodeID string) string {
	if r.IsNodeConnected(nodeID) {
		return "online"
	}
	return "offline"
}

// GetConnectedNodes returns every currently connected node id, sorted for
// deterministic fan-out iteration (RouteScanHosts).
func (r *Registry) GetConnectedNodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for id, c := range r.conns {
		if time.Since(c.lastHeartbeat) < r.nodeTimeout {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// SendCommand marshals msg and writes it to nodeID's session. Synchronous,
// best-effort, must not block; returns a
// werrors.KindTransport error if the node is unknown or the write fails.
func (r *Registry) SendCommand(nodeID string, msg *wireproto.OutboundMessage) error {
	r.mu.RLock()
	c, ok := r.conns[nodeID]
	r.mu.RUnlock()
	if !ok {
		return werrors.Transport("node_offline", fmt.Sprintf("node %s is not connected", nodeID), nil)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return werrors.Transport("encode_failed", "failed to encode outbound message", err)
	}
	if err := c.session.Send(data); err != nil {
		return werrors.Transport("send_failed", "failed to write command to node socket", err)
	}
	return nil
}

// PublishCommandResult is called by the transport layer when an inbound
// command-result frame arrives; it re-emits the result as a native event
// for CommandRouter's result intake.
func (r *Registry) PublishCommandResult(res wireproto.CommandResult) {
	r.emitter.Emit("command-result", res)
}

// PublishScanComplete is called by the transport layer when a node reports
// it finished a scan.
func (r *Registry) PublishScanComplete(sc wireproto.ScanComplete) {
	r.emitter.Emit("scan-complete", sc)
}

// StartHeartbeatSweep runs until ctx is cancelled, periodically dropping
// sessions whose heartbeat has gone stale and emitting "node-disconnected"
// for each — the mechanism backing "a node is considered offline when no
// heartbeat has been received for nodeTimeout".
func (r *Registry) StartHeartbeatSweep(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweepStale()
			}
		}
	}()
}

func (r *Registry) sweepStale() {
	now := time.Now()
	var stale []string
	r.mu.Lock()
	for id, c := range r.conns {
		if now.Sub(c.lastHeartbeat) >= r.nodeTimeout {
			stale = append(stale, id)
			delete(r.conns, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.log.Warn().Str("nodeId", id).Dur("timeout", r.nodeTimeout).Msg("node heartbeat stale, marking disconnected")
		r.emitter.Emit("node-disconnected", id)
	}
}

package transport

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/woly/hub/internal/host"
	"github.com/woly/hub/internal/node"
	"github.com/woly/hub/internal/wireproto"
)

// Server upgrades incoming node-agent connections and wires each one's
// inbound frames onto the Registry/Aggregator. Node authentication (token
// validation ahead of the upgrade) is handled by a separate auth layer —
// the caller is expected to wrap Handler with its own auth middleware.
type Server struct {
	log        zerolog.Logger
	registry   *node.Registry
	aggregator *host.Aggregator
	upgrader   websocket.Upgrader
}

// NewServer wires a Server over registry/aggregator.
func NewServer(log zerolog.Logger, registry *node.Registry, aggregator *host.Aggregator) *Server {
	return &Server{
		log:        log.With().Str("component", "node_transport").Logger(),
		registry:   registry,
		aggregator: aggregator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin checking belongs to the authentication layer this
			// package doesn't own; accept every upgrade here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler upgrades r into a node-agent session for nodeID and blocks until
// the connection ends, registering/unregistering with the Registry around
// the pumps' lifetime. nodeID is expected to already be authenticated by
// the caller (e.g. extracted from a validated bearer token upstream).
func (s *Server) Handler(nodeID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn().Err(err).Str("nodeId", nodeID).Msg("websocket upgrade failed")
			return
		}

		sess := NewNodeSession(nodeID, conn, s.log)
		s.registry.Register(nodeID, sess)

		go sess.WritePump()
		sess.ReadPump(func(data []byte) { s.handleFrame(nodeID, data) })

		sess.Close()
		s.registry.Unregister(nodeID)
	}
}

func (s *Server) handleFrame(nodeID string, data []byte) {
	s.registry.RecordHeartbeat(nodeID)

	var msg wireproto.InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn().Err(err).Str("nodeId", nodeID).Msg("failed to parse inbound frame")
		return
	}

	switch msg.Type {
	case wireproto.InboundHeartbeat:
		// RecordHeartbeat above already covers this; nothing else to do.
	case wireproto.InboundCommandResult:
		var res wireproto.CommandResult
		if err := json.Unmarshal(msg.Data, &res); err != nil {
			s.log.Warn().Err(err).Str("nodeId", nodeID).Msg("malformed command-result frame")
			return
		}
		s.registry.PublishCommandResult(res)
	case wireproto.InboundScanComplete:
		var sc wireproto.ScanComplete
		if err := json.Unmarshal(msg.Data, &sc); err != nil {
			s.log.Warn().Err(err).Str("nodeId", nodeID).Msg("malformed scan-complete frame")
			return
		}
		s.registry.PublishScanComplete(sc)
	case wireproto.InboundHostDiscovered:
		var hd wireproto.HostDiscovery
		if err := json.Unmarshal(msg.Data, &hd); err != nil {
			s.log.Warn().Err(err).Str("nodeId", nodeID).Msg("malformed host-discovered frame")
			return
		}
		if _, err := s.aggregator.OnHostDiscovered(hd); err != nil {
			s.log.Error().Err(err).Str("nodeId", nodeID).Str("name", hd.Name).Msg("host discovery failed")
		}
	case wireproto.InboundHostUpdated:
		var hd wireproto.HostDiscovery
		if err := json.Unmarshal(msg.Data, &hd); err != nil {
			s.log.Warn().Err(err).Str("nodeId", nodeID).Msg("malformed host-updated frame")
			return
		}
		if _, err := s.aggregator.OnHostUpdated(hd); err != nil {
			s.log.Error().Err(err).Str("nodeId", nodeID).Str("name", hd.Name).Msg("host update failed")
		}
	case wireproto.InboundHostRemoved:
		var rm wireproto.HostRemoved
		if err := json.Unmarshal(msg.Data, &rm); err != nil {
			s.log.Warn().Err(err).Str("nodeId", nodeID).Msg("malformed host-removed frame")
			return
		}
		if err := s.aggregator.OnHostRemoved(nodeID, rm.Name); err != nil {
			s.log.Error().Err(err).Str("nodeId", nodeID).Str("name", rm.Name).Msg("host removal failed")
		}
	default:
		s.log.Warn().Str("nodeId", nodeID).Str("type", string(msg.Type)).Msg("unknown inbound frame type")
	}
}

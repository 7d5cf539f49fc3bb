// Package transport supplies the one concrete slice of the node-agent wire
// transport this module owns: a thin adapter that satisfies node.Session
// over a real *websocket.Conn, so NodeRegistry is exercised end-to-end by
// something real rather than only by a test fake. Framing beyond the
// read/write pumps, node authentication, and the upgrade handshake's
// origin policy are deliberately minimal — the command plane's contract
// is with node.Session, not with this package.
package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 256 * 1024
)

// NodeSession adapts a *websocket.Conn to node.Session (Send(data []byte)
// error), buffering outbound writes through a channel so Send never blocks
// on a slow or wedged socket.
type NodeSession struct {
	nodeID string
	conn   *websocket.Conn
	log    zerolog.Logger

	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// NewNodeSession wraps conn for nodeID. Callers pump messages by running
// WritePump in its own goroutine and calling ReadPump.
func NewNodeSession(nodeID string, conn *websocket.Conn, log zerolog.Logger) *NodeSession {
	return &NodeSession{
		nodeID: nodeID,
		conn:   conn,
		log:    log.With().Str("component", "node_session").Str("nodeId", nodeID).Logger(),
		send:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

// Send queues data for delivery to the node. Implements node.Session.
func (s *NodeSession) Send(data []byte) error {
	select {
	case <-s.closed:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close stops the write pump and closes the underlying socket. Idempotent.
func (s *NodeSession) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// WritePump delivers queued Send() payloads to the socket and sends
// periodic pings, until the session is closed or a write fails. Run it in
// its own goroutine; it returns when the connection should be torn down.
func (s *NodeSession) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Warn().Err(err).Msg("write failed, closing session")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

// ReadPump reads inbound frames and hands each to onMessage until the
// socket errors or closes. Run it in its own goroutine; it returns (and
// the caller should then unregister the node) when the connection ends.
func (s *NodeSession) ReadPump(onMessage func(data []byte)) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn().Err(err).Msg("read error")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		onMessage(data)
	}
}

type sessionError string

func (e sessionError) Error() string { return string(e) }

const (
	errSessionClosed  = sessionError("transport: session closed")
	errSendBufferFull = sessionError("transport: send buffer full")
)

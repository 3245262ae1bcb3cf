package server

import (
	"net/http"
	"sync"

	"github.com/felixgeelhaar/conductor/internal/events"
	"github.com/felixgeelhaar/conductor/internal/protocol"
	"github.com/felixgeelhaar/conductor/internal/registry"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsSender adapts a gorilla connection to protocol.Sender. Gorilla permits
// only one concurrent writer, so writes are serialized here.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) Send(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSender) Close() error {
	return s.conn.Close()
}

// handleWS accepts an extension connection and services its inbound stream.
// Each connection gets its own goroutine; different connections are fully
// independent.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.obs.Log().Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := uuid.New().String()
	sender := &wsSender{conn: wsConn}
	conn := registry.NewConnection(id, sender)

	s.trackSocket(id, sender)
	defer s.forgetSocket(id)

	// Connection exists in the registry from accept; the register envelope
	// fills in tab id, url, and capabilities.
	s.registry.Register(conn, 0, "", nil)

	welcome := protocol.NewEnvelope(protocol.MessageTypeWelcome)
	welcome.Data = map[string]interface{}{"connectionId": id}
	s.obs.Envelope("send", id, welcome)
	if err := sender.Send(welcome); err != nil {
		s.obs.Log().Warn().Str("connectionId", id).Err(err).Msg("failed to send welcome")
		s.dropConnection(conn)
		return
	}

	s.obs.Log().Info().Str("connectionId", id).Msg("extension connected")
	s.readLoop(conn, wsConn)
	s.dropConnection(conn)
}

// readLoop processes the connection's inbound messages in arrival order
// until the socket closes.
func (s *Server) readLoop(conn *registry.Connection, wsConn *websocket.Conn) {
	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			s.obs.Log().Warn().Str("connectionId", conn.ID()).Err(err).Msg("dropping malformed envelope")
			continue
		}
		conn.Touch()
		s.obs.Envelope("recv", conn.ID(), env)

		switch env.Type {
		case protocol.MessageTypeRegister:
			s.registry.Register(conn, env.TabID, env.URL, env.Capabilities)
			s.obs.Log().Info().
				Str("connectionId", conn.ID()).
				Int("tabId", env.TabID).
				Str("url", env.URL).
				Msg("extension registered")
		case protocol.MessageTypeResponse:
			s.router.HandleResponse(env)
		case protocol.MessageTypeHeartbeat:
			ack := protocol.NewEnvelope(protocol.MessageTypeHeartbeatAck)
			ack.CorrelationID = env.CorrelationID
			if err := conn.Send(ack); err != nil {
				s.obs.Log().Warn().Str("connectionId", conn.ID()).Err(err).Msg("failed to ack heartbeat")
			}
		case protocol.MessageTypeEvent:
			s.bus.Publish(events.Event{
				Type:         events.EventExtensionEvent,
				ConnectionID: conn.ID(),
				TabID:        env.TabID,
				Data:         env.Data,
			})
		default:
			s.obs.Log().Warn().
				Str("connectionId", conn.ID()).
				Str("type", string(env.Type)).
				Msg("ignoring unexpected envelope type")
		}
	}
}

// dropConnection tears down everything tied to a closed connection:
// registry entry, in-flight requests, and any training session on its tab.
func (s *Server) dropConnection(conn *registry.Connection) {
	tabID := conn.TabID()
	s.registry.Unregister(conn.ID())
	s.router.ConnectionLost(conn.ID())
	if tabID != 0 {
		s.training.HandleDisconnect(tabID)
	}
	s.obs.Log().Info().Str("connectionId", conn.ID()).Msg("extension disconnected")
}

func (s *Server) trackSocket(id string, sender *wsSender) {
	s.socketsMu.Lock()
	s.sockets[id] = sender
	s.socketsMu.Unlock()
}

func (s *Server) forgetSocket(id string) {
	s.socketsMu.Lock()
	delete(s.sockets, id)
	s.socketsMu.Unlock()
}

// closeSocket force-closes a socket by connection id (stale pruning).
// The read loop then exits and performs the normal teardown.
func (s *Server) closeSocket(id string) {
	s.socketsMu.Lock()
	sender, ok := s.sockets[id]
	s.socketsMu.Unlock()
	if ok {
		_ = sender.Close()
	}
}

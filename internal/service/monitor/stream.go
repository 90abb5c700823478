package monitor

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/caretrail/auditcore/internal/domain/audit"
)

// Stream pushes raised alerts to connected websocket dashboards.
type Stream struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan *audit.Alert
}

const (
	streamWriteTimeout = 5 * time.Second
	streamSendBuffer   = 32
)

// NewStream builds an empty hub.
func NewStream(logger *zap.Logger) *Stream {
	return &Stream{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:  logger,
		clients: make(map[*websocket.Conn]chan *audit.Alert),
	}
}

// ServeHTTP upgrades the connection and streams alerts until the client
// disconnects.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ch := make(chan *audit.Alert, streamSendBuffer)
	s.mu.Lock()
	s.clients[conn] = ch
	s.mu.Unlock()

	go s.writeLoop(conn, ch)
	s.readLoop(conn)
}

// Broadcast fans an alert out to every connected client. Slow clients
// are dropped rather than allowed to stall the raise path.
func (s *Stream) Broadcast(alert *audit.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conn, ch := range s.clients {
		select {
		case ch <- alert:
		default:
			s.logger.Warn("dropping slow alert stream client",
				zap.String("remote", conn.RemoteAddr().String()))
			delete(s.clients, conn)
			close(ch)
			conn.Close()
		}
	}
}

// Clients reports the number of connected dashboards.
func (s *Stream) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, ch := range s.clients {
		delete(s.clients, conn)
		close(ch)
		conn.Close()
	}
}

func (s *Stream) writeLoop(conn *websocket.Conn, ch chan *audit.Alert) {
	for alert := range ch {
		conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteJSON(alert); err != nil {
			s.drop(conn)
			return
		}
	}
}

// readLoop consumes control frames and detects disconnects.
func (s *Stream) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.drop(conn)
			return
		}
	}
}

func (s *Stream) drop(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.clients[conn]; ok {
		delete(s.clients, conn)
		close(ch)
	}
	conn.Close()
}

package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/leopard618/Browser-Softphone/internal/relay"
)

// MediaServerConfig contains WebSocket endpoint configuration
type MediaServerConfig struct {
	// ReadLimit is the maximum size of one inbound frame in bytes
	ReadLimit int64

	// IdleTimeout closes a connection that sends nothing for this long; 0 disables it
	IdleTimeout time.Duration
}

// MediaServer accepts media-stream WebSocket connections and feeds their
// frames to the relay
type MediaServer struct {
	relay    *relay.Relay
	logger   *slog.Logger
	config   MediaServerConfig
	upgrader websocket.Upgrader

	// Open sockets, closed on shutdown
	conns   map[*websocket.Conn]struct{}
	closing bool
	wg      sync.WaitGroup

	// Statistics
	connectionsAccepted uint64
	messagesReceived    uint64
	binaryDropped       uint64
	idleTimeouts        uint64
	readErrors          uint64

	mu sync.RWMutex
}

// MediaStats is a snapshot of the WebSocket endpoint counters
type MediaStats struct {
	ActiveConnections   int    `json:"active_connections"`
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	MessagesReceived    uint64 `json:"messages_received"`
	BinaryDropped       uint64 `json:"binary_dropped"`
	IdleTimeouts        uint64 `json:"idle_timeouts"`
	ReadErrors          uint64 `json:"read_errors"`
}

// NewMediaServer creates the WebSocket endpoint for r
func NewMediaServer(r *relay.Relay, logger *slog.Logger, cfg MediaServerConfig) *MediaServer {
	return &MediaServer{
		relay:  r,
		logger: logger,
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Handle upgrades the request and runs the read loop until the socket closes
func (s *MediaServer) Handle(c *gin.Context) {
	s.mu.RLock()
	closing := s.closing
	s.mu.RUnlock()
	if closing {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "server shutting down"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader already replied with an HTTP error
		s.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", c.Request.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	session, err := s.relay.Open(c.Request.URL.Path, c.Request.URL.Query())
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	if !s.track(conn) {
		s.relay.Close(session.ID)
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)
	defer conn.Close()
	defer s.relay.Close(session.ID)

	s.readLoop(conn, session.ID)
}

// readLoop hands text frames to the relay until the socket fails
func (s *MediaServer) readLoop(conn *websocket.Conn, id string) {
	conn.SetReadLimit(s.config.ReadLimit)

	for {
		if s.config.IdleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout)); err != nil {
				s.logger.Error("Failed to set read deadline",
					slog.String("connection_id", id),
					slog.String("error", err.Error()),
				)
				return
			}
		}

		messageType, data, err := conn.ReadMessage()
		if err != nil {
			s.logReadError(id, err)
			return
		}

		s.mu.Lock()
		s.messagesReceived++
		s.mu.Unlock()

		switch messageType {
		case websocket.TextMessage:
			s.relay.HandleFrame(id, data)
		default:
			s.mu.Lock()
			s.binaryDropped++
			s.mu.Unlock()
			s.logger.Debug("Dropping binary frame",
				slog.String("connection_id", id),
				slog.Int("frame_size", len(data)),
			)
		}
	}
}

func (s *MediaServer) logReadError(id string, err error) {
	var netErr net.Error
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		s.logger.Debug("WebSocket closed by peer",
			slog.String("connection_id", id),
		)
	case errors.As(err, &netErr) && netErr.Timeout():
		s.mu.Lock()
		s.idleTimeouts++
		s.mu.Unlock()
		s.logger.Info("Closing idle media stream connection",
			slog.String("connection_id", id),
			slog.Duration("idle_timeout", s.config.IdleTimeout),
		)
	default:
		s.mu.Lock()
		s.readErrors++
		s.mu.Unlock()
		s.logger.Warn("WebSocket read failed",
			slog.String("connection_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (s *MediaServer) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.connectionsAccepted++
	s.wg.Add(1)
	return true
}

func (s *MediaServer) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// Shutdown refuses new connections, sends a going-away close frame to every
// open socket and waits for their sessions to finish
func (s *MediaServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	s.logger.Info("Closing media stream connections",
		slog.Int("open_connections", len(conns)),
	)

	deadline := time.Now().Add(time.Second)
	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			deadline)
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current endpoint statistics
func (s *MediaServer) Stats() MediaStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return MediaStats{
		ActiveConnections:   len(s.conns),
		ConnectionsAccepted: s.connectionsAccepted,
		MessagesReceived:    s.messagesReceived,
		BinaryDropped:       s.binaryDropped,
		IdleTimeouts:        s.idleTimeouts,
		ReadErrors:          s.readErrors,
	}
}

// Package ws handles WebSocket connection management: upgrading HTTP
// requests with gobwas/ws, watching sockets for readable frames and
// delivering outbound frames through per-connection outboxes.
package ws

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent frame readers
	MaxConnections int           // hard cap on total connections
	MaxFrameBytes  int64         // larger client frames close the connection
	OutboxSize     int           // buffered outbound frames per connection
	ReadTimeout    time.Duration // timeout for reading a frame once readable
	WriteTimeout   time.Duration // timeout for writing a frame
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxFrameBytes:  1 << 20, // registration photos travel as data URLs
		OutboxSize:     64,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Handlers are the application callbacks. OnConnect runs before the first
// frame of a connection is read; OnMessage runs on a reader goroutine for
// every complete text frame; OnDisconnect runs exactly once per connection.
type Handlers struct {
	OnConnect    func(c *Connection)
	OnMessage    func(c *Connection, data []byte)
	OnDisconnect func(connID string)
}

// Server is the WebSocket server. On Linux ready sockets are discovered
// with epoll and read by a bounded worker pool; elsewhere every connection
// gets its own reader goroutine.
type Server struct {
	config     ServerConfig
	conns      *ConnectionManager
	poller     *poller
	workerPool chan struct{} // semaphore limiting concurrent readers
	handlers   Handlers

	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	startedAt time.Time
}

// NewServer creates a Server. Call Start before serving upgrades.
func NewServer(config ServerConfig, handlers Handlers) (*Server, error) {
	if config.WorkerPoolSize <= 0 {
		return nil, fmt.Errorf("ws: worker pool size must be positive, got %d", config.WorkerPoolSize)
	}
	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("ws: failed to create poller: %w", err)
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		poller:     p,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		handlers:   handlers,
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}, nil
}

// Start launches the read loop and the heartbeat monitor. It returns
// immediately.
func (s *Server) Start() {
	s.startOnce.Do(func() {
		s.startReaders()
		s.startHeartbeat(s.config.Heartbeat)
		log.Info().Str("component", "ws").
			Int("workers", s.config.WorkerPoolSize).
			Int("max_conns", s.config.MaxConnections).
			Msg("websocket server started")
	})
}

// ServeHTTP upgrades the request to a WebSocket connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Debug().Str("component", "ws").Err(err).Msg("upgrade failed")
		return
	}

	c := newConnection(uuid.NewString(), conn, socketFD(conn), s.config.OutboxSize, s.config.WriteTimeout)
	s.conns.Add(c)
	go c.writeLoop(func(err error) {
		log.Debug().Str("component", "ws").Str("conn", c.ID).Err(err).Msg("write failed")
		s.RemoveConnection(c)
	})

	if s.handlers.OnConnect != nil {
		s.handlers.OnConnect(c)
	}

	if err := s.watch(c); err != nil {
		log.Error().Str("component", "ws").Str("conn", c.ID).Err(err).Msg("failed to watch connection")
		s.RemoveConnection(c)
		return
	}

	log.Debug().Str("component", "ws").
		Str("conn", c.ID).
		Int("fd", c.Fd).
		Int("total", s.conns.Count()).
		Msg("new connection")
}

// readFrame reads one frame from c and dispatches it. It returns false once
// the connection has been removed. A non-zero timeout bounds reading the
// whole frame. Missing it closes the connection, since a partly consumed
// frame leaves the stream unparseable.
func (s *Server) readFrame(c *Connection, timeout time.Duration) bool {
	if timeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(timeout))
	}

	header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			log.Debug().Str("component", "ws").Str("conn", c.ID).Msg("frame read timed out, closing")
		}
		s.RemoveConnection(c)
		return false
	}

	// Any frame proves the connection is alive.
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
			return false
		}
		// Control payloads are at most 125 bytes; drain them to stay in
		// sync with the next frame header.
		if _, err := io.Copy(io.Discard, reader); err != nil {
			s.RemoveConnection(c)
			return false
		}
		return true
	}

	if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
		log.Warn().Str("component", "ws").
			Str("conn", c.ID).
			Int64("bytes", header.Length).
			Msg("frame too large, closing")
		s.RemoveConnection(c)
		return false
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return false
		}
	}

	if header.OpCode != ws.OpText || len(data) == 0 {
		return true
	}
	if s.handlers.OnMessage != nil {
		s.handlers.OnMessage(c, data)
	}
	return true
}

// RemoveConnection unwatches, unregisters and closes the connection, then
// runs OnDisconnect. Concurrent calls for the same connection are safe and
// only the first one has any effect.
func (s *Server) RemoveConnection(c *Connection) {
	s.unwatch(c)
	if !s.conns.Remove(c.ID) {
		return
	}

	if s.handlers.OnDisconnect != nil {
		s.handlers.OnDisconnect(c.ID)
	}

	log.Debug().Str("component", "ws").
		Str("conn", c.ID).
		Int("total", s.conns.Count()).
		Msg("connection closed")
}

// Send queues a text frame for the connection. It never blocks and reports
// whether the frame was queued.
func (s *Server) Send(connID string, data []byte) bool {
	c := s.conns.Get(connID)
	if c == nil {
		return false
	}
	return c.Enqueue(data)
}

// Broadcast queues a frame for every connection and returns how many
// connections accepted it.
func (s *Server) Broadcast(data []byte) int {
	n := 0
	for _, c := range s.conns.All() {
		if c.Enqueue(data) {
			n++
		}
	}
	return n
}

// Connections returns the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Uptime returns how long the server has been running.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startedAt)
}

// Shutdown stops the readers and closes every connection without running
// OnDisconnect.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.done)
		for _, c := range s.conns.All() {
			s.unwatch(c)
			s.conns.Remove(c.ID)
		}
		_ = s.poller.Close()
		log.Info().Str("component", "ws").Msg("websocket server stopped")
	})
}

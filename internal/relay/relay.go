// Package relay forwards cross-tab bus frames between tabs running in
// different processes. Every frame a connection sends is copied to all
// other connections; the relay never echoes a frame to its sender and
// never interprets the payload.
package relay

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grovetools/tabsync/internal/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const (
	// Time allowed to write a frame to a peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from a peer.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size accepted from a peer.
	maxFrameSize = 64 * 1024

	// Outbound queue per connection.
	sendQueueSize = 256
)

type client struct {
	conn *websocket.Conn
	id   string
	send chan []byte

	closeOnce sync.Once
	closed    atomic.Bool
}

// trySend queues data without blocking. It reports false when the
// client is gone or its queue is full.
func (c *client) trySend(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

// Server is the relay hub plus its HTTP endpoints.
type Server struct {
	logger   *logrus.Entry
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}

	server *http.Server
}

// New creates a relay.
func New(logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		logger:  logger,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Tabs are local processes, not browsers; there is no origin to check.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the relay's HTTP routes: /ws, /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	return h2c.NewHandler(mux, &http2.Server{})
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", ln.Addr().String()).Info("Relay listening")
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting connections and closes every peer.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down relay...")

	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil && err != http.ErrServerClosed {
			return err
		}
	}
	return nil
}

// Connections returns the number of connected tabs.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	c := &client{
		conn: conn,
		id:   r.Header.Get("X-Tabsync-Tab"),
		send: make(chan []byte, sendQueueSize),
	}
	s.register(c)

	go s.writePump(c)
	s.readPump(c)
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	metrics.RelayConnections.Inc()
	s.logger.WithField("tab", c.id).Debug("Tab connected")
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	_, known := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()

	if known {
		c.close()
		metrics.RelayConnections.Dec()
		s.logger.WithField("tab", c.id).Debug("Tab disconnected")
	}
}

func (s *Server) forward(from *client, data []byte) {
	s.mu.RLock()
	peers := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		if c != from {
			peers = append(peers, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range peers {
		if !c.trySend(data) {
			metrics.BusMessages.WithLabelValues("dropped", "relay").Inc()
			s.logger.WithField("tab", c.id).Warn("Relay queue full, dropping frame")
		}
	}
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.WithError(err).WithField("tab", c.id).Debug("Unexpected close")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.forward(c, data)
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

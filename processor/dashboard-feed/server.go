// Package dashboardfeed streams the communication log to dashboards over
// websockets and serves point-in-time snapshots as JSON.
package dashboardfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"

	"github.com/c360studio/v2icoord/commlog"
	"github.com/c360studio/v2icoord/engine"
)

// Message types sent to websocket clients.
const (
	MessageSnapshot = "snapshot"
	MessageEntry    = "entry"
)

// hubBuffer is the log subscription buffer shared by all clients.
const hubBuffer = 1024

// Message is one websocket frame.
type Message struct {
	Type     string           `json:"type"`
	Snapshot *engine.Snapshot `json:"snapshot,omitempty"`
	Entry    *commlog.Entry   `json:"entry,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// Server is the dashboard HTTP server.
type Server struct {
	config   Config
	engine   *engine.Engine
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewServer creates a dashboard server over eng.
func NewServer(config Config, eng *engine.Engine, logger *slog.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if eng == nil {
		return nil, fmt.Errorf("engine required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config: config,
		engine: eng,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*client]struct{}),
	}, nil
}

// Handler returns the HTTP routes: /ws, /snapshot and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// ListenAndServe listens on the configured address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done. Connections beyond
// MaxConnections wait in the accept queue.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ln = netutil.LimitListener(ln, s.config.MaxConnections)

	entries, unsubscribe := s.engine.Log().Subscribe(hubBuffer)
	go s.fanout(entries)
	defer unsubscribe()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	s.logger.Info("Dashboard feed listening", "addr", ln.Addr().String(), "max_connections", s.config.MaxConnections)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown dashboard: %w", err)
		}
		return nil
	case err := <-errCh:
		s.closeAll()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) fanout(entries <-chan commlog.Entry) {
	for e := range entries {
		s.broadcast(e)
	}
}

func (s *Server) broadcast(e commlog.Entry) {
	data, err := json.Marshal(Message{Type: MessageEntry, Entry: &e})
	if err != nil {
		s.logger.Error("Failed to encode log entry", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			s.engine.Metrics().DashboardDropped.Add(1)
		}
	}
}

// attach registers c and queues its snapshot under the broadcast lock, so
// the snapshot is c's first frame and every entry logged after it follows.
// An entry logged just before the snapshot may arrive in both.
func (s *Server) attach(c *client) error {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)

	snap := s.engine.Snapshot(s.config.SnapshotEntries)
	data, err := json.Marshal(Message{Type: MessageSnapshot, Snapshot: &snap})
	if err != nil {
		delete(s.clients, c)
		s.mu.Unlock()
		return err
	}
	c.send <- data
	s.mu.Unlock()

	s.engine.Metrics().DashboardClients.Add(1)
	s.logger.Debug("Dashboard client connected", "clients", n)
	return nil
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	n := len(s.clients)
	s.mu.Unlock()

	if ok {
		s.engine.Metrics().DashboardClients.Add(-1)
		s.logger.Debug("Dashboard client disconnected", "clients", n)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// Clients returns the number of connected websocket clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, s.config.ClientBuffer),
		done: make(chan struct{}),
	}

	if err := s.attach(c); err != nil {
		s.logger.Error("Failed to encode snapshot", "error", err)
		conn.Close()
		return
	}
	defer s.unregister(c)

	go s.writeLoop(c)

	// The read side only detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Websocket read error", "error", err)
			}
			c.close()
			return
		}
	}
}

func (s *Server) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug("Websocket write failed", "error", err)
				c.close()
				return
			}
		}
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	entries := s.config.SnapshotEntries
	if v := r.URL.Query().Get("entries"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "entries must be a non-negative integer", http.StatusBadRequest)
			return
		}
		entries = n
	}
	writeJSON(w, s.engine.Snapshot(entries))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":  "ok",
		"clients": s.Clients(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
	}
}

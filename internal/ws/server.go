// Package ws handles WebSocket connection management: admission through the
// gateway, upgrading HTTP connections, epoll-driven frame reading, and
// delivery of outbound events on behalf of the engine.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/strangerchat/chat-app/internal/gateway"
	"github.com/strangerchat/chat-app/internal/metrics"
	"github.com/strangerchat/chat-app/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr          string        // address to listen on, e.g. ":8080"
	WorkerPoolSize      int           // max concurrent read-worker goroutines
	MaxConnections      int           // hard cap on total connections
	MaxPayloadBytes     int64         // inbound frame size cap
	ReadTimeout         time.Duration // timeout for WebSocket read operations
	WriteTimeout        time.Duration // timeout for WebSocket write operations
	OnlineCountInterval time.Duration // how often to broadcast the online count
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:          ":8080",
		WorkerPoolSize:      256,
		MaxConnections:      100000,
		MaxPayloadBytes:     10 * 1024,
		ReadTimeout:         10 * time.Second,
		WriteTimeout:        10 * time.Second,
		OnlineCountInterval: 15 * time.Second,
	}
}

// Server is the WebSocket front end built on gobwas/ws and Linux epoll. Every
// upgrade runs through the admission gateway before a connection is
// registered; accepted connections are read via epoll readiness and a bounded
// worker pool, and parsed frames are handed to the message callback.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	gw           *gateway.Gateway
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(connID string, adm gateway.Admission)
	onDisconnect func(connID string)
	httpServer   *http.Server
	accepting    atomic.Bool
	done         chan struct{}
	closeOnce    sync.Once
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration and admission
// gateway. The onMessage function is called from a worker goroutine whenever
// a complete WebSocket text frame is received from a client.
func NewServer(config ServerConfig, gw *gateway.Gateway, onMessage func(conn *Connection, data []byte)) *Server {
	s := &Server{
		config:     config,
		conns:      NewConnectionManager(),
		gw:         gw,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
	s.accepting.Store(true)
	return s
}

// SetOnConnect registers a callback invoked after a connection passed
// admission and was registered. The engine uses it to create the session and
// issue the challenge.
func (s *Server) SetOnConnect(fn func(connID string, adm gateway.Admission)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, or graceful close).
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// Start initializes the epoll instance, configures the HTTP server, and
// begins accepting WebSocket connections. It starts the epoll event loop and
// the periodic broadcasters in background goroutines and blocks on
// http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()
	go s.broadcastOnlineCount()

	// Detect and close dead connections.
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade runs admission and upgrades an HTTP request to a WebSocket
// connection. Rejected connections never reach the engine.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.accepting.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := gateway.ClientIP(r)
	adm, reason := s.gw.Admit(r.Context(), ip)
	switch reason {
	case gateway.RejectNone:
	case gateway.RejectRateLimited:
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	default:
		// Banned, range or country blocked: same opaque refusal.
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	connID := uuid.New().String()
	c := &Connection{
		ID:        connID,
		Conn:      conn,
		Fd:        socketFD(conn),
		RemoteIP:  ip,
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for session %s: %v", connID, err)
		s.conns.Remove(connID)
		return
	}
	metrics.ConnectedSessions.Set(float64(s.conns.Count()))

	if s.onConnect != nil {
		s.onConnect(connID, adm)
	}
	log.Printf("ws: new connection session=%s fd=%d (total=%d)", connID, c.Fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames are handled without blocking on a
// data frame that may never arrive. Frames over the payload cap kill the
// connection; memory per connection stays bounded.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll
		// dispatch); the heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	if s.config.MaxPayloadBytes > 0 && header.Length > s.config.MaxPayloadBytes {
		log.Printf("ws: oversized frame session=%s len=%d", c.ID, header.Length)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, closes the underlying network connection, and notifies the
// application layer. It is exported so that the heartbeat monitor can evict
// dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	// Only proceed if the connection was actually in the manager; read
	// errors and heartbeat timeouts can race to remove the same one.
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectedSessions.Set(float64(s.conns.Count()))

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}
	log.Printf("ws: connection closed session=%s (total=%d)", c.ID, s.conns.Count())
}

// Send writes a WebSocket text frame to the connection identified by connID.
// It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) Send(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.WriteMessage(data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// Disconnect force-closes the connection identified by connID.
func (s *Server) Disconnect(connID string) {
	if c := s.conns.Get(connID); c != nil {
		s.RemoveConnection(c)
	}
}

// Broadcast sends a frame to every connected client.
func (s *Server) Broadcast(data []byte) {
	s.conns.Broadcast(data)
}

// Connections returns the ConnectionManager for external access to
// connection state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// broadcastOnlineCount periodically tells every client how many people are
// connected.
func (s *Server) broadcastOnlineCount() {
	if s.config.OnlineCountInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.config.OnlineCountInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			data, err := protocol.NewServerMessage(protocol.TypeOnlineCount, protocol.OnlineCountMsg{
				Count: s.conns.Count(),
			})
			if err != nil {
				continue
			}
			s.conns.Broadcast(data)
		}
	}
}

// StopAccepting refuses any further upgrades while existing connections keep
// working. First step of the shutdown sequence.
func (s *Server) StopAccepting() {
	s.accepting.Store(false)
}

// Shutdown stops the HTTP listener, signals the event loop to exit, closes
// all active connections, and cleans up the epoll instance.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("ws: shutting down server...")
	s.accepting.Store(false)
	s.closeOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		_ = s.epoll.Remove(c.Conn)
		c.Close()
	}
	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR), which
// is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}

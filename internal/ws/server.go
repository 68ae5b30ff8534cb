// Package ws is the push transport of the support desk: it upgrades HTTP
// connections to WebSocket, watches them with epoll (or a goroutine fallback
// off Linux), and hands complete text frames to a bounded worker pool.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/support-desk/internal/metrics"
	"github.com/whisper/support-desk/internal/protocol"
	"github.com/whisper/support-desk/internal/ratelimit"
)

// MaxFrameBytes bounds a single inbound data message.
const MaxFrameBytes = 16 << 10

// poller notifies the server when registered connections have data.
// Implementations deliver each connection at most once until Resume.
type poller interface {
	Add(c *Connection) error
	Remove(c *Connection) error
	Resume(c *Connection) error
	Wait() ([]*Connection, error)
	Close() error
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for reading a frame once data is ready
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket server built on gobwas/ws and epoll. Besides /ws
// and /health it serves any routes mounted with Handle on the same listener.
type Server struct {
	config       ServerConfig
	poller       poller
	conns        *ConnectionManager
	mux          *http.ServeMux
	workerPool   chan struct{} // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(conn *Connection)
	limiter      ratelimit.Checker
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration and message
// callback. onMessage is called from a worker goroutine for every complete
// text message a client sends; messages from one connection are delivered
// in order, never concurrently.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) (*Server, error) {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("ws: failed to create poller: %w", err)
	}

	s := &Server{
		config:     config,
		poller:     p,
		conns:      NewConnectionManager(),
		mux:        http.NewServeMux(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handle mounts an additional HTTP route on the server's listener. It must
// be called before Start or Serve.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// SetOnDisconnect registers a callback invoked once when a connection is
// removed (read error, close frame, heartbeat timeout).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// SetConnectLimiter throttles upgrades per remote IP.
func (s *Server) SetConnectLimiter(l ratelimit.Checker) {
	s.limiter = l
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve starts the event loop and heartbeat, then blocks serving HTTP on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.startedAt = time.Now()

	go s.startEventLoop()
	go s.heartbeat()

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		ln.Addr(), s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using
// the gobwas/ws zero-copy upgrader, registers it, and greets the client with
// a connected frame.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	remote := remoteIP(r)
	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(r.Context(), remote, ratelimit.RuleConnect); !ok {
			metrics.RateLimitedTotal.Inc()
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := newConnection(uuid.NewString(), conn, rw.Reader, remote, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	hello, err := protocol.NewServerMessage(protocol.Connected{
		ConnectionID: c.ID,
		ServerTime:   time.Now().UnixMilli(),
	})
	if err != nil {
		log.Printf("ws: failed to build connected frame conn=%s: %v", c.ID, err)
	} else if err := c.WriteMessage(hello); err != nil {
		log.Printf("ws: failed to send connected frame conn=%s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}

	// Frames that arrived together with the handshake are already buffered
	// and will not trigger a readiness event.
	if c.reader.Buffered() > 0 && !s.readFrames(c) {
		return
	}

	if err := s.poller.Add(c); err != nil {
		log.Printf("ws: poller add failed conn=%s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}

	log.Printf("ws: new connection conn=%s remote=%s fd=%d (total=%d)", c.ID, remote, c.Fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
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

// startEventLoop runs the poller wait loop and hands each ready connection
// to a worker goroutine, bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("ws: poller wait error: %v", err)
			continue
		}

		for _, c := range conns {
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				if s.readFrames(c) {
					if err := s.poller.Resume(c); err != nil {
						s.RemoveConnection(c)
					}
				}
			}()
		}
	}
}

// readFrames reads one frame and then keeps reading while complete bytes are
// already buffered. It returns false when the connection was removed.
func (s *Server) readFrames(c *Connection) bool {
	for {
		if !s.readFrame(c) {
			return false
		}
		if c.reader.Buffered() == 0 {
			return true
		}
	}
}

// readFrame reads and handles a single WebSocket frame. Control frames are
// answered in place; text frames go to onMessage.
func (s *Server) readFrame(c *Connection) bool {
	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.reader, ws.StateServerSide)
	if err != nil {
		s.RemoveConnection(c)
		return false
	}
	payload, err := io.ReadAll(io.LimitReader(reader, MaxFrameBytes+1))
	if err != nil {
		s.RemoveConnection(c)
		return false
	}
	_ = c.Conn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch()

	switch header.OpCode {
	case ws.OpClose:
		s.RemoveConnection(c)
		return false
	case ws.OpPing:
		if err := c.writePong(payload); err != nil {
			s.RemoveConnection(c)
			return false
		}
		return true
	case ws.OpPong:
		return true
	case ws.OpBinary:
		log.Printf("ws: dropping binary frame conn=%s", c.ID)
		return true
	}

	if len(payload) > MaxFrameBytes {
		log.Printf("ws: frame too large conn=%s", c.ID)
		s.RemoveConnection(c)
		return false
	}
	if len(payload) > 0 && s.onMessage != nil {
		s.onMessage(c, payload)
	}
	return true
}

// RemoveConnection unregisters the connection from the poller and the
// connection manager and closes it. Safe to call more than once.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poller.Remove(c)

	// Only the caller that actually removed it runs the callback; read
	// errors and heartbeat eviction can race here.
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	log.Printf("ws: connection closed conn=%s (total=%d)", c.ID, s.conns.Count())
}

// SendMessage writes a text frame to the connection identified by connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessage(data)
}

// Connections returns the ConnectionManager for external access to
// connection state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, signals the event loop to exit, closes
// all active connections, and releases the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("ws: shutting down server...")

	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if err := s.poller.Close(); err != nil {
		log.Printf("ws: poller close error: %v", err)
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// remoteIP returns the client address, preferring the proxy header set by
// the load balancer.
func remoteIP(r *http.Request) string {
	if v := r.Header.Get("X-Real-IP"); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

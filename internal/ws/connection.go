package ws

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn is the outbound half of a push connection, as seen by the hub.
type Conn interface {
	ConnID() string
	WriteMessage(data []byte) error
}

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID         string        // connection ID (UUID)
	Conn       net.Conn      // underlying TCP connection
	Fd         int           // file descriptor for epoll, -1 off Linux
	RemoteAddr string        // client IP as seen by the upgrade request
	CreatedAt  time.Time     // when the connection was established
	reader     *bufio.Reader // buffered reads; may hold bytes past the current frame
	lastActive atomic.Int64  // unix nanos of the last frame received
	writeMu    sync.Mutex    // serializes writes to this connection
	writeTO    time.Duration
}

func newConnection(id string, conn net.Conn, reader *bufio.Reader, remote string, writeTimeout time.Duration) *Connection {
	if reader == nil {
		reader = bufio.NewReader(conn)
	}
	now := time.Now()
	c := &Connection{
		ID:         id,
		Conn:       conn,
		Fd:         socketFD(conn),
		RemoteAddr: remote,
		CreatedAt:  now,
		reader:     reader,
		writeTO:    writeTimeout,
	}
	c.lastActive.Store(now.UnixNano())
	return c
}

// ConnID implements Conn.
func (c *Connection) ConnID() string { return c.ID }

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	defer c.clearWriteDeadline()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	defer c.clearWriteDeadline()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

func (c *Connection) writePong(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	defer c.clearWriteDeadline()
	return ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
}

func (c *Connection) setWriteDeadline() {
	if c.writeTO > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTO))
	}
}

func (c *Connection) clearWriteDeadline() {
	if c.writeTO > 0 {
		_ = c.Conn.SetWriteDeadline(time.Time{})
	}
}

// Touch records client activity.
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns when the client last sent a frame.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of live connections by ID.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID and closes the underlying network
// connection. Returns true if the connection was found and removed, false if
// it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

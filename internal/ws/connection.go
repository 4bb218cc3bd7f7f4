package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrOutboxFull is returned by Send when a slow client has fallen behind.
// The connection is closed when it happens.
var ErrOutboxFull = errors.New("ws: outbox full")

// ErrClosed is returned by Send after the connection was closed.
var ErrClosed = errors.New("ws: connection closed")

// DefaultOutboxSize is the number of frames buffered per connection.
const DefaultOutboxSize = 64

// Connection represents a single WebSocket client connection. Outbound
// frames go through a buffered outbox drained by one writer goroutine, so
// fan-out never blocks on a slow receiver.
type Connection struct {
	ID        string    // connection ID (UUID)
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll lookups
	CreatedAt time.Time // when the connection was established

	lastActivity int64      // unix nanos of the last frame read, atomic
	writeMu      sync.Mutex // serializes frame writes (outbox writer and pings)
	processing   int32      // atomic flag: 0 = idle, 1 = being read by handleConn

	outbox       chan []byte
	closed       chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	srv          *Server // nil for connections not owned by a server
}

func newConnection(id string, conn net.Conn, fd, outboxSize int, writeTimeout time.Duration) *Connection {
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	now := time.Now()
	return &Connection{
		ID:           id,
		Conn:         conn,
		Fd:           fd,
		CreatedAt:    now,
		lastActivity: now.UnixNano(),
		outbox:       make(chan []byte, outboxSize),
		closed:       make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

// ConnID returns the connection id.
func (c *Connection) ConnID() string { return c.ID }

// Touch records read activity for the heartbeat.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano())
}

// LastActivity returns when a frame was last read from the client.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActivity))
}

// Send queues a text frame. It never blocks: a full outbox closes the
// connection in the background and returns ErrOutboxFull. Callers may hold
// locks that the disconnect callback also takes.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	select {
	case c.outbox <- data:
		return nil
	default:
		go c.Close()
		return ErrOutboxFull
	}
}

// Close removes the connection from its server (which fires the disconnect
// callback) and closes the socket. It is safe to call more than once.
func (c *Connection) Close() error {
	if c.srv != nil {
		c.srv.RemoveConnection(c)
		return nil
	}
	c.shutdown()
	return nil
}

// Done is closed once the connection has shut down.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// shutdown stops the writer and closes the socket.
func (c *Connection) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.Conn.Close()
	})
}

// writeLoop drains the outbox until the connection closes.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.outbox:
			if err := c.writeFrame(data); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Connection) writeFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// network connections to their Connection objects.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // connection id -> Connection
	byConn map[net.Conn]*Connection // epoll readiness -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove drops a connection by ID. Returns true if the connection was found
// and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
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

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

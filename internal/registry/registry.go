package registry

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ycmlab/academic-researcher/internal/logger"
)

// Soft errors returned by Send. Callers treat both as "this connection will
// not receive the message" and move on; neither affects job state.
var (
	ErrConnectionGone = errors.New("connection not registered")
	ErrQueueFull      = errors.New("connection send queue full")
)

// Socket is the transport surface the registry writes to.
// *websocket.Conn satisfies it.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Connection is one live client connection. All outbound traffic goes through
// a buffered queue drained by a single writer goroutine, so messages enqueued
// by one caller are written in enqueue order.
type Connection struct {
	ID string

	sock      Socket
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Done is closed when the connection is unregistered.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// IsClosed reports whether the connection has been unregistered.
func (c *Connection) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.sock.Close()
	})
}

// Registry tracks live connections. Thread-safe under concurrent
// register/unregister/send from multiple goroutines.
type Registry struct {
	conns      map[string]*Connection
	mu         sync.RWMutex
	bufferSize int
	logger     *logger.Logger
}

// NewRegistry creates a connection registry. bufferSize is the outbound queue
// capacity per connection.
func NewRegistry(bufferSize int, log *logger.Logger) *Registry {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Registry{
		conns:      make(map[string]*Connection),
		bufferSize: bufferSize,
		logger:     log.WithComponent("registry"),
	}
}

// Register assigns an identity to a transport connection and starts its writer
// goroutine.
func (r *Registry) Register(sock Socket) *Connection {
	conn := &Connection{
		ID:   uuid.New().String(),
		sock: sock,
		send: make(chan []byte, r.bufferSize),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	r.conns[conn.ID] = conn
	total := len(r.conns)
	r.mu.Unlock()

	go r.writePump(conn)

	r.logger.Debug("connection registered",
		slog.String("connection_id", conn.ID),
		slog.Int("total_connections", total))

	return conn
}

// Unregister removes a connection and closes its transport. Idempotent; a
// closed connection never receives further sends.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return
	}

	conn.close()

	r.logger.Debug("connection unregistered",
		slog.String("connection_id", id),
		slog.Int("total_connections", total))
}

// Send enqueues a message for one connection. Unknown or closed connections
// and full queues are reported as soft errors, never as failures of the
// calling job.
func (r *Registry) Send(id string, payload []byte) error {
	r.mu.RLock()
	conn, ok := r.conns[id]
	r.mu.RUnlock()

	if !ok {
		return ErrConnectionGone
	}

	select {
	case <-conn.done:
		return ErrConnectionGone
	case conn.send <- payload:
		return nil
	default:
		r.logger.Warn("dropping message for slow connection",
			slog.String("connection_id", id),
			slog.Int("queue_capacity", cap(conn.send)))
		return ErrQueueFull
	}
}

// Broadcast sends a message to each of the given connections and reports how
// many were enqueued and how many were dropped. Send failures are soft and do
// not stop delivery to the remaining connections.
func (r *Registry) Broadcast(ids []string, payload []byte) (delivered, dropped int) {
	for _, id := range ids {
		if err := r.Send(id, payload); err != nil {
			dropped++
			r.logger.Debug("broadcast send skipped",
				slog.String("connection_id", id),
				slog.String("reason", err.Error()))
			continue
		}
		delivered++
	}
	return delivered, dropped
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll unregisters every connection. Used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.conns = make(map[string]*Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
}

// writePump drains a connection's outbound queue. A single writer per
// connection keeps the delivery order equal to the enqueue order and
// serializes writes to the websocket.
func (r *Registry) writePump(conn *Connection) {
	for {
		select {
		case <-conn.done:
			return
		case payload := <-conn.send:
			if err := conn.sock.WriteMessage(websocket.TextMessage, payload); err != nil {
				r.logger.Debug("write failed, dropping connection",
					slog.String("connection_id", conn.ID),
					slog.String("error", err.Error()))
				r.Unregister(conn.ID)
				return
			}
		}
	}
}

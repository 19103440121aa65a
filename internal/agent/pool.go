// ABOUTME: Pool of persistent agent connections, one per user, created lazily.
// ABOUTME: Connections are dropped on failure so the next turn rebuilds from scratch.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// errConnectionClosed marks a Connection that was reset. Closed
// connections never dial again.
var errConnectionClosed = errors.New("connection was reset")

// Connection owns the live Conn of one user.
type Connection struct {
	UserID    string
	CreatedAt time.Time

	transport Transport
	conn      Conn
	connected atomic.Bool
	closed    atomic.Bool
	turns     atomic.Int64
	mu        sync.Mutex
}

func newConnection(userID string, transport Transport) *Connection {
	return &Connection{
		UserID:    userID,
		CreatedAt: time.Now(),
		transport: transport,
	}
}

// Connected reports whether the connect handshake has completed.
func (c *Connection) Connected() bool {
	return c.connected.Load()
}

// Turns returns how many turns were started on this connection.
func (c *Connection) Turns() int64 {
	return c.turns.Load()
}

// Closed reports whether the connection was reset. A closed connection
// is never reused.
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// ensure performs the connect handshake unless it already happened.
func (c *Connection) ensure(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("%w: user %s: %w", ErrConnection, c.UserID, errConnectionClosed)
	}
	if c.connected.Load() {
		return nil
	}
	conn, err := c.transport.Connect(ctx, c.UserID)
	if err != nil {
		return fmt.Errorf("%w: user %s: %w", ErrConnection, c.UserID, err)
	}
	c.conn = conn
	c.connected.Store(true)
	return nil
}

// stream returns the live Conn, or nil once closed.
func (c *Connection) stream() Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// close shuts the underlying Conn. Panics from broken transports are
// turned into errors.
func (c *Connection) close() (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while closing connection: %v", r)
		}
	}()

	c.closed.Store(true)
	c.connected.Store(false)
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil
	return conn.Close()
}

// Pool holds at most one Connection per user.
type Pool struct {
	transport Transport
	conns     map[string]*Connection
	mu        sync.RWMutex
	group     singleflight.Group
	logger    *slog.Logger
}

// NewPool creates a Pool dialing through transport.
func NewPool(transport Transport, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		transport: transport,
		conns:     make(map[string]*Connection),
		logger:    logger.With("component", "pool"),
	}
}

// GetOrCreate returns the user's live connection, connecting a new one if
// needed. A failed connect leaves no entry behind.
func (p *Pool) GetOrCreate(ctx context.Context, userID string) (*Connection, error) {
	if conn, ok := p.lookup(userID); ok {
		return conn, nil
	}

	// Concurrent callers for the same user share one dial.
	v, err, _ := p.group.Do(userID, func() (any, error) {
		if conn, ok := p.lookup(userID); ok {
			return conn, nil
		}

		conn := newConnection(userID, p.transport)
		if err := conn.ensure(ctx); err != nil {
			p.logger.Warn("agent connect failed", "user_id", userID, "error", err)
			return nil, err
		}

		p.mu.Lock()
		p.conns[userID] = conn
		total := len(p.conns)
		p.mu.Unlock()

		p.logger.Info("agent connected", "user_id", userID, "total_connections", total)
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Connection), nil
}

func (p *Pool) lookup(userID string) (*Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	conn, ok := p.conns[userID]
	if !ok || !conn.Connected() {
		return nil, false
	}
	return conn, true
}

// Reset removes the user's connection and closes it. Close failures are
// logged and swallowed; Reset never fails.
func (p *Pool) Reset(userID string) {
	p.mu.Lock()
	conn, ok := p.conns[userID]
	delete(p.conns, userID)
	total := len(p.conns)
	p.mu.Unlock()

	if !ok {
		return
	}
	p.closeConn(conn, total)
}

// resetConn closes conn and unregisters it only while it is still the
// user's registered connection; a newer connection stays untouched.
func (p *Pool) resetConn(conn *Connection) {
	p.mu.Lock()
	if current, ok := p.conns[conn.UserID]; ok && current == conn {
		delete(p.conns, conn.UserID)
	}
	total := len(p.conns)
	p.mu.Unlock()

	p.closeConn(conn, total)
}

func (p *Pool) closeConn(conn *Connection, total int) {
	if conn.Closed() {
		return
	}
	if err := conn.close(); err != nil {
		p.logger.Debug("ignoring close error during reset", "user_id", conn.UserID, "error", err)
	}
	p.logger.Info("agent connection reset",
		"user_id", conn.UserID,
		"turns", conn.Turns(),
		"total_connections", total,
	)
}

// Has reports whether a connection is registered for userID.
func (p *Pool) Has(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, ok := p.conns[userID]
	return ok
}

// Get returns the registered connection for userID, if any.
func (p *Pool) Get(userID string) (*Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	conn, ok := p.conns[userID]
	return conn, ok
}

// Len returns the number of registered connections.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// Close resets every connection in the pool.
func (p *Pool) Close() {
	p.mu.RLock()
	users := make([]string, 0, len(p.conns))
	for userID := range p.conns {
		users = append(users, userID)
	}
	p.mu.RUnlock()

	for _, userID := range users {
		p.Reset(userID)
	}
}

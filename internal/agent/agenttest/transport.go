// ABOUTME: Scripted in-memory agent transport for tests of the pool, loop and relay.
// ABOUTME: Each turn's events come from a Respond callback; connections record what they saw.

package agenttest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/2389/coven-relay/internal/agent"
)

// Step is one scripted reply to Next.
type Step struct {
	Event agent.StreamEvent
	Err   error
	Hang  bool // block until ctx is done
}

// Text scripts an EventText.
func Text(text string) Step { return Step{Event: agent.TextEvent(text)} }

// Result scripts an EventResult.
func Result(text string) Step { return Step{Event: agent.ResultEvent(text)} }

// Error scripts an EventError.
func Error(message string) Step { return Step{Event: agent.ErrorEvent(message)} }

// ToolCall scripts an EventToolCall.
func ToolCall(id, name string, input map[string]any) Step {
	return Step{Event: agent.ToolCallEvent(agent.ToolCall{ID: id, Name: name, Input: input})}
}

// Fail scripts a transport error from Next.
func Fail(err error) Step { return Step{Err: err} }

// Hang scripts a Next that blocks until the turn context is done.
func Hang() Step { return Step{Hang: true} }

// Transport hands out scripted Conns.
type Transport struct {
	// Respond returns the steps for a turn. Nil yields an empty stream.
	Respond func(userID, text string) []Step
	// ConnectErr, when set, fails every Connect.
	ConnectErr error
	// CloseErr is returned by every Conn.Close.
	CloseErr error

	mu    sync.Mutex
	conns []*Conn
}

// Connect implements agent.Transport.
func (t *Transport) Connect(ctx context.Context, userID string) (agent.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ConnectErr != nil {
		return nil, t.ConnectErr
	}
	conn := &Conn{UserID: userID, transport: t}
	t.conns = append(t.conns, conn)
	return conn, nil
}

// Connects returns how many connections were established for userID.
func (t *Transport) Connects(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, c := range t.conns {
		if c.UserID == userID {
			n++
		}
	}
	return n
}

// Conns returns every connection established so far, oldest first.
func (t *Transport) Conns() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Conn, len(t.conns))
	copy(out, t.conns)
	return out
}

func (t *Transport) respond(userID, text string) []Step {
	t.mu.Lock()
	respond := t.Respond
	t.mu.Unlock()

	if respond == nil {
		return nil
	}
	return respond(userID, text)
}

// Conn is a scripted agent.Conn.
type Conn struct {
	UserID string

	transport   *Transport
	mu          sync.Mutex
	pending     []Step
	turns       []string
	toolResults []agent.ToolResult
	closed      bool
}

// SendTurn implements agent.Conn.
func (c *Conn) SendTurn(ctx context.Context, turnID, text string) error {
	steps := c.transport.respond(c.UserID, text)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("send on closed conn")
	}
	c.turns = append(c.turns, text)
	c.pending = append([]Step(nil), steps...)
	return nil
}

// Next implements agent.Conn.
func (c *Conn) Next(ctx context.Context) (agent.StreamEvent, error) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return agent.StreamEvent{}, io.EOF
	}
	step := c.pending[0]
	c.pending = c.pending[1:]
	c.mu.Unlock()

	if step.Hang {
		<-ctx.Done()
		return agent.StreamEvent{}, ctx.Err()
	}
	if step.Err != nil {
		return agent.StreamEvent{}, step.Err
	}
	return step.Event, nil
}

// SendToolResult implements agent.Conn.
func (c *Conn) SendToolResult(ctx context.Context, result agent.ToolResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.toolResults = append(c.toolResults, result)
	return nil
}

// Close implements agent.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	return c.transport.CloseErr
}

// Turns returns the texts sent on this connection.
func (c *Conn) Turns() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.turns...)
}

// ToolResults returns the tool results sent on this connection.
func (c *Conn) ToolResults() []agent.ToolResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]agent.ToolResult(nil), c.toolResults...)
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

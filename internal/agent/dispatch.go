// ABOUTME: Drives one turn on a user's connection and collects the streamed answer.
// ABOUTME: Protocol, transport and deadline failures purge the connection before returning.

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/session"
)

// Dispatcher runs turns against connections owned by a Pool.
type Dispatcher struct {
	pool   *Pool
	tools  ToolInvoker
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher. tools may be nil, in which case every
// tool call is answered with an error result.
func NewDispatcher(pool *Pool, tools ToolInvoker, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		pool:   pool,
		tools:  tools,
		logger: logger.With("component", "dispatcher"),
	}
}

// Pool returns the pool the dispatcher resets on failure.
func (d *Dispatcher) Pool() *Pool {
	return d.pool
}

// Turn fetches (or creates) the user's connection and runs one turn on it.
// A connection reset before the turn was sent is replaced once.
func (d *Dispatcher) Turn(ctx context.Context, userID, text string) (string, error) {
	conn, err := d.pool.GetOrCreate(ctx, userID)
	if err != nil {
		return "", err
	}
	reply, err := d.RunTurn(ctx, conn, text)
	if !errors.Is(err, errConnectionClosed) {
		return reply, err
	}

	d.logger.Debug("connection reset before turn, reconnecting", "user_id", userID)
	if conn, err = d.pool.GetOrCreate(ctx, userID); err != nil {
		return "", err
	}
	return d.RunTurn(ctx, conn, text)
}

// RunTurn sends text on conn and consumes the resulting event stream.
// Fragments are newline-joined in arrival order.
func (d *Dispatcher) RunTurn(ctx context.Context, conn *Connection, text string) (string, error) {
	turnID := uuid.New().String()
	logger := d.logger.With("user_id", conn.UserID, "turn_id", turnID)

	if err := conn.ensure(ctx); err != nil {
		d.pool.resetConn(conn)
		return "", err
	}
	stream := conn.stream()
	if stream == nil {
		d.pool.resetConn(conn)
		return "", fmt.Errorf("%w: user %s: %w", ErrConnection, conn.UserID, errConnectionClosed)
	}

	conn.turns.Add(1)
	if err := stream.SendTurn(ctx, turnID, text); err != nil {
		return "", d.fail(ctx, conn, logger, err)
	}
	logger.Debug("turn sent", "length", len(text))

	var acc collector
	for {
		event, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", d.fail(ctx, conn, logger, err)
		}

		switch event.Kind {
		case EventText:
			acc.addFragment(event.Text)

		case EventResult:
			acc.addResult(event.Text)
			logger.Debug("turn complete", "segments", len(acc.parts))
			return acc.String(), nil

		case EventError:
			logger.Warn("agent reported error", "message", event.Message)
			d.pool.resetConn(conn)
			return "", &ProtocolError{UserID: conn.UserID, Message: event.Message}

		case EventToolCall:
			if err := d.runTool(ctx, stream, conn.UserID, event.ToolCall, logger); err != nil {
				d.pool.resetConn(conn)
				return "", err
			}

		default:
			logger.Debug("ignoring unknown event", "kind", event.Kind.String())
		}
	}

	logger.Debug("turn stream exhausted", "segments", len(acc.parts))
	return acc.String(), nil
}

// runTool executes a tool call and answers the agent. Errors returned here
// abort the turn.
func (d *Dispatcher) runTool(ctx context.Context, stream Conn, userID string, call *ToolCall, logger *slog.Logger) error {
	if call == nil {
		return nil
	}
	logger = logger.With("tool", call.Name, "call_id", call.ID)

	var result ToolResult
	if d.tools == nil {
		result = ErrorResult(fmt.Sprintf("Unknown tool: %s", call.Name))
	} else {
		var err error
		result, err = d.tools.Invoke(session.WithUser(ctx, userID), *call)
		if err != nil {
			logger.Error("tool failed", "error", err)
			return fmt.Errorf("tool %s: %w", call.Name, err)
		}
	}
	result.CallID = call.ID

	logger.Debug("tool finished", "is_error", result.IsError)
	if err := stream.SendToolResult(ctx, result); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrTurnTimeout, ctx.Err())
		}
		return fmt.Errorf("%w: sending tool result: %w", ErrTransport, err)
	}
	return nil
}

// fail resets the connection and classifies err as a timeout or a
// transport failure.
func (d *Dispatcher) fail(ctx context.Context, conn *Connection, logger *slog.Logger, err error) error {
	d.pool.resetConn(conn)

	if ctx.Err() != nil {
		logger.Warn("turn deadline exceeded", "error", ctx.Err())
		return fmt.Errorf("%w: %w", ErrTurnTimeout, ctx.Err())
	}
	logger.Warn("agent stream failed", "error", err)
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// collector accumulates text segments of a turn.
type collector struct {
	parts []string
}

func (c *collector) addFragment(text string) {
	if text == "" {
		return
	}
	c.parts = append(c.parts, text)
}

// addResult appends the terminal summary unless it repeats what the
// fragments already delivered.
func (c *collector) addResult(text string) {
	if text == "" {
		return
	}
	if n := len(c.parts); n > 0 {
		if c.parts[n-1] == text || c.String() == text {
			return
		}
	}
	c.parts = append(c.parts, text)
}

func (c *collector) String() string {
	return strings.Join(c.parts, "\n")
}

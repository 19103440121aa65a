// ABOUTME: Blocking entry point frontends call to hold a conversation with the agent.
// ABOUTME: Registers the session context, then runs the turn on the event loop.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/eventloop"
	"github.com/2389/coven-relay/internal/session"
)

// ErrTurnInProgress indicates the user already has a turn running.
var ErrTurnInProgress = errors.New("turn already in progress")

// Params holds the collaborators of a Client.
type Params struct {
	Loop       *eventloop.Loop
	Dispatcher *agent.Dispatcher
	Sessions   *session.Store
	Sink       session.Sink
	// TurnTimeout bounds each turn; zero means no deadline.
	TurnTimeout time.Duration
	Logger      *slog.Logger
}

// Client exposes the synchronous send-message contract.
type Client struct {
	loop        *eventloop.Loop
	dispatcher  *agent.Dispatcher
	sessions    *session.Store
	sink        session.Sink
	turnTimeout time.Duration
	logger      *slog.Logger

	// users with a turn in flight
	inflight sync.Map
}

// New creates a Client.
func New(p Params) *Client {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		loop:        p.Loop,
		dispatcher:  p.Dispatcher,
		sessions:    p.Sessions,
		sink:        p.Sink,
		turnTimeout: p.TurnTimeout,
		logger:      logger.With("component", "relay"),
	}
}

// SendMessage sends text as userID's next turn and blocks until the agent
// finished answering. destination tells tools where to deliver artifacts.
func (c *Client) SendMessage(ctx context.Context, userID, destination, text string) (string, error) {
	if _, loaded := c.inflight.LoadOrStore(userID, struct{}{}); loaded {
		return "", fmt.Errorf("%w for user %s", ErrTurnInProgress, userID)
	}
	defer c.inflight.Delete(userID)

	c.sessions.Register(userID, destination, c.sink)

	if c.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.turnTimeout)
		defer cancel()
	}

	c.logger.Debug("submitting turn",
		"user_id", userID,
		"active_turns", c.loop.Active(),
		"queued_turns", c.loop.Pending(),
	)

	start := time.Now()
	reply, err := eventloop.Submit(ctx, c.loop, func(ctx context.Context) (string, error) {
		return c.dispatcher.Turn(ctx, userID, text)
	})
	if errors.Is(err, eventloop.ErrNotStarted) && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", agent.ErrTurnTimeout, err)
	}
	if err != nil {
		c.logger.Warn("turn failed",
			"user_id", userID,
			"destination", destination,
			"duration", time.Since(start),
			"error", err,
		)
		return "", err
	}

	c.logger.Info("turn complete",
		"user_id", userID,
		"destination", destination,
		"duration", time.Since(start),
		"reply_length", len(reply),
	)
	return reply, nil
}

// Reset discards the user's agent connection and session context so the
// next turn starts a fresh session.
func (c *Client) Reset(userID string) {
	pool := c.dispatcher.Pool()
	if conn, ok := pool.Get(userID); ok {
		c.logger.Info("resetting conversation",
			"user_id", userID,
			"turns", conn.Turns(),
			"age", time.Since(conn.CreatedAt),
		)
	}
	pool.Reset(userID)
	c.sessions.Forget(userID)
}

// Close stops the loop and closes every agent connection.
func (c *Client) Close() {
	c.loop.Close()
	c.dispatcher.Pool().Close()
}

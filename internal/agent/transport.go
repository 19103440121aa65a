// ABOUTME: Contracts the pool and dispatcher need from an agent transport
// ABOUTME: A Transport dials one Conn per user; a Conn carries one turn at a time

package agent

import "context"

// Transport establishes agent connections for users.
type Transport interface {
	// Connect performs the connect handshake for userID. The returned Conn
	// stays usable across turns until Close.
	Connect(ctx context.Context, userID string) (Conn, error)
}

// Conn is a live streaming channel to the agent for exactly one user.
type Conn interface {
	// SendTurn submits the user's input for a new turn.
	SendTurn(ctx context.Context, turnID, text string) error

	// Next blocks for the next event of the current turn. It returns io.EOF
	// when the turn's stream is exhausted and ctx.Err() when ctx is done.
	Next(ctx context.Context) (StreamEvent, error)

	// SendToolResult answers a ToolCall received from Next.
	SendToolResult(ctx context.Context, result ToolResult) error

	// Close tears the channel down. It may fail on an already broken channel.
	Close() error
}

// ToolInvoker runs client-side capabilities on behalf of the agent.
type ToolInvoker interface {
	// Invoke returns a ToolResult for recoverable outcomes, including
	// failures the agent should see. A non-nil error aborts the turn.
	Invoke(ctx context.Context, call ToolCall) (ToolResult, error)
}

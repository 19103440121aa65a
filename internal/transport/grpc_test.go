// ABOUTME: Tests for the gRPC transport against an in-process agent server
// ABOUTME: Uses bufconn so each test runs a real Converse stream without sockets

package transport_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/transport"
)

type invokerFunc func(ctx context.Context, call agent.ToolCall) (agent.ToolResult, error)

func (f invokerFunc) Invoke(ctx context.Context, call agent.ToolCall) (agent.ToolResult, error) {
	return f(ctx, call)
}

type agentHarness struct {
	server *grpc.Server
	client *transport.GRPC
}

func startAgent(t *testing.T, h transport.TurnHandler, opts transport.AgentServerOptions, tokens transport.TokenSource) *agentHarness {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := transport.NewAgentServer(h, opts)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := transport.NewGRPC(transport.GRPCConfig{
		Address:        "passthrough:///bufnet",
		ConnectTimeout: 2 * time.Second,
		Tokens:         tokens,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return &agentHarness{server: srv, client: client}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGRPCTextAndResult(t *testing.T) {
	seen := make(chan transport.Turn, 4)
	h := startAgent(t, func(ctx context.Context, turn transport.Turn, reply *transport.Replier) error {
		seen <- turn
		if err := reply.Text("hello"); err != nil {
			return err
		}
		if err := reply.Text("world"); err != nil {
			return err
		}
		return reply.Result("done")
	}, transport.AgentServerOptions{}, nil)

	pool := agent.NewPool(h.client, nil)
	t.Cleanup(pool.Close)
	d := agent.NewDispatcher(pool, nil, nil)
	ctx := testContext(t)

	out, err := d.Turn(ctx, "alice", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\ndone", out)

	turn := <-seen
	assert.Equal(t, "alice", turn.UserID)
	assert.Equal(t, "hi", turn.Text)
	assert.NotEmpty(t, turn.ID)

	// The same stream serves the next turn.
	out, err = d.Turn(ctx, "alice", "again")
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\ndone", out)
	assert.Equal(t, 1, pool.Len())

	conn, ok := pool.Get("alice")
	require.True(t, ok)
	assert.Equal(t, int64(2), conn.Turns())
}

func TestGRPCImplicitResult(t *testing.T) {
	h := startAgent(t, func(ctx context.Context, turn transport.Turn, reply *transport.Replier) error {
		return reply.Text("echo: " + turn.Text)
	}, transport.AgentServerOptions{}, nil)

	pool := agent.NewPool(h.client, nil)
	t.Cleanup(pool.Close)
	d := agent.NewDispatcher(pool, nil, nil)

	out, err := d.Turn(testContext(t), "bob", "ping")
	require.NoError(t, err)
	assert.Equal(t, "echo: ping", out)
}

func TestGRPCAgentError(t *testing.T) {
	h := startAgent(t, func(ctx context.Context, turn transport.Turn, reply *transport.Replier) error {
		_ = reply.Text("partial")
		return errors.New("model overloaded")
	}, transport.AgentServerOptions{}, nil)

	pool := agent.NewPool(h.client, nil)
	t.Cleanup(pool.Close)
	d := agent.NewDispatcher(pool, nil, nil)

	out, err := d.Turn(testContext(t), "alice", "hi")
	assert.Empty(t, out)
	require.ErrorIs(t, err, agent.ErrProtocol)

	var perr *agent.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "model overloaded", perr.Message)
	assert.False(t, pool.Has("alice"))
}

func TestGRPCToolCallRoundTrip(t *testing.T) {
	h := startAgent(t, func(ctx context.Context, turn transport.Turn, reply *transport.Replier) error {
		result, err := reply.CallTool("lookup", map[string]any{"key": "colour"})
		if err != nil {
			return err
		}
		if result.IsError {
			return errors.New("tool failed: " + result.Text())
		}
		return reply.Result("tool said " + result.Text())
	}, transport.AgentServerOptions{}, nil)

	var gotUser string
	var gotInput map[string]any
	tools := invokerFunc(func(ctx context.Context, call agent.ToolCall) (agent.ToolResult, error) {
		gotUser, _ = session.UserFromContext(ctx)
		gotInput = call.Input
		return agent.TextResult("blue"), nil
	})

	pool := agent.NewPool(h.client, nil)
	t.Cleanup(pool.Close)
	d := agent.NewDispatcher(pool, tools, nil)

	out, err := d.Turn(testContext(t), "carol", "what colour?")
	require.NoError(t, err)
	assert.Equal(t, "tool said blue", out)
	assert.Equal(t, "carol", gotUser)
	assert.Equal(t, map[string]any{"key": "colour"}, gotInput)
}

func TestGRPCUnknownToolReportsError(t *testing.T) {
	h := startAgent(t, func(ctx context.Context, turn transport.Turn, reply *transport.Replier) error {
		result, err := reply.CallTool("missing", nil)
		if err != nil {
			return err
		}
		assert.True(t, result.IsError)
		return reply.Result(result.Text())
	}, transport.AgentServerOptions{}, nil)

	pool := agent.NewPool(h.client, nil)
	t.Cleanup(pool.Close)
	d := agent.NewDispatcher(pool, nil, nil)

	out, err := d.Turn(testContext(t), "dave", "go")
	require.NoError(t, err)
	assert.Equal(t, "Unknown tool: missing", out)
}

func TestGRPCTurnDeadline(t *testing.T) {
	h := startAgent(t, func(ctx context.Context, turn transport.Turn, reply *transport.Replier) error {
		<-ctx.Done()
		return ctx.Err()
	}, transport.AgentServerOptions{}, nil)

	pool := agent.NewPool(h.client, nil)
	t.Cleanup(pool.Close)
	d := agent.NewDispatcher(pool, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := d.Turn(ctx, "erin", "slow")
	require.ErrorIs(t, err, agent.ErrTurnTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, pool.Has("erin"))
}

func TestGRPCTokenVerification(t *testing.T) {
	issuer, err := auth.NewIssuer([]byte("shared-secret"), time.Hour)
	require.NoError(t, err)

	handler := func(ctx context.Context, turn transport.Turn, reply *transport.Replier) error {
		return reply.Result("ok")
	}

	t.Run("valid token", func(t *testing.T) {
		h := startAgent(t, handler, transport.AgentServerOptions{Verifier: issuer}, issuer)

		conn, err := h.client.Connect(testContext(t), "alice")
		require.NoError(t, err)
		assert.NoError(t, conn.Close())
	})

	t.Run("missing token", func(t *testing.T) {
		h := startAgent(t, handler, transport.AgentServerOptions{Verifier: issuer}, nil)

		_, err := h.client.Connect(testContext(t), "alice")
		require.ErrorIs(t, err, transport.ErrHandshake)
	})

	t.Run("foreign secret", func(t *testing.T) {
		other, err := auth.NewIssuer([]byte("another-secret"), time.Hour)
		require.NoError(t, err)
		h := startAgent(t, handler, transport.AgentServerOptions{Verifier: issuer}, other)

		_, err = h.client.Connect(testContext(t), "alice")
		require.ErrorIs(t, err, transport.ErrHandshake)
	})
}

func TestGRPCConnectFailureSurfacesAsConnectionError(t *testing.T) {
	issuer, err := auth.NewIssuer([]byte("shared-secret"), time.Hour)
	require.NoError(t, err)

	h := startAgent(t, func(ctx context.Context, turn transport.Turn, reply *transport.Replier) error {
		return reply.Result("ok")
	}, transport.AgentServerOptions{Verifier: issuer}, nil)

	pool := agent.NewPool(h.client, nil)
	t.Cleanup(pool.Close)
	d := agent.NewDispatcher(pool, nil, nil)

	_, err = d.Turn(testContext(t), "alice", "hi")
	require.ErrorIs(t, err, agent.ErrConnection)
	assert.False(t, pool.Has("alice"))
}

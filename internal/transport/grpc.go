// ABOUTME: gRPC agent transport: one bidirectional Converse stream per user
// ABOUTME: All users share a single ClientConn; a reader goroutine feeds each stream's inbox

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/coven-relay/internal/agent"
)

// ConverseMethod is the full gRPC method name of the agent session stream.
const ConverseMethod = "/coven.relay.v1.AgentSessions/Converse"

// Metadata keys sent when opening a stream.
const (
	UserMetadataKey = "x-coven-user"
	AuthMetadataKey = "authorization"
)

// DefaultConnectTimeout bounds the hello/ready handshake.
const DefaultConnectTimeout = 10 * time.Second

var converseStreamDesc = &grpc.StreamDesc{
	StreamName:    "Converse",
	ServerStreams: true,
	ClientStreams: true,
}

// ErrHandshake indicates the agent did not complete the hello/ready exchange.
var ErrHandshake = errors.New("agent handshake failed")

// TokenSource mints bearer tokens presented for a user's stream.
type TokenSource interface {
	Token(userID string) (string, error)
}

// GRPCConfig configures the gRPC transport.
type GRPCConfig struct {
	Address        string
	ConnectTimeout time.Duration
	Tokens         TokenSource       // optional
	DialOptions    []grpc.DialOption // appended after the insecure default
	Logger         *slog.Logger
}

// GRPC implements agent.Transport over a shared gRPC client connection.
type GRPC struct {
	cc             *grpc.ClientConn
	connectTimeout time.Duration
	tokens         TokenSource
	logger         *slog.Logger
}

// NewGRPC creates the client connection. Dialing is lazy; errors surface
// on the first Connect.
func NewGRPC(cfg GRPCConfig) (*GRPC, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("agent address is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, cfg.DialOptions...)

	cc, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating grpc client: %w", err)
	}

	return &GRPC{
		cc:             cc,
		connectTimeout: timeout,
		tokens:         cfg.Tokens,
		logger:         logger.With("component", "grpc-transport"),
	}, nil
}

// Close tears down the shared client connection.
func (g *GRPC) Close() error {
	return g.cc.Close()
}

// Connect opens the user's stream and performs the handshake.
func (g *GRPC) Connect(ctx context.Context, userID string) (agent.Conn, error) {
	md := metadata.Pairs(UserMetadataKey, userID)
	if g.tokens != nil {
		token, err := g.tokens.Token(userID)
		if err != nil {
			return nil, fmt.Errorf("minting stream token: %w", err)
		}
		md.Append(AuthMetadataKey, "Bearer "+token)
	}

	// The stream outlives ctx: it belongs to the connection, not the turn.
	streamCtx, cancel := context.WithCancel(metadata.NewOutgoingContext(context.Background(), md))
	stream, err := g.cc.NewStream(streamCtx, converseStreamDesc, ConverseMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening stream: %w", err)
	}

	conn := &grpcConn{
		userID: userID,
		stream: stream,
		cancel: cancel,
		inbox:  make(chan inbound, 16),
		closed: make(chan struct{}),
		logger: g.logger.With("user_id", userID),
	}

	hello, err := helloEnvelope(userID)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.send(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: sending hello: %w", ErrHandshake, err)
	}

	go conn.readLoop()

	if err := conn.awaitReady(ctx, g.connectTimeout); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

type inbound struct {
	msg *structpb.Struct
	err error
}

type grpcConn struct {
	userID    string
	sessionID string
	stream    grpc.ClientStream
	cancel    context.CancelFunc
	inbox     chan inbound
	closed    chan struct{}
	closeOnce sync.Once
	sendMu    sync.Mutex
	logger    *slog.Logger
}

func (c *grpcConn) readLoop() {
	for {
		msg := new(structpb.Struct)
		err := c.stream.RecvMsg(msg)
		if err != nil {
			msg = nil
		}
		select {
		case c.inbox <- inbound{msg: msg, err: err}:
		case <-c.closed:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *grpcConn) awaitReady(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case in := <-c.inbox:
		if in.err != nil {
			return fmt.Errorf("%w: %w", ErrHandshake, in.err)
		}
		if kind := envelopeType(in.msg); kind != TypeReady {
			return fmt.Errorf("%w: expected %s, got %q", ErrHandshake, TypeReady, kind)
		}
		c.sessionID = stringField(in.msg, "session_id")
		c.logger.Debug("agent stream ready", "session_id", c.sessionID)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrHandshake, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: no ready within %s", ErrHandshake, timeout)
	}
}

func (c *grpcConn) send(msg *structpb.Struct) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.SendMsg(msg)
}

// SendTurn implements agent.Conn.
func (c *grpcConn) SendTurn(ctx context.Context, turnID, text string) error {
	msg, err := turnEnvelope(turnID, text)
	if err != nil {
		return err
	}
	return c.send(msg)
}

// Next implements agent.Conn.
func (c *grpcConn) Next(ctx context.Context) (agent.StreamEvent, error) {
	for {
		select {
		case in := <-c.inbox:
			if errors.Is(in.err, io.EOF) {
				return agent.StreamEvent{}, fmt.Errorf("agent closed stream: %w", io.ErrUnexpectedEOF)
			}
			if in.err != nil {
				return agent.StreamEvent{}, in.err
			}
			event, ok := decodeEvent(in.msg)
			if !ok {
				c.logger.Debug("skipping envelope", "type", envelopeType(in.msg))
				continue
			}
			return event, nil
		case <-ctx.Done():
			return agent.StreamEvent{}, ctx.Err()
		case <-c.closed:
			return agent.StreamEvent{}, errors.New("stream closed")
		}
	}
}

// SendToolResult implements agent.Conn.
func (c *grpcConn) SendToolResult(ctx context.Context, result agent.ToolResult) error {
	msg, err := toolResultEnvelope(result)
	if err != nil {
		return err
	}
	return c.send(msg)
}

// Close implements agent.Conn.
func (c *grpcConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		err = c.stream.CloseSend()
		c.sendMu.Unlock()
		c.cancel()
		close(c.closed)
	})
	return err
}

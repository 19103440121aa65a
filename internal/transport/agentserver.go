// ABOUTME: Agent side of the Converse stream, used by fake-agent and transport tests
// ABOUTME: Serves the method through an unknown-service handler with Struct envelopes

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/coven-relay/internal/agent"
)

// Turn is one user input received by the agent.
type Turn struct {
	ID     string
	UserID string
	Text   string
}

// TurnHandler answers a turn through the Replier. Returning an error sends
// an error envelope for the turn.
type TurnHandler func(ctx context.Context, turn Turn, reply *Replier) error

// TokenVerifier checks a bearer token and returns its subject.
type TokenVerifier interface {
	Verify(token string) (subject string, err error)
}

// AgentServerOptions configures NewAgentServer.
type AgentServerOptions struct {
	Verifier TokenVerifier // optional; when set every stream must carry a token for its user
	Logger   *slog.Logger
}

// NewAgentServer returns a gRPC server that serves ConverseMethod with h.
func NewAgentServer(h TurnHandler, opts AgentServerOptions, serverOpts ...grpc.ServerOption) *grpc.Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	svc := &agentService{
		handler:  h,
		verifier: opts.Verifier,
		logger:   logger.With("component", "agent-server"),
	}
	serverOpts = append(serverOpts, grpc.UnknownServiceHandler(svc.serve))
	return grpc.NewServer(serverOpts...)
}

type agentService struct {
	handler  TurnHandler
	verifier TokenVerifier
	logger   *slog.Logger
}

func firstValue(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}

func (s *agentService) serve(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	if method != ConverseMethod {
		return status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}

	md, _ := metadata.FromIncomingContext(stream.Context())
	userID := firstValue(md, UserMetadataKey)
	if userID == "" {
		return status.Error(codes.InvalidArgument, "missing user metadata")
	}

	if s.verifier != nil {
		token := strings.TrimPrefix(firstValue(md, AuthMetadataKey), "Bearer ")
		subject, err := s.verifier.Verify(token)
		if err != nil {
			return status.Errorf(codes.Unauthenticated, "invalid token: %v", err)
		}
		if subject != userID {
			return status.Error(codes.PermissionDenied, "token subject does not match user")
		}
	}

	hello := new(structpb.Struct)
	if err := stream.RecvMsg(hello); err != nil {
		return err
	}
	if envelopeType(hello) != TypeHello {
		return status.Errorf(codes.InvalidArgument, "expected %s, got %q", TypeHello, envelopeType(hello))
	}

	sessionID := uuid.New().String()
	ready, err := newEnvelope(TypeReady, map[string]any{"session_id": sessionID})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(ready); err != nil {
		return err
	}

	logger := s.logger.With("user_id", userID, "session_id", sessionID)
	logger.Info("agent session opened")
	defer logger.Info("agent session closed")

	for {
		msg := new(structpb.Struct)
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if envelopeType(msg) != TypeTurn {
			logger.Debug("ignoring envelope outside a turn", "type", envelopeType(msg))
			continue
		}

		turn := Turn{
			ID:     stringField(msg, "turn_id"),
			UserID: userID,
			Text:   stringField(msg, "text"),
		}
		reply := &Replier{stream: stream}
		if err := s.handler(stream.Context(), turn, reply); err != nil {
			if reply.finished {
				return err
			}
			if sendErr := reply.Error(err.Error()); sendErr != nil {
				return sendErr
			}
			continue
		}
		if !reply.finished {
			if err := reply.Result(""); err != nil {
				return err
			}
		}
	}
}

// Replier emits events for the turn being handled.
type Replier struct {
	stream   grpc.ServerStream
	finished bool
	calls    int
}

func (r *Replier) emit(kind string, fields map[string]any) error {
	msg, err := newEnvelope(kind, fields)
	if err != nil {
		return err
	}
	return r.stream.SendMsg(msg)
}

// Text sends a text fragment.
func (r *Replier) Text(text string) error {
	return r.emit(TypeText, map[string]any{"text": text})
}

// Result ends the turn successfully with an optional summary.
func (r *Replier) Result(text string) error {
	r.finished = true
	return r.emit(TypeResult, map[string]any{"text": text})
}

// Error ends the turn with a failure.
func (r *Replier) Error(message string) error {
	r.finished = true
	return r.emit(TypeError, map[string]any{"message": message})
}

// CallTool asks the client to run a tool and waits for its result.
func (r *Replier) CallTool(name string, input map[string]any) (agent.ToolResult, error) {
	r.calls++
	callID := fmt.Sprintf("call-%d", r.calls)
	if input == nil {
		input = map[string]any{}
	}
	if err := r.emit(TypeToolCall, map[string]any{"call_id": callID, "name": name, "input": input}); err != nil {
		return agent.ToolResult{}, err
	}

	for {
		msg := new(structpb.Struct)
		if err := r.stream.RecvMsg(msg); err != nil {
			return agent.ToolResult{}, err
		}
		if envelopeType(msg) == TypeToolResult && stringField(msg, "call_id") == callID {
			return decodeToolResult(msg), nil
		}
	}
}

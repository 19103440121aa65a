// ABOUTME: Minimal fake agent for E2E testing; serves the Converse stream and echoes turns with markdown
// ABOUTME: Usage: fake-agent [-addr :50051] [-secret SECRET]; "send <path>" exercises the send_file tool
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/transport"
)

func main() {
	addr := flag.String("addr", ":50051", "listen address")
	secret := flag.String("secret", os.Getenv("COVEN_AGENT_SECRET"), "shared token secret (empty disables verification)")
	delay := flag.Duration("delay", 50*time.Millisecond, "pause between streamed events")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(*addr, *secret, *delay, logger); err != nil {
		logger.Error("fake agent failed", "error", err)
		os.Exit(1)
	}
}

func run(addr, secret string, delay time.Duration, logger *slog.Logger) error {
	opts := transport.AgentServerOptions{Logger: logger}
	if secret != "" {
		issuer, err := auth.NewIssuer([]byte(secret), 0)
		if err != nil {
			return err
		}
		opts.Verifier = issuer
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	srv := transport.NewAgentServer(func(ctx context.Context, turn transport.Turn, reply *transport.Replier) error {
		return answer(ctx, turn, reply, delay, logger)
	}, opts)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	logger.Info("fake agent listening", "addr", lis.Addr().String(), "tokens", secret != "")
	return srv.Serve(lis)
}

func answer(ctx context.Context, turn transport.Turn, reply *transport.Replier, delay time.Duration, logger *slog.Logger) error {
	logger.Info("received turn", "user_id", turn.UserID, "turn_id", turn.ID, "text", turn.Text)

	if path, ok := strings.CutPrefix(turn.Text, "send "); ok {
		result, err := reply.CallTool("send_file", map[string]any{"file_path": strings.TrimSpace(path)})
		if err != nil {
			return err
		}
		return reply.Result(result.Text())
	}

	if strings.EqualFold(strings.TrimSpace(turn.Text), "fail") {
		return fmt.Errorf("simulated agent failure")
	}

	text := echoReply(turn.Text)
	if err := reply.Text(text); err != nil {
		return err
	}

	// Small delay to simulate streaming
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	// The summary repeats the streamed text, as real agents do.
	return reply.Result(text)
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}

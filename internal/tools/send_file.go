// ABOUTME: send_file capability: delivers a local file to the user's chat mid-turn
// ABOUTME: Missing files are reported back to the agent; an unset store fails fast

package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/session"
)

// SendFileName is the tool name the agent uses.
const SendFileName = "send_file"

// errSendFileNotInitialized is returned when SendFile has no session store.
var errSendFileNotInitialized = fmt.Errorf("send_file tool is %w, construct it with a session store", session.ErrNotInitialized)

// SendFile reads a file from disk and hands it to the current session's Sink.
type SendFile struct {
	sessions *session.Store
	logger   *slog.Logger
}

// NewSendFile creates the tool bound to sessions.
func NewSendFile(sessions *session.Store, logger *slog.Logger) *SendFile {
	if logger == nil {
		logger = slog.Default()
	}
	return &SendFile{
		sessions: sessions,
		logger:   logger.With("tool", SendFileName),
	}
}

func (t *SendFile) Name() string { return SendFileName }

func (t *SendFile) Description() string { return "Send a file to the user in chat" }

// Call expects {"file_path": string}.
func (t *SendFile) Call(ctx context.Context, input map[string]any) (agent.ToolResult, error) {
	if t == nil || t.sessions == nil {
		return agent.ToolResult{}, errSendFileNotInitialized
	}

	path, _ := input["file_path"].(string)
	if path == "" {
		return agent.ErrorResult("file_path is required"), nil
	}

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return agent.ErrorResult(fmt.Sprintf("File not found: %s", path)), nil
	}
	if err != nil {
		return agent.ErrorResult(fmt.Sprintf("Failed to read file: %s: %v", path, err)), nil
	}
	if info.IsDir() {
		return agent.ErrorResult(fmt.Sprintf("Not a file: %s", path)), nil
	}

	sc, err := t.sessions.Current(ctx)
	if err != nil {
		return agent.ToolResult{}, fmt.Errorf("send_file: %w", err)
	}
	if sc.Sink == nil {
		return agent.ToolResult{}, fmt.Errorf("send_file: sink for user %s %w", sc.UserID, session.ErrNotInitialized)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return agent.ErrorResult(fmt.Sprintf("Failed to read file: %s: %v", path, err)), nil
	}

	name := filepath.Base(path)
	if err := sc.Sink.SendDocument(ctx, sc.Destination, name, data); err != nil {
		t.logger.Error("delivery failed", "user_id", sc.UserID, "destination", sc.Destination, "error", err)
		return agent.ErrorResult(fmt.Sprintf("Failed to send file: %s: %v", name, err)), nil
	}

	t.logger.Info("file delivered",
		"user_id", sc.UserID,
		"destination", sc.Destination,
		"file", name,
		"bytes", len(data),
	)
	return agent.TextResult(fmt.Sprintf("File sent successfully: %s", name)), nil
}

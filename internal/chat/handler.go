// ABOUTME: Frontend-neutral handling of one incoming chat message
// ABOUTME: Posts a placeholder, runs the turn through the relay, then replaces the placeholder

package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Reply texts shown to the user.
const (
	ThinkingText      = "Thinking..."
	EmptyResponseText = "Empty response from agent"
	ResetText         = "Session reset. The next message starts a fresh conversation."
)

// ResetCommand asks for a fresh agent session.
const ResetCommand = "/reset"

// Message is an incoming text from a chat user.
type Message struct {
	UserID      string
	Destination string
	Text        string
}

// Messenger posts and edits messages at a destination.
type Messenger interface {
	Send(ctx context.Context, destination, text string) (messageID string, err error)
	Replace(ctx context.Context, destination, messageID, text string) error
}

// Relay is the blocking send-message contract of relay.Client.
type Relay interface {
	SendMessage(ctx context.Context, userID, destination, text string) (string, error)
	Reset(userID string)
}

// Handler turns chat messages into agent turns.
type Handler struct {
	relay     Relay
	messenger Messenger
	logger    *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(relay Relay, messenger Messenger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		relay:     relay,
		messenger: messenger,
		logger:    logger.With("component", "chat"),
	}
}

// Handle answers msg. Agent failures are reported to the user in place of
// the placeholder; the returned error covers only messenger failures.
func (h *Handler) Handle(ctx context.Context, msg Message) error {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}

	if text == ResetCommand {
		h.relay.Reset(msg.UserID)
		h.logger.Info("session reset by user", "user_id", msg.UserID)
		_, err := h.messenger.Send(ctx, msg.Destination, ResetText)
		return err
	}

	placeholder, err := h.messenger.Send(ctx, msg.Destination, ThinkingText)
	if err != nil {
		return fmt.Errorf("sending placeholder: %w", err)
	}

	reply, err := h.relay.SendMessage(ctx, msg.UserID, msg.Destination, text)
	switch {
	case err != nil:
		h.logger.Error("agent error", "user_id", msg.UserID, "destination", msg.Destination, "error", err)
		reply = fmt.Sprintf("Error: %v", err)
	case strings.TrimSpace(reply) == "":
		h.logger.Warn("empty response from agent", "user_id", msg.UserID)
		reply = EmptyResponseText
	}

	if err := h.messenger.Replace(ctx, msg.Destination, placeholder, reply); err != nil {
		return fmt.Errorf("replacing placeholder: %w", err)
	}
	return nil
}

// ABOUTME: Matrix frontend: syncs rooms, feeds text messages to the chat handler
// ABOUTME: Implements the chat messenger with notices and edits, and the file delivery sink

package matrix

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/chat"
	"github.com/2389/coven-relay/internal/dedupe"
)

// sendTimeout bounds a single Matrix API call.
const sendTimeout = 30 * time.Second

// Config configures the Matrix frontend.
type Config struct {
	Homeserver    string
	UserID        string
	AccessToken   string
	AllowedRooms  []string // empty allows every joined room
	CommandPrefix string   // empty answers every message
}

// Bot connects Matrix rooms to the chat handler.
type Bot struct {
	cfg    Config
	client *mautrix.Client
	seen   *dedupe.Cache
	logger *slog.Logger

	handler *chat.Handler
	ctx     context.Context
	wg      sync.WaitGroup
}

// New creates a Bot with an access-token client.
func New(cfg Config, logger *slog.Logger) (*Bot, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		cfg:    cfg,
		client: client,
		seen:   dedupe.New(dedupe.DefaultTTL, dedupe.DefaultMaxSize),
		logger: logger.With("component", "matrix"),
		ctx:    context.Background(),
	}, nil
}

// Run syncs until ctx is cancelled, handing messages to h. In-flight turns
// are awaited before Run returns.
func (b *Bot) Run(ctx context.Context, h *chat.Handler) error {
	b.logger.Info("starting matrix frontend",
		"homeserver", b.cfg.Homeserver,
		"user_id", b.cfg.UserID,
	)
	b.handler = h

	var cancel context.CancelFunc
	b.ctx, cancel = context.WithCancel(ctx)
	defer cancel()
	defer b.wg.Wait()

	syncer, ok := b.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.client.SyncWithContext(b.ctx)
	}()

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix frontend")
		return nil
	case err := <-syncErr:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// handleMessageEvent filters a synced message and starts its turn.
func (b *Bot) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(b.cfg.UserID) {
		return
	}

	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText {
		return
	}
	// Edits carry the new body in NewContent; only original messages start turns.
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return
	}

	roomID := evt.RoomID.String()
	if !b.roomAllowed(roomID) {
		b.logger.Debug("ignoring message from non-allowed room", "room", roomID)
		return
	}

	body := content.Body
	if b.cfg.CommandPrefix != "" {
		if !strings.HasPrefix(body, b.cfg.CommandPrefix) {
			return
		}
		body = strings.TrimSpace(strings.TrimPrefix(body, b.cfg.CommandPrefix))
	}
	if body == "" {
		return
	}

	if b.seen.Seen(evt.ID.String()) {
		b.logger.Debug("dropping duplicate event", "event_id", evt.ID.String())
		return
	}

	b.logger.Info("received message",
		"room", roomID,
		"sender", evt.Sender.String(),
		"content", truncate(body, 50),
	)

	msg := chat.Message{UserID: evt.Sender.String(), Destination: roomID, Text: body}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.handler.Handle(b.ctx, msg); err != nil {
			b.logger.Error("handling message", "room", roomID, "error", err)
		}
	}()
}

func (b *Bot) roomAllowed(roomID string) bool {
	if len(b.cfg.AllowedRooms) == 0 {
		return true
	}
	return slices.Contains(b.cfg.AllowedRooms, roomID)
}

// renderMarkdown converts text to HTML for FormattedBody. The plain body is
// used alone when conversion fails.
func renderMarkdown(text string) (string, bool) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(text), &buf); err != nil {
		return "", false
	}
	return strings.TrimSpace(buf.String()), true
}

func noticeContent(text string) *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    text,
	}
	if html, ok := renderMarkdown(text); ok {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}
	return content
}

// Send implements chat.Messenger by posting a notice.
func (b *Bot) Send(ctx context.Context, destination, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	resp, err := b.client.SendMessageEvent(ctx, id.RoomID(destination), event.EventMessage, noticeContent(text))
	if err != nil {
		return "", fmt.Errorf("sending message to %s: %w", destination, err)
	}
	return resp.EventID.String(), nil
}

// Replace implements chat.Messenger by posting an m.replace edit.
func (b *Bot) Replace(ctx context.Context, destination, messageID, text string) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	content := noticeContent(text)
	content.SetEdit(id.EventID(messageID))

	if _, err := b.client.SendMessageEvent(ctx, id.RoomID(destination), event.EventMessage, content); err != nil {
		return fmt.Errorf("editing message %s: %w", messageID, err)
	}
	return nil
}

// SendDocument implements session.Sink by uploading data and posting an m.file event.
func (b *Bot) SendDocument(ctx context.Context, destination, filename string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	mimeType := http.DetectContentType(data)
	upload, err := b.client.UploadBytesWithName(ctx, data, mimeType, filename)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", filename, err)
	}

	content := &event.MessageEventContent{
		MsgType:  event.MsgFile,
		Body:     filename,
		FileName: filename,
		URL:      upload.ContentURI.CUString(),
		Info: &event.FileInfo{
			MimeType: mimeType,
			Size:     len(data),
		},
	}
	if _, err := b.client.SendMessageEvent(ctx, id.RoomID(destination), event.EventMessage, content); err != nil {
		return fmt.Errorf("posting file %s: %w", filename, err)
	}

	b.logger.Info("file delivered", "room", destination, "file", filename, "size", len(data))
	return nil
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

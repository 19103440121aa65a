// ABOUTME: Local console frontend: a line-based REPL for a single user
// ABOUTME: Doubles as the delivery sink by copying sent files into an outbox directory

package chat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// ConsoleDestination is the destination recorded for console turns.
const ConsoleDestination = "console"

// QuitCommand ends the console session.
const QuitCommand = "/quit"

// Console implements Messenger and session.Sink on a terminal.
type Console struct {
	in     io.Reader
	out    io.Writer
	userID string
	outbox string
	logger *slog.Logger

	mu     sync.Mutex
	nextID int
}

// NewConsole creates a Console for userID. Files delivered by tools land
// in outboxDir ("outbox" when empty).
func NewConsole(in io.Reader, out io.Writer, userID, outboxDir string, logger *slog.Logger) *Console {
	if outboxDir == "" {
		outboxDir = "outbox"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{
		in:     in,
		out:    out,
		userID: userID,
		outbox: outboxDir,
		logger: logger.With("component", "console"),
	}
}

// Send prints text and returns a local message ID.
func (c *Console) Send(ctx context.Context, destination, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	if err := c.printLocked(text); err != nil {
		return "", err
	}
	return strconv.Itoa(c.nextID), nil
}

// Replace prints the new text; a terminal cannot edit earlier output.
func (c *Console) Replace(ctx context.Context, destination, messageID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.printLocked(text)
}

func (c *Console) printLocked(text string) error {
	if _, err := color.New(color.FgCyan).Fprint(c.out, "agent> "); err != nil {
		return err
	}
	_, err := fmt.Fprintln(c.out, text)
	return err
}

// SendDocument copies data into the outbox directory.
func (c *Console) SendDocument(ctx context.Context, destination, filename string, data []byte) error {
	if err := os.MkdirAll(c.outbox, 0755); err != nil {
		return fmt.Errorf("creating outbox: %w", err)
	}
	path := filepath.Join(c.outbox, filepath.Base(filename))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	c.logger.Info("file delivered", "path", path, "size", len(data))

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := color.New(color.FgYellow).Fprintf(c.out, "[file] %s\n", path)
	return err
}

// Run reads lines until EOF, QuitCommand or ctx cancellation and hands each
// one to h. Handler errors are logged and the loop continues.
func (c *Console) Run(ctx context.Context, h *Handler) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		c.prompt()
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if strings.TrimSpace(line) == QuitCommand {
				return nil
			}
			msg := Message{UserID: c.userID, Destination: ConsoleDestination, Text: line}
			if err := h.Handle(ctx, msg); err != nil {
				c.logger.Error("handling message", "error", err)
			}
		}
	}
}

func (c *Console) prompt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	color.New(color.FgGreen).Fprint(c.out, "you> ")
}

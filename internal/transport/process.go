// ABOUTME: Process agent transport: one long-running CLI process per user speaking stream-json
// ABOUTME: Turns are written to stdin as JSON lines; stdout lines are parsed into stream events

package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/2389/coven-relay/internal/agent"
)

// ErrToolsUnsupported is returned by SendToolResult on process connections;
// the CLI runs its own tools.
var ErrToolsUnsupported = errors.New("process transport does not relay tool calls")

// Process defaults.
const (
	DefaultCommand        = "claude"
	DefaultPermissionMode = "bypassPermissions"
	DefaultGracePeriod    = 5 * time.Second
	// Tool results embedded in assistant messages can carry whole files.
	DefaultMaxLineSize = 16 * 1024 * 1024
)

// UserEnvVar carries the chat user ID into the agent process environment.
const UserEnvVar = "COVEN_USER"

// ProcessConfig configures the process transport.
type ProcessConfig struct {
	Command        string
	Args           []string // appended after the stream-json flags
	WorkingDir     string
	PermissionMode string
	Env            []string
	GracePeriod    time.Duration // between SIGINT and kill on Close
	MaxLineSize    int           // longest stdout line accepted
	Logger         *slog.Logger
}

// Process implements agent.Transport by spawning an agent CLI per user.
type Process struct {
	cfg    ProcessConfig
	logger *slog.Logger
}

// NewProcess creates a Process transport, filling defaults.
func NewProcess(cfg ProcessConfig) *Process {
	if cfg.Command == "" {
		cfg.Command = DefaultCommand
	}
	if cfg.PermissionMode == "" {
		cfg.PermissionMode = DefaultPermissionMode
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.MaxLineSize <= 0 {
		cfg.MaxLineSize = DefaultMaxLineSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{cfg: cfg, logger: logger.With("component", "process-transport")}
}

func (p *Process) arguments() []string {
	args := []string{
		"--print",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--permission-mode", p.cfg.PermissionMode,
	}
	return append(args, p.cfg.Args...)
}

// Connect starts the user's agent process.
func (p *Process) Connect(ctx context.Context, userID string) (agent.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Not CommandContext: the process belongs to the connection, not the turn.
	cmd := exec.Command(p.cfg.Command, p.arguments()...)
	cmd.Dir = p.cfg.WorkingDir
	cmd.Stderr = os.Stderr
	cmd.Env = append(append(os.Environ(), p.cfg.Env...), UserEnvVar+"="+userID)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("starting %s: %w", p.cfg.Command, err)
	}

	conn := &processConn{
		cmd:     cmd,
		stdin:   stdin,
		grace:   p.cfg.GracePeriod,
		maxLine: p.cfg.MaxLineSize,
		inbox:   make(chan processEvent, 16),
		closed:  make(chan struct{}),
		exited:  make(chan struct{}),
		logger:  p.logger.With("user_id", userID, "pid", cmd.Process.Pid),
	}
	go conn.readLoop(stdout)

	conn.logger.Info("agent process started", "command", p.cfg.Command)
	return conn, nil
}

type processEvent struct {
	event agent.StreamEvent
	err   error
}

type processConn struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	grace     time.Duration
	maxLine   int
	inbox     chan processEvent
	closed    chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex
	logger    *slog.Logger
}

func (c *processConn) deliver(in processEvent) bool {
	select {
	case c.inbox <- in:
		return true
	case <-c.closed:
		return false
	}
}

// readLoop parses stdout until EOF, then reaps the process. Unreadable
// output kills the process so nothing stays blocked on the pipe.
func (c *processConn) readLoop(stdout io.Reader) {
	defer close(c.exited)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, min(64*1024, c.maxLine)), c.maxLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		event, ok, err := parseStreamLine(line)
		if err != nil {
			c.logger.Debug("skipping malformed output line", "error", err)
			continue
		}
		if !ok {
			continue
		}
		if !c.deliver(processEvent{event: event}) {
			break
		}
	}

	if readErr := scanner.Err(); readErr != nil {
		c.logger.Error("agent output unreadable, killing process", "error", readErr)
		if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			c.logger.Debug("kill failed", "error", err)
		}
		c.deliver(processEvent{err: fmt.Errorf("reading agent output: %w", readErr)})
		c.logger.Info("agent process exited", "error", c.cmd.Wait())
		return
	}

	waitErr := c.cmd.Wait()
	c.logger.Info("agent process exited", "error", waitErr)
	c.deliver(processEvent{err: fmt.Errorf("agent process exited: %w", io.ErrUnexpectedEOF)})
}

// SendTurn implements agent.Conn.
func (c *processConn) SendTurn(ctx context.Context, turnID, text string) error {
	line, err := userLine(text)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(line); err != nil {
		return fmt.Errorf("writing turn %s: %w", turnID, err)
	}
	return nil
}

// Next implements agent.Conn.
func (c *processConn) Next(ctx context.Context) (agent.StreamEvent, error) {
	select {
	case in := <-c.inbox:
		return in.event, in.err
	case <-ctx.Done():
		return agent.StreamEvent{}, ctx.Err()
	case <-c.closed:
		return agent.StreamEvent{}, errors.New("process connection closed")
	}
}

// SendToolResult implements agent.Conn.
func (c *processConn) SendToolResult(ctx context.Context, result agent.ToolResult) error {
	return ErrToolsUnsupported
}

// Close implements agent.Conn. It closes stdin, interrupts the process and
// kills it if it has not exited within the grace period.
func (c *processConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		c.writeMu.Lock()
		err = c.stdin.Close()
		c.writeMu.Unlock()

		if c.cmd.Process == nil {
			return
		}
		_ = c.cmd.Process.Signal(syscall.SIGINT)

		timer := time.NewTimer(c.grace)
		defer timer.Stop()
		select {
		case <-c.exited:
			return
		case <-timer.C:
		}

		c.logger.Warn("agent process ignored interrupt, killing")
		if killErr := c.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			err = errors.Join(err, killErr)
		}
		select {
		case <-c.exited:
		case <-time.After(c.grace):
		}
	})
	return err
}

type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type userMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string      `json:"role"`
		Content []textBlock `json:"content"`
	} `json:"message"`
}

func userLine(text string) ([]byte, error) {
	var msg userMessage
	msg.Type = "user"
	msg.Message.Role = "user"
	msg.Message.Content = []textBlock{{Type: "text", Text: text}}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding turn: %w", err)
	}
	return append(data, '\n'), nil
}

// streamLine is the subset of a stream-json output line the relay reads.
type streamLine struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype"`
	Message json.RawMessage `json:"message"`
	Result  string          `json:"result"`
	IsError bool            `json:"is_error"`
}

// parseStreamLine converts one stdout line into a stream event. ok is false
// for lines that carry nothing for the turn (system, user echoes, tool use).
func parseStreamLine(line []byte) (event agent.StreamEvent, ok bool, err error) {
	var envelope streamLine
	if err := json.Unmarshal(line, &envelope); err != nil {
		return agent.StreamEvent{}, false, fmt.Errorf("parsing stream-json line: %w", err)
	}

	switch envelope.Type {
	case "assistant":
		var msg struct {
			Content []textBlock `json:"content"`
		}
		if len(envelope.Message) > 0 {
			if err := json.Unmarshal(envelope.Message, &msg); err != nil {
				return agent.StreamEvent{}, false, fmt.Errorf("parsing assistant message: %w", err)
			}
		}
		var texts []string
		for _, block := range msg.Content {
			if block.Type == "text" && block.Text != "" {
				texts = append(texts, block.Text)
			}
		}
		if len(texts) == 0 {
			return agent.StreamEvent{}, false, nil
		}
		return agent.TextEvent(strings.Join(texts, "\n")), true, nil

	case "result":
		if envelope.IsError {
			message := envelope.Result
			if message == "" {
				message = envelope.Subtype
			}
			return agent.ErrorEvent(message), true, nil
		}
		return agent.ResultEvent(envelope.Result), true, nil

	default:
		return agent.StreamEvent{}, false, nil
	}
}

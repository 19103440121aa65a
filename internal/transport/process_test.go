// ABOUTME: Tests for the stream-json process transport
// ABOUTME: Covers line parsing and a full turn against a shell script standing in for the CLI

package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/agent"
)

func TestParseStreamLine(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		want   agent.StreamEvent
		wantOK bool
	}{
		{
			name:   "assistant text",
			line:   `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Hello"}]}}`,
			want:   agent.TextEvent("Hello"),
			wantOK: true,
		},
		{
			name:   "assistant multiple text blocks",
			line:   `{"type":"assistant","message":{"content":[{"type":"text","text":"one"},{"type":"tool_use","name":"Read"},{"type":"text","text":"two"}]}}`,
			want:   agent.TextEvent("one\ntwo"),
			wantOK: true,
		},
		{
			name: "assistant tool use only",
			line: `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"ls"}}]}}`,
		},
		{
			name:   "successful result",
			line:   `{"type":"result","subtype":"success","is_error":false,"result":"All done"}`,
			want:   agent.ResultEvent("All done"),
			wantOK: true,
		},
		{
			name:   "error result",
			line:   `{"type":"result","subtype":"error_during_execution","is_error":true,"result":"rate limited"}`,
			want:   agent.ErrorEvent("rate limited"),
			wantOK: true,
		},
		{
			name:   "error result without text falls back to subtype",
			line:   `{"type":"result","subtype":"error_max_turns","is_error":true}`,
			want:   agent.ErrorEvent("error_max_turns"),
			wantOK: true,
		},
		{
			name: "system init",
			line: `{"type":"system","subtype":"init","session_id":"abc"}`,
		},
		{
			name: "user echo with string content",
			line: `{"type":"user","message":{"role":"user","content":"tool output"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := parseStreamLine([]byte(tt.line))
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestParseStreamLineMalformed(t *testing.T) {
	_, ok, err := parseStreamLine([]byte(`{not json`))
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestUserLine(t *testing.T) {
	line, err := userLine("hi there")
	require.NoError(t, err)
	require.Equal(t, byte('\n'), line[len(line)-1])

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(line, &decoded))
	assert.Equal(t, "user", decoded["type"])

	msg := decoded["message"].(map[string]any)
	assert.Equal(t, "user", msg["role"])
	content := msg["content"].([]any)
	require.Len(t, content, 1)
	assert.Equal(t, map[string]any{"type": "text", "text": "hi there"}, content[0])
}

func TestProcessArguments(t *testing.T) {
	p := NewProcess(ProcessConfig{Args: []string{"--model", "sonnet"}})
	assert.Equal(t, []string{
		"--print",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--permission-mode", DefaultPermissionMode,
		"--model", "sonnet",
	}, p.arguments())
}

// fakeCLI writes a script that answers every stdin line with one assistant
// message and a result, echoing the user from the environment.
func fakeCLI(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}

	script := `#!/bin/sh
while IFS= read -r line; do
  printf '%s\n' '{"type":"system","subtype":"init"}'
  printf '{"type":"assistant","message":{"content":[{"type":"text","text":"hello %s"}]}}\n' "$COVEN_USER"
  printf '%s\n' '{"type":"result","subtype":"success","is_error":false,"result":"done"}'
done
`
	path := filepath.Join(t.TempDir(), "fake-cli")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestProcessTurn(t *testing.T) {
	p := NewProcess(ProcessConfig{
		Command:     fakeCLI(t),
		WorkingDir:  t.TempDir(),
		GracePeriod: time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool := agent.NewPool(p, nil)
	defer pool.Close()
	d := agent.NewDispatcher(pool, nil, nil)

	out, err := d.Turn(ctx, "alice", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello alice\ndone", out)

	out, err = d.Turn(ctx, "alice", "again")
	require.NoError(t, err)
	assert.Equal(t, "hello alice\ndone", out)
	assert.Equal(t, 1, pool.Len())
}

func TestProcessExitSurfacesAsError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "exits")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	p := NewProcess(ProcessConfig{Command: path, GracePeriod: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := p.Connect(ctx, "bob")
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Next(ctx)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestProcessOversizedLineFailsFast(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	// Prints one line past the limit, then blocks on stdin.
	script := "#!/bin/sh\nhead -c 200000 /dev/zero | tr '\\000' a\necho\ncat\n"
	path := filepath.Join(t.TempDir(), "long-line")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))

	p := NewProcess(ProcessConfig{Command: path, MaxLineSize: 4096, GracePeriod: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := p.Connect(ctx, "dave")
	require.NoError(t, err)

	start := time.Now()
	_, err = conn.Next(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, bufio.ErrTooLong)
	assert.NoError(t, ctx.Err())
	assert.Less(t, time.Since(start), 5*time.Second)

	// The process is already gone, so Close does not wait out the grace period.
	start = time.Now()
	_ = conn.Close()
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestProcessToolResultUnsupported(t *testing.T) {
	p := NewProcess(ProcessConfig{Command: fakeCLI(t), GracePeriod: time.Second})

	conn, err := p.Connect(context.Background(), "carol")
	require.NoError(t, err)
	defer conn.Close()

	err = conn.SendToolResult(context.Background(), agent.TextResult("x"))
	assert.True(t, errors.Is(err, ErrToolsUnsupported))
}

func TestProcessCloseStopsProcess(t *testing.T) {
	p := NewProcess(ProcessConfig{Command: fakeCLI(t), GracePeriod: time.Second})

	conn, err := p.Connect(context.Background(), "dave")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = conn.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	pc := conn.(*processConn)
	select {
	case <-pc.exited:
	default:
		t.Fatal("process still running after Close")
	}

	// Close is idempotent.
	assert.NotPanics(t, func() { _ = conn.Close() })
}

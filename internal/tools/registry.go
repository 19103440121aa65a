// ABOUTME: Registry of client-side capabilities the agent may call mid-turn.
// ABOUTME: Implements agent.ToolInvoker; unknown tools become recoverable error results.

package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/coven-relay/internal/agent"
)

// ErrDuplicateTool indicates a tool with the same name is already registered.
var ErrDuplicateTool = errors.New("tool already registered")

// Tool is one capability exposed to the agent.
type Tool interface {
	Name() string
	Description() string
	Call(ctx context.Context, input map[string]any) (agent.ToolResult, error)
}

// Registry dispatches tool calls by name.
type Registry struct {
	tools  map[string]Tool
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool. Returns ErrDuplicateTool if the name is taken.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, tool.Name())
	}
	r.tools[tool.Name()] = tool
	return nil
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke implements agent.ToolInvoker.
func (r *Registry) Invoke(ctx context.Context, call agent.ToolCall) (agent.ToolResult, error) {
	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("agent called unknown tool", "tool", call.Name, "call_id", call.ID)
		return agent.ErrorResult(fmt.Sprintf("Unknown tool: %s", call.Name)), nil
	}

	input := call.Input
	if input == nil {
		input = map[string]any{}
	}
	return tool.Call(ctx, input)
}

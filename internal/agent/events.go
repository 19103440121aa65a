// ABOUTME: Stream event union produced by an agent while it processes a turn.
// ABOUTME: Also defines the tool call/result payloads exchanged mid-turn.

package agent

import "strings"

// EventKind indicates the type of a StreamEvent.
type EventKind int

const (
	EventText     EventKind = iota // assistant text fragment
	EventResult                    // terminal success, optional summary text
	EventError                     // terminal failure reported by the agent
	EventToolCall                  // agent wants a client-side capability run
)

// String returns the wire name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventResult:
		return "result"
	case EventError:
		return "error"
	case EventToolCall:
		return "tool_call"
	default:
		return "unknown"
	}
}

// StreamEvent is one unit of output from the agent within a turn.
type StreamEvent struct {
	Kind     EventKind
	Text     string    // EventText, EventResult
	Message  string    // EventError
	ToolCall *ToolCall // EventToolCall
}

// TextEvent builds an EventText.
func TextEvent(text string) StreamEvent {
	return StreamEvent{Kind: EventText, Text: text}
}

// ResultEvent builds an EventResult. An empty text means no summary.
func ResultEvent(text string) StreamEvent {
	return StreamEvent{Kind: EventResult, Text: text}
}

// ErrorEvent builds an EventError.
func ErrorEvent(message string) StreamEvent {
	return StreamEvent{Kind: EventError, Message: message}
}

// ToolCallEvent builds an EventToolCall.
func ToolCallEvent(call ToolCall) StreamEvent {
	return StreamEvent{Kind: EventToolCall, ToolCall: &call}
}

// ToolCall represents a capability invocation requested by the agent.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// ContentBlock is one piece of tool output.
type ContentBlock struct {
	Type string
	Text string
}

// ToolResult is returned to the agent after a ToolCall. IsError marks a
// recoverable failure the conversation should see; the turn continues.
type ToolResult struct {
	CallID  string
	Content []ContentBlock
	IsError bool
}

// TextResult builds a successful single-text ToolResult.
func TextResult(text string) ToolResult {
	return ToolResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

// ErrorResult builds a recoverable failed ToolResult.
func ErrorResult(text string) ToolResult {
	return ToolResult{Content: []ContentBlock{{Type: "text", Text: text}}, IsError: true}
}

// Text concatenates the text blocks of the result.
func (r ToolResult) Text() string {
	parts := make([]string, 0, len(r.Content))
	for _, block := range r.Content {
		parts = append(parts, block.Text)
	}
	return strings.Join(parts, "\n")
}

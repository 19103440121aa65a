// ABOUTME: Wire envelopes for the Converse stream, carried as protobuf Struct messages
// ABOUTME: Encodes client requests and decodes agent replies into stream events

package transport

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/coven-relay/internal/agent"
)

// Envelope types exchanged on the Converse stream.
const (
	TypeHello      = "hello"
	TypeReady      = "ready"
	TypeTurn       = "turn"
	TypeText       = "text"
	TypeResult     = "result"
	TypeError      = "error"
	TypeToolCall   = "tool_call"
	TypeToolResult = "tool_result"
)

func envelopeType(msg *structpb.Struct) string {
	return msg.GetFields()["type"].GetStringValue()
}

func stringField(msg *structpb.Struct, name string) string {
	return msg.GetFields()[name].GetStringValue()
}

func boolField(msg *structpb.Struct, name string) bool {
	return msg.GetFields()[name].GetBoolValue()
}

func newEnvelope(kind string, fields map[string]any) (*structpb.Struct, error) {
	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["type"] = kind

	msg, err := structpb.NewStruct(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", kind, err)
	}
	return msg, nil
}

func helloEnvelope(userID string) (*structpb.Struct, error) {
	return newEnvelope(TypeHello, map[string]any{"user_id": userID})
}

func turnEnvelope(turnID, text string) (*structpb.Struct, error) {
	return newEnvelope(TypeTurn, map[string]any{"turn_id": turnID, "text": text})
}

func toolResultEnvelope(result agent.ToolResult) (*structpb.Struct, error) {
	content := make([]any, 0, len(result.Content))
	for _, block := range result.Content {
		kind := block.Type
		if kind == "" {
			kind = "text"
		}
		content = append(content, map[string]any{"type": kind, "text": block.Text})
	}
	return newEnvelope(TypeToolResult, map[string]any{
		"call_id":  result.CallID,
		"is_error": result.IsError,
		"content":  content,
	})
}

func decodeToolResult(msg *structpb.Struct) agent.ToolResult {
	result := agent.ToolResult{
		CallID:  stringField(msg, "call_id"),
		IsError: boolField(msg, "is_error"),
	}
	for _, v := range msg.GetFields()["content"].GetListValue().GetValues() {
		block := v.GetStructValue()
		result.Content = append(result.Content, agent.ContentBlock{
			Type: stringField(block, "type"),
			Text: stringField(block, "text"),
		})
	}
	return result
}

// decodeEvent converts an agent envelope into a stream event. ok is false
// for envelopes that carry no turn event.
func decodeEvent(msg *structpb.Struct) (event agent.StreamEvent, ok bool) {
	switch envelopeType(msg) {
	case TypeText:
		return agent.TextEvent(stringField(msg, "text")), true
	case TypeResult:
		return agent.ResultEvent(stringField(msg, "text")), true
	case TypeError:
		return agent.ErrorEvent(stringField(msg, "message")), true
	case TypeToolCall:
		return agent.ToolCallEvent(agent.ToolCall{
			ID:    stringField(msg, "call_id"),
			Name:  stringField(msg, "name"),
			Input: msg.GetFields()["input"].GetStructValue().AsMap(),
		}), true
	default:
		return agent.StreamEvent{}, false
	}
}

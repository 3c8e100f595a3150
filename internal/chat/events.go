package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Upstream event names.
const (
	EventConversationIDSet = "conversation_id_set"
	EventReasoning         = "reasoning"
	EventToolCall          = "tool_call"
	EventToolProgress      = "tool_progress"
	EventToolResult        = "tool_result"
	EventMessageChunk      = "message_chunk"
	EventError             = "error"
)

// event is the canonical payload of every upstream frame. Fields that do
// not apply to a given event type stay zero.
type event struct {
	ConversationID string            `json:"conversation_id"`
	Reasoning      string            `json:"reasoning"`
	ToolCallID     string            `json:"tool_call_id"`
	ToolID         string            `json:"tool_id"`
	Params         json.RawMessage   `json:"params"`
	Results        []json.RawMessage `json:"results"`
	Message        string            `json:"message"`
	TextChunk      string            `json:"text_chunk"`

	raw json.RawMessage
}

// decodeEvent parses a frame payload. Upstreams send the fields either at
// the top level or under a "data" envelope; both decode to the same event.
func decodeEvent(payload string) (event, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return event{}, fmt.Errorf("decode event payload: %w", err)
	}

	body := json.RawMessage(payload)
	if inner, ok := envelope["data"]; ok {
		trimmed := bytes.TrimSpace(inner)
		if len(trimmed) > 0 && trimmed[0] == '{' {
			body = trimmed
		}
	}

	var ev event
	if err := json.Unmarshal(body, &ev); err != nil {
		return event{}, fmt.Errorf("decode event body: %w", err)
	}
	ev.raw = body
	return ev, nil
}

// resultsHaveError reports whether any tool result is tagged "type":"error".
func resultsHaveError(results []json.RawMessage) bool {
	for _, r := range results {
		var tagged struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(r, &tagged); err != nil {
			continue
		}
		if tagged.Type == "error" {
			return true
		}
	}
	return false
}

// indentJSON pretty-prints raw for error details, falling back to the input.
func indentJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

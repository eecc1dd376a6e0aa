package proxy

import (
	"encoding/json"

	"github.com/vachhanidhyey/llm-intercept/internal/reconstruct"
)

// ChatRequest is the inbound chat-completion payload. Sampling parameters are
// pointers so an absent field, a zero, and a null stay distinguishable; tool
// and function declarations ride through as raw JSON so shapes this proxy has
// never seen still survive the round trip.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	Functions        json.RawMessage `json:"functions,omitempty"`
	FunctionCall     json.RawMessage `json:"function_call,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
}

// Message keeps content as raw JSON: it can be a string, null, or a list of
// typed parts depending on the client.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// finalMessagesJSON renders the conversation to persist: the inbound messages
// plus the reconstructed assistant turn when there is one. The inbound slice
// is never mutated.
func finalMessagesJSON(messages []Message, turn *reconstruct.AssistantTurn) string {
	items := make([]any, 0, len(messages)+1)
	for i := range messages {
		items = append(items, messages[i])
	}
	if turn != nil {
		items = append(items, turn)
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

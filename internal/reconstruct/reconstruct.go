// Package reconstruct rebuilds complete assistant turns from upstream
// chat-completion responses, both unary JSON bodies and accumulated SSE
// streams. Reconstruction is best effort: anything unparseable yields a nil
// turn rather than an error, so a malformed response never fails an exchange.
package reconstruct

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
)

// AssistantTurn is the reassembled message a client would append to its
// conversation history.
type AssistantTurn struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type unaryResponse struct {
	Choices []struct {
		Message struct {
			Role      string     `json:"role"`
			Content   *string    `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

// FromUnary extracts the first choice's message from a non-streaming
// completion payload. It returns nil when the body has no usable choice.
func FromUnary(payload []byte) *AssistantTurn {
	var parsed unaryResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		slog.Debug("unparseable completion payload", "error", err)
		return nil
	}
	if len(parsed.Choices) == 0 {
		return nil
	}

	message := parsed.Choices[0].Message
	turn := &AssistantTurn{Role: message.Role}
	if turn.Role == "" {
		turn.Role = "assistant"
	}
	if message.Content != nil {
		turn.Content = *message.Content
	}
	if len(message.ToolCalls) > 0 {
		turn.ToolCalls = append(turn.ToolCalls, message.ToolCalls...)
	}
	return turn
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Role      string          `json:"role"`
			Content   string          `json:"content"`
			ToolCalls []toolCallDelta `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
}

// toolCallDelta is one fragment of a tool invocation. Streaming responses
// announce id/type/name in the first fragment for an index and spread the
// arguments string across later fragments.
type toolCallDelta struct {
	Index    *int   `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// FromStream reassembles an assistant turn from accumulated SSE bytes. Data
// payloads are parsed individually: content fragments concatenate in arrival
// order and tool call fragments merge by their index field. Unparseable
// fragments and the [DONE] sentinel are skipped. Returns nil when the stream
// contributed neither content nor tool calls.
func FromStream(raw []byte) *AssistantTurn {
	var content strings.Builder
	calls := map[int]*ToolCall{}

	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			slog.Debug("unparseable stream fragment", "error", err)
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		content.WriteString(delta.Content)
		for _, fragment := range delta.ToolCalls {
			if fragment.Index == nil {
				continue
			}
			call, ok := calls[*fragment.Index]
			if !ok {
				call = &ToolCall{}
				calls[*fragment.Index] = call
			}
			if fragment.ID != "" {
				call.ID = fragment.ID
			}
			if fragment.Type != "" {
				call.Type = fragment.Type
			}
			if fragment.Function.Name != "" {
				call.Function.Name = fragment.Function.Name
			}
			call.Function.Arguments += fragment.Function.Arguments
		}
	}

	if content.Len() == 0 && len(calls) == 0 {
		return nil
	}

	turn := &AssistantTurn{Role: "assistant", Content: content.String()}
	if len(calls) > 0 {
		indexes := make([]int, 0, len(calls))
		for index := range calls {
			indexes = append(indexes, index)
		}
		sort.Ints(indexes)
		for _, index := range indexes {
			turn.ToolCalls = append(turn.ToolCalls, *calls[index])
		}
	}
	return turn
}

package reconstruct

import (
	"strings"
	"testing"
)

func TestFromUnaryBasicMessage(t *testing.T) {
	t.Parallel()

	payload := []byte(`{
		"id": "chatcmpl-1",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hello there"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 5, "completion_tokens": 3}
	}`)

	turn := FromUnary(payload)
	if turn == nil {
		t.Fatal("FromUnary() returned nil for a valid payload")
	}
	if turn.Role != "assistant" {
		t.Errorf("Role=%q, want assistant", turn.Role)
	}
	if turn.Content != "Hello there" {
		t.Errorf("Content=%q, want %q", turn.Content, "Hello there")
	}
	if len(turn.ToolCalls) != 0 {
		t.Errorf("ToolCalls=%v, want none", turn.ToolCalls)
	}
}

func TestFromUnaryNullContentWithToolCalls(t *testing.T) {
	t.Parallel()

	payload := []byte(`{
		"choices": [{"message": {
			"role": "assistant",
			"content": null,
			"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "get_weather", "arguments": "{\"city\":\"Paris\"}"}}]
		}}]
	}`)

	turn := FromUnary(payload)
	if turn == nil {
		t.Fatal("FromUnary() returned nil")
	}
	if turn.Content != "" {
		t.Errorf("Content=%q, want empty for null content", turn.Content)
	}
	if len(turn.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(turn.ToolCalls))
	}
	call := turn.ToolCalls[0]
	if call.ID != "call_1" || call.Function.Name != "get_weather" {
		t.Errorf("tool call=%+v, want call_1/get_weather", call)
	}
	if call.Function.Arguments != `{"city":"Paris"}` {
		t.Errorf("Arguments=%q", call.Function.Arguments)
	}
}

func TestFromUnaryRejectsUnusable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
	}{
		{name: "empty object", payload: `{}`},
		{name: "empty choices", payload: `{"choices": []}`},
		{name: "not json", payload: `<html>bad gateway</html>`},
		{name: "empty body", payload: ``},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if turn := FromUnary([]byte(tc.payload)); turn != nil {
				t.Fatalf("FromUnary(%q)=%+v, want nil", tc.payload, turn)
			}
		})
	}
}

func TestFromStreamConcatenatesContent(t *testing.T) {
	t.Parallel()

	raw := strings.Join([]string{
		`data: {"choices":[{"delta":{"role":"assistant","content":"a"}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":"b"}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":"c"}}]}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	turn := FromStream([]byte(raw))
	if turn == nil {
		t.Fatal("FromStream() returned nil")
	}
	if turn.Role != "assistant" {
		t.Errorf("Role=%q, want assistant", turn.Role)
	}
	if turn.Content != "abc" {
		t.Errorf("Content=%q, want abc", turn.Content)
	}
}

func TestFromStreamMergesToolCallFragments(t *testing.T) {
	t.Parallel()

	raw := strings.Join([]string{
		`data: {"choices":[{"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Tokyo\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_2","type":"function","function":{"name":"get_time","arguments":"{}"}}]}}]}`,
		`data: [DONE]`,
	}, "\n\n")

	turn := FromStream([]byte(raw))
	if turn == nil {
		t.Fatal("FromStream() returned nil")
	}
	if len(turn.ToolCalls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(turn.ToolCalls))
	}

	first := turn.ToolCalls[0]
	if first.ID != "call_1" || first.Function.Name != "get_weather" {
		t.Errorf("first call=%+v", first)
	}
	if first.Function.Arguments != `{"city":"Tokyo"}` {
		t.Errorf("merged arguments=%q, want %q", first.Function.Arguments, `{"city":"Tokyo"}`)
	}

	second := turn.ToolCalls[1]
	if second.ID != "call_2" || second.Function.Name != "get_time" || second.Function.Arguments != "{}" {
		t.Errorf("second call=%+v", second)
	}
}

func TestFromStreamSkipsMalformedFragments(t *testing.T) {
	t.Parallel()

	raw := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"keep "}}]}`,
		`data: {this is not json`,
		`: comment line`,
		`event: ping`,
		`data: {"choices":[{"delta":{"content":"going"}}]}`,
		`data: [DONE]`,
	}, "\n\n")

	turn := FromStream([]byte(raw))
	if turn == nil {
		t.Fatal("FromStream() returned nil")
	}
	if turn.Content != "keep going" {
		t.Errorf("Content=%q, want %q", turn.Content, "keep going")
	}
}

func TestFromStreamIgnoresErrorEvents(t *testing.T) {
	t.Parallel()

	raw := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"partial"}}]}`,
		`data: {"error": {"message": "upstream connection reset"}}`,
	}, "\n\n")

	turn := FromStream([]byte(raw))
	if turn == nil {
		t.Fatal("FromStream() returned nil")
	}
	if turn.Content != "partial" {
		t.Errorf("Content=%q, want partial", turn.Content)
	}
}

func TestFromStreamEmpty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{name: "no bytes", raw: ""},
		{name: "only done", raw: "data: [DONE]\n\n"},
		{name: "only deltas without payload", raw: `data: {"choices":[{"delta":{}}]}` + "\n\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if turn := FromStream([]byte(tc.raw)); turn != nil {
				t.Fatalf("FromStream(%q)=%+v, want nil", tc.raw, turn)
			}
		})
	}
}

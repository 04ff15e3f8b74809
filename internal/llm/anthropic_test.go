package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestConvertToAnthropic(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "Be concise."},
		{Role: "user", Content: "Hello!"},
		{Role: "assistant", Content: "Hi there!"},
		{Role: "user", Content: "List the files."},
	}

	result, system := convertToAnthropic(messages)

	if system != "Be concise." {
		t.Errorf("expected system prompt extracted, got %q", system)
	}
	if len(result) != 3 {
		t.Fatalf("expected 3 messages (no system), got %d", len(result))
	}
	if result[0].Role != "user" {
		t.Errorf("expected first message to be user, got %s", result[0].Role)
	}
}

func TestConvertToAnthropicWithToolCalls(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: "Read the notes file."},
		{
			Role: "assistant",
			ToolCalls: []ToolCall{{
				ID:        "toolu_abc123",
				Name:      "read_file",
				Arguments: map[string]any{"path": "/notes.txt"},
			}},
		},
		{Role: "tool", Content: "     1\thello", ToolCallID: "toolu_abc123"},
	}

	result, _ := convertToAnthropic(messages)
	if len(result) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(result))
	}

	assistantContent, ok := result[1].Content.([]anthropicContent)
	if !ok {
		t.Fatal("expected assistant content to be []anthropicContent")
	}
	if len(assistantContent) != 1 || assistantContent[0].Type != "tool_use" {
		t.Fatalf("expected one tool_use block, got %+v", assistantContent)
	}
	if assistantContent[0].ID != "toolu_abc123" || assistantContent[0].Name != "read_file" {
		t.Errorf("tool_use block = %+v", assistantContent[0])
	}

	toolResult, ok := result[2].Content.([]anthropicContent)
	if !ok {
		t.Fatal("expected tool result content to be []anthropicContent")
	}
	if toolResult[0].Type != "tool_result" || toolResult[0].ToolUseID != "toolu_abc123" {
		t.Errorf("tool_result block = %+v", toolResult[0])
	}
	// Tool results travel on the user role.
	if result[2].Role != "user" {
		t.Errorf("tool result role = %s", result[2].Role)
	}
}

func TestConvertToAnthropicFabricatesToolIDs(t *testing.T) {
	messages := []Message{
		{
			Role:      "assistant",
			ToolCalls: []ToolCall{{Name: "ls", Arguments: map[string]any{}}},
		},
	}
	result, _ := convertToAnthropic(messages)
	blocks := result[0].Content.([]anthropicContent)
	if blocks[0].ID == "" {
		t.Error("expected a fabricated tool_use ID")
	}
}

func TestConvertToolsToAnthropic(t *testing.T) {
	tools := []map[string]any{
		{
			"type": "function",
			"function": map[string]any{
				"name":        "glob",
				"description": "Find files by pattern",
				"parameters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"pattern": map[string]any{"type": "string"},
					},
					"required": []string{"pattern"},
				},
			},
		},
	}

	result := convertToolsToAnthropic(tools)
	if len(result) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(result))
	}
	if result[0].Name != "glob" || result[0].Description != "Find files by pattern" {
		t.Errorf("tool = %+v", result[0])
	}
}

func TestConvertFromAnthropic(t *testing.T) {
	resp := &anthropicResponse{
		Role:       "assistant",
		Model:      "claude-sonnet-4-20250514",
		StopReason: "tool_use",
		Content: []anthropicContent{
			{Type: "text", Text: "Let me check."},
			{Type: "tool_use", ID: "toolu_1", Name: "ls", Input: map[string]any{"path": "/"}},
		},
		Usage: anthropicUsage{InputTokens: 10, OutputTokens: 5},
	}

	got := convertFromAnthropic(resp)
	if got.Message.Content != "Let me check." {
		t.Errorf("content = %q", got.Message.Content)
	}
	if len(got.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", got.Message.ToolCalls)
	}
	tc := got.Message.ToolCalls[0]
	if tc.ID != "toolu_1" || tc.Name != "ls" || tc.Arguments["path"] != "/" {
		t.Errorf("tool call = %+v", tc)
	}
	if got.StopReason != "tool_use" || got.InputTokens != 10 || got.OutputTokens != 5 {
		t.Errorf("metadata = %+v", got)
	}
}

const anthropicSSEFixture = `event: message_start
data: {"type":"message_start","message":{"model":"claude-sonnet-4-20250514","usage":{"input_tokens":25,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: content_block_start
data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_xyz","name":"read_file"}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"/x.txt\"}"}}

event: content_block_stop
data: {"type":"content_block_stop","index":1}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":12}}

event: message_stop
data: {"type":"message_stop"}

`

func TestAnthropicChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing version header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(anthropicSSEFixture))
	}))
	defer srv.Close()

	c := NewAnthropicClient("test-key", nil, WithAnthropicBaseURL(srv.URL))

	var tokens []string
	var toolCalls []ToolCall
	var done bool
	resp, err := c.ChatStream(context.Background(), "claude-sonnet-4-20250514",
		[]Message{{Role: "user", Content: "hi"}}, nil,
		func(ev StreamEvent) {
			switch ev.Kind {
			case KindToken:
				tokens = append(tokens, ev.Token)
			case KindToolCall:
				toolCalls = append(toolCalls, *ev.ToolCall)
			case KindDone:
				done = true
			}
		})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if resp.Message.Content != "Hello world" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if len(tokens) != 2 || tokens[0] != "Hello" {
		t.Errorf("tokens = %v", tokens)
	}
	if len(toolCalls) != 1 || toolCalls[0].ID != "toolu_xyz" || toolCalls[0].Arguments["path"] != "/x.txt" {
		t.Errorf("tool calls = %+v", toolCalls)
	}
	if !done {
		t.Error("expected a done event")
	}
	if resp.StopReason != "tool_use" || resp.InputTokens != 25 || resp.OutputTokens != 12 {
		t.Errorf("metadata = %+v", resp)
	}
}

func TestAnthropicChatError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"type":"overloaded_error"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewAnthropicClient("test-key", nil, WithAnthropicBaseURL(srv.URL))
	_, err := c.Chat(context.Background(), "claude-sonnet-4-20250514",
		[]Message{{Role: "user", Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected error on 503")
	}
}

package llm

import (
	"context"
	"testing"
)

// stubClient records which model it was asked for.
type stubClient struct {
	name      string
	lastModel string
}

func (s *stubClient) Chat(_ context.Context, model string, _ []Message, _ []map[string]any) (*ChatResponse, error) {
	s.lastModel = model
	return &ChatResponse{Model: model, Message: Message{Role: "assistant", Content: s.name}}, nil
}

func (s *stubClient) ChatStream(ctx context.Context, model string, msgs []Message, tools []map[string]any, _ StreamCallback) (*ChatResponse, error) {
	return s.Chat(ctx, model, msgs, tools)
}

func (s *stubClient) Ping(context.Context) error { return nil }

func TestMultiClientRouting(t *testing.T) {
	ctx := context.Background()
	anthropic := &stubClient{name: "anthropic"}
	ollama := &stubClient{name: "ollama"}

	m := NewMultiClient(ollama)
	m.AddProvider("anthropic", anthropic)
	m.AddProvider("ollama", ollama)
	m.AddModel("claude-sonnet-4-20250514", "anthropic")

	resp, err := m.Chat(ctx, "claude-sonnet-4-20250514", nil, nil)
	if err != nil || resp.Message.Content != "anthropic" {
		t.Errorf("routed to %q, err %v", resp.Message.Content, err)
	}

	// Unknown models land on the fallback.
	resp, err = m.Chat(ctx, "qwen3", nil, nil)
	if err != nil || resp.Message.Content != "ollama" {
		t.Errorf("fallback routed to %q, err %v", resp.Message.Content, err)
	}
}

func TestMultiClientNoFallback(t *testing.T) {
	m := NewMultiClient(nil)
	if _, err := m.Chat(context.Background(), "unknown", nil, nil); err == nil {
		t.Error("expected error with no provider")
	}
	if err := m.Ping(context.Background()); err == nil {
		t.Error("expected ping error with no fallback")
	}
}

package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type stubClient struct {
	name    string
	pingErr error
	pings   int
}

func (s *stubClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return &ChatResponse{Model: model, Message: Message{Role: "assistant", Content: s.name}}, nil
}

func (s *stubClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, cb StreamCallback) (*ChatResponse, error) {
	return s.Chat(ctx, model, messages, tools)
}

func (s *stubClient) Ping(ctx context.Context) error {
	s.pings++
	return s.pingErr
}

func TestMultiClient_Routing(t *testing.T) {
	m := NewMultiClient(&stubClient{name: "fallback"})
	m.AddProvider("anthropic", &stubClient{name: "anthropic"})
	m.AddModel("claude-x", "anthropic")

	resp, err := m.Chat(context.Background(), "claude-x", nil, nil)
	if err != nil || resp.Message.Content != "anthropic" {
		t.Errorf("claude-x routed to %v (%v), want anthropic", resp, err)
	}
	resp, err = m.Chat(context.Background(), "llama", nil, nil)
	if err != nil || resp.Message.Content != "fallback" {
		t.Errorf("llama routed to %v (%v), want fallback", resp, err)
	}
}

func TestMultiClient_Serves(t *testing.T) {
	m := NewMultiClient(nil)
	m.AddProvider("ollama", &stubClient{})
	m.AddModel("llama", "ollama")
	m.AddModel("claude-x", "anthropic") // provider never registered

	if !m.Serves("llama") {
		t.Error("Serves(llama) = false, want true")
	}
	if m.Serves("claude-x") {
		t.Error("Serves(claude-x) = true with no anthropic provider")
	}
	if m.Serves("unknown") {
		t.Error("Serves(unknown) = true with no fallback")
	}
	if _, err := m.Chat(context.Background(), "claude-x", nil, nil); err == nil {
		t.Error("Chat on unserved model returned nil error")
	}
}

func TestMultiClient_PingChecksEachProviderOnce(t *testing.T) {
	ollama := &stubClient{name: "ollama"}
	anthropic := &stubClient{name: "anthropic", pingErr: errors.New("invalid API key")}
	m := NewMultiClient(ollama)
	m.AddProvider("ollama", ollama)
	m.AddProvider("anthropic", anthropic)

	err := m.Ping(context.Background())
	if err == nil || !strings.Contains(err.Error(), "anthropic: invalid API key") {
		t.Errorf("Ping = %v, want anthropic failure", err)
	}
	if ollama.pings != 1 || anthropic.pings != 1 {
		t.Errorf("pings = ollama %d, anthropic %d, want 1 each", ollama.pings, anthropic.pings)
	}

	if err := NewMultiClient(nil).Ping(context.Background()); err == nil {
		t.Error("Ping with no providers succeeded")
	}
}

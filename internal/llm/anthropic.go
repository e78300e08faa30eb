package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/skein/internal/httpkit"
)

const (
	anthropicBaseURL    = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicConfig configures an [AnthropicClient].
type AnthropicConfig struct {
	APIKey string

	// BaseURL is the API root. Default: https://api.anthropic.com.
	BaseURL string

	// MaxTokens caps each response. Default: 4096.
	MaxTokens int

	Logger *slog.Logger
}

// AnthropicClient talks to the Anthropic Messages API. Overloaded and
// rate-limited requests are retried before any token is streamed.
type AnthropicClient struct {
	apiKey      string
	messagesURL string
	modelsURL   string
	maxTokens   int
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewAnthropicClient creates a client.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("provider", "anthropic")
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = anthropicBaseURL
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	// Long prompts can keep the first header waiting well past the
	// shared default.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicClient{
		apiKey:      cfg.APIKey,
		messagesURL: base + "/v1/messages",
		modelsURL:   base + "/v1/models?limit=1",
		maxTokens:   maxTokens,
		logger:      logger,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0), // runs are bounded by ctx
			httpkit.WithTransport(t),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream,omitempty"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

// anthropicMessage content is a string or []anthropicContent.
type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicContent struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicResponse struct {
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
	Error        *anthropicError    `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Chat sends a non-streaming request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a request, streaming tokens to callback when it is
// non-nil.
func (c *AnthropicClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	msgs, system := convertToAnthropic(messages)
	payload, err := json.Marshal(anthropicRequest{
		Model:     model,
		Messages:  msgs,
		System:    system,
		MaxTokens: c.maxTokens,
		Stream:    callback != nil,
		Tools:     convertToolsToAnthropic(tools),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Debug("sending request", "model", model, "messages", len(msgs), "tools", len(tools), "stream", callback != nil)
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(payload))

	req, err := c.newRequest(ctx, http.MethodPost, c.messagesURL, payload)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", body)
		return nil, fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, body)
	}

	var out *ChatResponse
	if callback == nil {
		var ar anthropicResponse
		if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		out = convertFromAnthropic(&ar)
	} else if out, err = readAnthropicStream(resp.Body, callback); err != nil {
		return nil, err
	}

	c.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", out.Message.Content)
	return out, nil
}

// Ping verifies the key with the models listing, which costs no
// tokens.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.modelsURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<16)
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("anthropic: invalid API key")
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("anthropic API error %d", resp.StatusCode)
	}
	return nil
}

func (c *AnthropicClient) newRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	return req, nil
}

// streamState folds SSE events into a ChatResponse.
type streamState struct {
	content  strings.Builder
	calls    []ToolCall
	tool     *anthropicContent
	toolJSON strings.Builder
	usage    anthropicUsage
	model    string
}

func (s *streamState) apply(ev *anthropicStreamEvent, callback StreamCallback) error {
	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			s.model, s.usage = ev.Message.Model, ev.Message.Usage
		}
	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			s.tool = ev.ContentBlock
			s.toolJSON.Reset()
		}
	case "content_block_delta":
		if ev.Delta == nil {
			return nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			s.content.WriteString(ev.Delta.Text)
			callback(StreamEvent{Kind: KindToken, Token: ev.Delta.Text})
		case "input_json_delta":
			s.toolJSON.WriteString(ev.Delta.PartialJSON)
		}
	case "content_block_stop":
		if s.tool == nil {
			return nil
		}
		var args map[string]any
		if raw := s.toolJSON.String(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				args = map[string]any{"_raw": raw}
			}
		}
		s.calls = append(s.calls, ToolCall{ID: s.tool.ID, Function: FunctionCall{Name: s.tool.Name, Arguments: args}})
		s.tool = nil
	case "message_delta":
		if ev.Usage != nil {
			s.usage.OutputTokens = ev.Usage.OutputTokens
		}
	case "error":
		if ev.Error != nil {
			return fmt.Errorf("anthropic stream error %s: %s", ev.Error.Type, ev.Error.Message)
		}
		return fmt.Errorf("anthropic stream error")
	}
	return nil
}

// readAnthropicStream consumes a Messages API event stream. An error
// event mid-stream fails the call; tokens already delivered stay
// delivered.
func readAnthropicStream(body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var st streamState
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &ev); err != nil {
			continue
		}
		if err := st.apply(&ev, callback); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	resp := &ChatResponse{
		Model:        st.model,
		Message:      Message{Role: "assistant", Content: st.content.String(), ToolCalls: st.calls},
		Done:         true,
		InputTokens:  st.usage.InputTokens,
		OutputTokens: st.usage.OutputTokens,
	}
	callback(StreamEvent{Kind: KindDone, Response: resp})
	return resp, nil
}

// convertToAnthropic splits system messages into the system prompt and
// maps tool traffic onto content blocks. Results of one tool round are
// sent together in a single user turn.
func convertToAnthropic(messages []Message) ([]anthropicMessage, string) {
	var (
		system []string
		out    []anthropicMessage
	)
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			system = append(system, msg.Content)
		case "user":
			out = append(out, anthropicMessage{Role: "user", Content: msg.Content})
		case "assistant":
			if len(msg.ToolCalls) == 0 {
				out = append(out, anthropicMessage{Role: "assistant", Content: msg.Content})
				continue
			}
			var blocks []anthropicContent
			if msg.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: msg.Content})
			}
			for i, tc := range msg.ToolCalls {
				args := tc.Function.Arguments
				if args == nil {
					args = map[string]any{}
				}
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("toolu_%s_%d", tc.Function.Name, i)
				}
				blocks = append(blocks, anthropicContent{Type: "tool_use", ID: id, Name: tc.Function.Name, Input: args})
			}
			out = append(out, anthropicMessage{Role: "assistant", Content: blocks})
		case "tool":
			block := anthropicContent{Type: "tool_result", ToolUseID: msg.ToolCallID, Content: msg.Content}
			if n := len(out); n > 0 && out[n-1].Role == "user" {
				if prev, ok := out[n-1].Content.([]anthropicContent); ok && len(prev) > 0 && prev[0].Type == "tool_result" {
					out[n-1].Content = append(prev, block)
					continue
				}
			}
			out = append(out, anthropicMessage{Role: "user", Content: []anthropicContent{block}})
		}
	}
	return out, strings.Join(system, "\n\n")
}

// convertToolsToAnthropic maps OpenAI-style function definitions, as
// produced by tools.Registry.List, onto Anthropic tool definitions.
func convertToolsToAnthropic(tools []map[string]any) []anthropicTool {
	var out []anthropicTool
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		params := fn["parameters"]
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, anthropicTool{Name: name, Description: desc, InputSchema: params})
	}
	return out
}

func convertFromAnthropic(resp *anthropicResponse) *ChatResponse {
	var (
		text  strings.Builder
		calls []ToolCall
	)
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args, ok := block.Input.(map[string]any)
			if !ok {
				args = map[string]any{}
			}
			calls = append(calls, ToolCall{ID: block.ID, Function: FunctionCall{Name: block.Name, Arguments: args}})
		}
	}
	return &ChatResponse{
		Model:        resp.Model,
		Message:      Message{Role: resp.Role, Content: text.String(), ToolCalls: calls},
		Done:         true,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
}

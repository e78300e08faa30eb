// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nugget/skein/internal/llm"
)

// Step is one scripted model response. Tokens are streamed in order and
// concatenated into the response content.
type Step struct {
	Tokens    []string
	ToolCalls []llm.ToolCall
	Err       error

	// Delay is slept before the step responds, honoring ctx.
	Delay time.Duration
}

// Call records one request the client received.
type Call struct {
	Model    string
	Messages []llm.Message
	Tools    []map[string]any
}

// Client replays Steps in order. Once the script is exhausted it returns
// an error.
type Client struct {
	mu    sync.Mutex
	steps []Step
	calls []Call
}

// New creates a client that replays steps.
func New(steps ...Step) *Client {
	return &Client{steps: steps}
}

// Calls returns the recorded requests.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

func (c *Client) next(model string, messages []llm.Message, tools []map[string]any) (Step, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{
		Model:    model,
		Messages: append([]llm.Message(nil), messages...),
		Tools:    tools,
	})
	if len(c.steps) == 0 {
		return Step{}, errors.New("llmtest: script exhausted")
	}
	s := c.steps[0]
	c.steps = c.steps[1:]
	return s, nil
}

// Chat implements llm.Client.
func (c *Client) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream implements llm.Client.
func (c *Client) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	step, err := c.next(model, messages, tools)
	if err != nil {
		return nil, err
	}
	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}

	var content string
	for _, tok := range step.Tokens {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content += tok
		if cb != nil {
			cb(llm.StreamEvent{Kind: llm.KindToken, Token: tok})
		}
	}

	resp := &llm.ChatResponse{
		Model:   model,
		Message: llm.Message{Role: "assistant", Content: content, ToolCalls: step.ToolCalls},
		Done:    true,
	}
	if cb != nil {
		cb(llm.StreamEvent{Kind: llm.KindDone, Response: resp})
	}
	return resp, nil
}

// Ping implements llm.Client.
func (c *Client) Ping(ctx context.Context) error { return nil }

// ToolCall builds a tool call for a script.
func ToolCall(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Function: llm.FunctionCall{Name: name, Arguments: args}}
}

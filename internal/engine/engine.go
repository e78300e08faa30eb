// Package engine wraps an llm.Client in a tool-executing runtime. One
// [Runner.Stream] call may span several model steps: whenever the model
// asks for tools, the runner executes them and asks again. Content is
// reported cumulatively per step together with the step index, so a
// consumer can tell where one model utterance ends and the next begins.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/skein/internal/llm"
	"github.com/nugget/skein/internal/tools"
)

// DefaultMaxSteps bounds the model round-trips in one Stream call.
const DefaultMaxSteps = 8

// Request is one reasoning-engine invocation.
type Request struct {
	Model    string
	System   string
	Messages []llm.Message
	Tools    *tools.Registry
	Call     tools.Call

	// MaxSteps caps model round-trips. Default: DefaultMaxSteps.
	MaxSteps int
}

// Result summarizes a completed Stream call.
type Result struct {
	Model        string
	Content      string // content of the final step
	Steps        int
	ToolCalls    int
	InputTokens  int
	OutputTokens int

	// Truncated is set when the model still wanted tools after MaxSteps.
	Truncated bool
}

// DeltaFunc receives the zero-based step index and the cumulative
// content of that step after every token.
type DeltaFunc func(step int, content string)

// availability is implemented by clients that know which models they
// can serve, such as llm.MultiClient.
type availability interface {
	Serves(model string) bool
}

// Runner drives an llm.Client through tool rounds.
type Runner struct {
	client llm.Client
	logger *slog.Logger
}

// New creates a runner. A nil client makes every model unavailable.
func New(client llm.Client, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{client: client, logger: logger.With("component", "engine")}
}

// Available reports whether model can be served with the configured
// credentials.
func (r *Runner) Available(model string) bool {
	if r.client == nil || model == "" {
		return false
	}
	if a, ok := r.client.(availability); ok {
		return a.Serves(model)
	}
	return true
}

// Ping reports whether the configured providers can be reached.
func (r *Runner) Ping(ctx context.Context) error {
	if r.client == nil {
		return fmt.Errorf("no reasoning engine configured")
	}
	return r.client.Ping(ctx)
}

// Complete performs a single tool-less exchange and returns the reply.
func (r *Runner) Complete(ctx context.Context, model string, messages []llm.Message) (string, error) {
	if r.client == nil {
		return "", fmt.Errorf("no reasoning engine configured")
	}
	resp, err := r.client.Chat(ctx, model, messages, nil)
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

// Stream runs req to completion, calling onDelta as content arrives.
// Tool failures are rendered into the tool result so the model can react
// to them; only engine or transport failures are returned.
func (r *Runner) Stream(ctx context.Context, req Request, onDelta DeltaFunc) (*Result, error) {
	if r.client == nil {
		return nil, fmt.Errorf("no reasoning engine configured")
	}
	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	msgs := make([]llm.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, req.Messages...)

	var toolDefs []map[string]any
	if req.Tools != nil {
		toolDefs = req.Tools.List()
	}

	result := &Result{Model: req.Model}
	for step := 0; step < maxSteps; step++ {
		var buf strings.Builder
		resp, err := r.client.ChatStream(ctx, req.Model, msgs, toolDefs, func(ev llm.StreamEvent) {
			if ev.Kind != llm.KindToken || ev.Token == "" {
				return
			}
			buf.WriteString(ev.Token)
			if onDelta != nil {
				onDelta(step, buf.String())
			}
		})
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", step+1, err)
		}

		result.Steps++
		result.InputTokens += resp.InputTokens
		result.OutputTokens += resp.OutputTokens
		if resp.Model != "" {
			result.Model = resp.Model
		}

		content := resp.Message.Content
		if content == "" {
			content = buf.String()
		} else if buf.Len() == 0 && onDelta != nil {
			// Provider answered without streaming tokens.
			onDelta(step, content)
		}
		result.Content = content

		if len(resp.Message.ToolCalls) == 0 {
			return result, nil
		}

		msgs = append(msgs, llm.Message{
			Role:      "assistant",
			Content:   content,
			ToolCalls: resp.Message.ToolCalls,
		})
		for i, tc := range resp.Message.ToolCalls {
			result.ToolCalls++
			out := r.runTool(ctx, req, tc)
			id := tc.ID
			if id == "" {
				id = fmt.Sprintf("call_%d_%d", step, i)
				resp.Message.ToolCalls[i].ID = id
			}
			msgs = append(msgs, llm.Message{Role: "tool", Content: out, ToolCallID: id})
		}
	}

	result.Truncated = true
	r.logger.Warn("tool rounds exhausted",
		"thread_id", req.Call.ThreadID,
		"max_steps", maxSteps,
		"tool_calls", result.ToolCalls,
	)
	return result, nil
}

func (r *Runner) runTool(ctx context.Context, req Request, tc llm.ToolCall) string {
	name := tc.Function.Name
	if req.Tools == nil {
		return "Error: " + (&tools.ErrToolUnavailable{ToolName: name}).Error()
	}

	argsJSON := "{}"
	if tc.Function.Arguments != nil {
		b, err := json.Marshal(tc.Function.Arguments)
		if err != nil {
			return fmt.Sprintf("Error: invalid arguments: %v", err)
		}
		argsJSON = string(b)
	}

	start := time.Now()
	out, err := req.Tools.Execute(ctx, req.Call, name, argsJSON)
	r.logger.Debug("tool executed",
		"thread_id", req.Call.ThreadID,
		"tool", name,
		"elapsed", time.Since(start),
		"error", err,
	)
	if err != nil {
		return "Error: " + err.Error()
	}
	return out
}

package agent

import (
	"github.com/nugget/skein/internal/llm"
	"github.com/nugget/skein/internal/prompts"
	"github.com/nugget/skein/internal/thread"
)

// assemble converts a transcript into model input. Tool messages are
// left out. System messages are replayed as prefixed user turns since
// history replay only understands user and assistant roles.
func assemble(msgs []thread.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case thread.RoleUser, thread.RoleAssistant:
			out = append(out, llm.Message{Role: string(m.Role), Content: m.Content})
		case thread.RoleSystem:
			out = append(out, llm.Message{Role: string(thread.RoleUser), Content: prompts.SystemPrefix() + m.Content})
		}
	}
	return out
}

// systemPrompt joins the base prompt and the thread context preamble.
func systemPrompt(base string, ctx map[string]any) string {
	if pre := prompts.ThreadContextPreamble(ctx); pre != "" {
		return base + "\n\n" + pre
	}
	return base
}

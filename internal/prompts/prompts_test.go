package prompts

import (
	"strings"
	"testing"
)

func TestBaseSystemPrompt_NamesMetaTools(t *testing.T) {
	p := BaseSystemPrompt()
	for _, name := range []string{"schedule_wake", "complete_task", "store_context", "get_context", "send_notification", "search_history"} {
		if !strings.Contains(p, name) {
			t.Errorf("system prompt does not mention %s", name)
		}
	}
	if !strings.Contains(p, SystemPrefix()) {
		t.Error("system prompt should explain the system message prefix")
	}
}

func TestThreadContextPreamble(t *testing.T) {
	if got := ThreadContextPreamble(nil); got != "" {
		t.Errorf("empty context = %q, want empty", got)
	}

	got := ThreadContextPreamble(map[string]any{"ticket": 42, "host": "db01"})
	if !strings.HasPrefix(got, "## Thread context") {
		t.Errorf("preamble = %q", got)
	}
	if strings.Index(got, `"host"`) > strings.Index(got, `"ticket"`) {
		t.Error("keys should be sorted")
	}
	if !strings.Contains(got, `"ticket": 42`) {
		t.Errorf("preamble missing value: %q", got)
	}
}

func TestTitlePrompt(t *testing.T) {
	p := TitlePrompt("the pump is offline", "Restarting it now.")
	if !strings.Contains(p, "the pump is offline") || !strings.Contains(p, "Restarting it now.") {
		t.Errorf("title prompt missing exchange: %q", p)
	}
	if !strings.HasSuffix(p, "Title:") {
		t.Error("title prompt should end with the answer cue")
	}
}

func TestWakeMessage(t *testing.T) {
	got := WakeMessage("check backup")
	if !strings.HasPrefix(got, "Scheduled wake: check backup\n") {
		t.Errorf("WakeMessage = %q", got)
	}
}

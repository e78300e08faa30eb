package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/nugget/skein/internal/events"
	"github.com/nugget/skein/internal/llm"
	"github.com/nugget/skein/internal/prompts"
	"github.com/nugget/skein/internal/thread"
)

// maxTitleRunes bounds a derived title.
const maxTitleRunes = 80

// Titler names threads from their first exchange.
type Titler struct {
	store  thread.Store
	engine Engine
	bus    *events.Bus
	logger *slog.Logger
	model  string
}

// NewTitler creates a Titler. An empty model uses the run's model.
func NewTitler(store thread.Store, engine Engine, bus *events.Bus, logger *slog.Logger, model string) *Titler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Titler{
		store:  store,
		engine: engine,
		bus:    bus,
		logger: logger.With("component", "titler"),
		model:  model,
	}
}

// Derive asks the engine for a title and stores it unless the thread
// was titled in the meantime. The write is unlocked: losing it to a
// concurrent run costs only the title.
func (t *Titler) Derive(ctx context.Context, threadID, userMsg, response, model string) error {
	if t.model != "" {
		model = t.model
	}
	reply, err := t.engine.Complete(ctx, model, []llm.Message{
		{Role: "user", Content: prompts.TitlePrompt(userMsg, response)},
	})
	if err != nil {
		return fmt.Errorf("derive title: %w", err)
	}
	title := cleanTitle(reply)
	if title == "" {
		t.logger.Debug("empty title reply", "thread_id", threadID)
		return nil
	}

	current, err := t.store.FindByID(ctx, threadID)
	if err != nil {
		return fmt.Errorf("derive title: %w", err)
	}
	if current == nil || current.Title != "" {
		return nil
	}

	stored, err := t.store.Update(ctx, threadID, thread.Patch{Title: &title})
	if err != nil {
		return fmt.Errorf("store title: %w", err)
	}
	t.logger.Info("thread titled", "thread_id", threadID, "title", title)
	t.bus.Emit(events.SourceLoop, events.KindThreadUpdate, threadID, map[string]any{
		"status":  stored.Status,
		"title":   stored.Title,
		"version": stored.Version,
	})
	return nil
}

// cleanTitle reduces a model reply to a single normalized line.
func cleanTitle(s string) string {
	s = norm.NFC.String(s)
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "Title:")
	s = strings.Trim(s, " \t\"'`*#")
	s = strings.TrimRight(s, ".")
	if utf8.RuneCountInString(s) > maxTitleRunes {
		r := []rune(s)
		s = strings.TrimSpace(string(r[:maxTitleRunes]))
	}
	return s
}

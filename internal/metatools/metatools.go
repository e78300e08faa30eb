// Package metatools provides the lifecycle tools the reasoning engine
// uses to control its own thread: sleep, complete, remember, recall,
// notify and search. Each call persists before it returns.
package metatools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/skein/internal/events"
	"github.com/nugget/skein/internal/history"
	"github.com/nugget/skein/internal/notify"
	"github.com/nugget/skein/internal/thread"
	"github.com/nugget/skein/internal/tools"
	"github.com/nugget/skein/internal/wake"
)

// Tool names.
const (
	ScheduleWake     = "schedule_wake"
	CompleteTask     = "complete_task"
	StoreContext     = "store_context"
	GetContext       = "get_context"
	SendNotification = "send_notification"
	SearchHistory    = "search_history"
)

// SummaryContextKey holds the complete_task summary in the thread
// context.
const SummaryContextKey = "completion_summary"

// Scheduler is the wake scheduler contract.
type Scheduler interface {
	Schedule(ctx context.Context, threadID, delay, reason string) (*wake.Job, error)
	Cancel(ctx context.Context, handle string) (bool, error)
}

// Searcher is the semantic retrieval contract.
type Searcher interface {
	Search(ctx context.Context, query string, f history.Filter) []history.Result
}

// Config wires a Controller. Scheduler, Notifier and History may be
// nil; the matching tools then degrade instead of failing.
type Config struct {
	Store     thread.Store
	Scheduler Scheduler
	Notifier  notify.Notifier
	History   Searcher
	Events    *events.Bus
	Logger    *slog.Logger
}

// Controller builds meta-tool registries bound to a single run.
type Controller struct {
	store     thread.Store
	scheduler Scheduler
	notifier  notify.Notifier
	history   Searcher
	bus       *events.Bus
	logger    *slog.Logger
}

// New creates a Controller.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:     cfg.Store,
		scheduler: cfg.Scheduler,
		notifier:  cfg.Notifier,
		history:   cfg.History,
		bus:       cfg.Events,
		logger:    logger.With("component", "metatools"),
	}
}

// Tools returns the meta-tools bound to b.
func (c *Controller) Tools(b *Binding) *tools.Registry {
	r := tools.NewRegistry()

	r.Register(&tools.Tool{
		Name: ScheduleWake,
		Description: "Put this thread to sleep and wake it up later. Use when you are waiting on " +
			"something that takes time (a deploy, a backup, a person). When the wake fires you " +
			"will be resumed with the reason you gave. Sending a new message to the thread " +
			"cancels the wake.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"delay": map[string]any{
					"type":        "string",
					"description": "How long to sleep: a positive number followed by s, m, h or d (e.g. 30s, 15m, 2h, 1d)",
				},
				"reason": map[string]any{
					"type":        "string",
					"description": "What to check when you wake up",
				},
			},
			"required": []string{"delay", "reason"},
		},
		Handler: func(ctx context.Context, _ tools.Call, args map[string]any) (string, error) {
			return c.scheduleWake(ctx, b, args)
		},
	})

	r.Register(&tools.Tool{
		Name: CompleteTask,
		Description: "Mark this thread's task as finished. The thread is closed; any later " +
			"message about the same topic starts a new thread.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary": map[string]any{
					"type":        "string",
					"description": "One or two sentences on what was done and the outcome",
				},
			},
			"required": []string{"summary"},
		},
		Handler: func(ctx context.Context, _ tools.Call, args map[string]any) (string, error) {
			return c.completeTask(ctx, b, args)
		},
	})

	r.Register(&tools.Tool{
		Name: StoreContext,
		Description: "Remember a value on this thread. It survives sleep and wake and is shown " +
			"to you at the start of every turn. Storing an existing key replaces its value.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key": map[string]any{
					"type":        "string",
					"description": "Name to store the value under",
				},
				"value": map[string]any{
					"description": "Any JSON value",
				},
			},
			"required": []string{"key", "value"},
		},
		Handler: func(ctx context.Context, _ tools.Call, args map[string]any) (string, error) {
			return c.storeContext(ctx, b, args)
		},
	})

	r.Register(&tools.Tool{
		Name:        GetContext,
		Description: "Read a value previously stored on this thread with store_context.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key": map[string]any{
					"type":        "string",
					"description": "Name the value was stored under",
				},
			},
			"required": []string{"key"},
		},
		Handler: func(_ context.Context, _ tools.Call, args map[string]any) (string, error) {
			key, ok := tools.String(args, "key")
			if !ok {
				return "", required("key")
			}
			v, found := b.Context(key)
			if !found {
				return marshal(map[string]any{"found": false})
			}
			return marshal(map[string]any{"found": true, "value": v})
		},
	})

	r.Register(&tools.Tool{
		Name: SendNotification,
		Description: "Send a notification to the operator. Returns sent=false when no " +
			"notification channel is configured; that is not an error.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{
					"type":        "string",
					"description": "The notification text (markdown allowed)",
				},
			},
			"required": []string{"message"},
		},
		Handler: func(ctx context.Context, _ tools.Call, args map[string]any) (string, error) {
			return c.sendNotification(ctx, b, args)
		},
	})

	r.Register(&tools.Tool{
		Name: SearchHistory,
		Description: "Search past threads for messages similar to a query. Returns an empty " +
			"list when history search is unavailable.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to look for",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": fmt.Sprintf("Maximum results (default %d, max %d)", history.DefaultLimit, history.MaxLimit),
				},
				"exclude_thread_id": map[string]any{
					"type":        "string",
					"description": "Thread id to leave out of the results, usually this thread",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, _ tools.Call, args map[string]any) (string, error) {
			query, ok := tools.String(args, "query")
			if !ok {
				return "", required("query")
			}
			limit, _ := tools.Int(args, "limit")
			exclude, _ := tools.String(args, "exclude_thread_id")

			results := []history.Result{}
			if c.history != nil {
				results = c.history.Search(ctx, query, history.Filter{Limit: limit, ExcludeThreadID: exclude})
			}
			return marshal(results)
		},
	})

	return r
}

func (c *Controller) scheduleWake(ctx context.Context, b *Binding, args map[string]any) (string, error) {
	delay, ok := tools.String(args, "delay")
	if !ok {
		return "", required("delay")
	}
	reason, ok := tools.String(args, "reason")
	if !ok {
		return "", required("reason")
	}
	if _, err := wake.ParseDelay(delay); err != nil {
		return "", err
	}
	if c.scheduler == nil {
		return "", fmt.Errorf("wake scheduling is not available")
	}

	id := b.ID()
	c.cancelPendingWake(ctx, b)

	job, err := c.scheduler.Schedule(ctx, id, delay, reason)
	if err != nil {
		return "", fmt.Errorf("schedule wake: %w", err)
	}

	stored, err := c.store.Update(ctx, id, thread.Patch{
		Status:     thread.Ptr(thread.StatusSleeping),
		WakeHandle: thread.Ptr(job.ID),
		WakeReason: thread.Ptr(reason),
	})
	if err != nil {
		// The job stays scheduled and will be dropped when it fires into
		// a thread that is not sleeping.
		c.logger.Warn("wake scheduled but thread not updated",
			"thread_id", id, "job_id", job.ID, "error", err)
		return "", fmt.Errorf("record wake on thread: %w", err)
	}
	b.Adopt(stored)

	c.logger.Info("thread sleeping", "thread_id", id, "job_id", job.ID, "wake_at", job.FireAt, "reason", reason)
	c.bus.Emit(events.SourceMetaTool, events.KindWakeScheduled, id, map[string]any{
		"handle":  job.ID,
		"wake_at": job.FireAt,
		"reason":  reason,
	})
	return marshal(map[string]any{"wake_at": job.FireAt.UTC().Format(time.RFC3339)})
}

func (c *Controller) completeTask(ctx context.Context, b *Binding, args map[string]any) (string, error) {
	summary, ok := tools.String(args, "summary")
	if !ok {
		return "", required("summary")
	}

	id := b.ID()
	c.cancelPendingWake(ctx, b)

	stored, err := c.store.Update(ctx, id, thread.Patch{
		Status:       thread.Ptr(thread.StatusComplete),
		WakeHandle:   thread.Ptr(""),
		WakeReason:   thread.Ptr(""),
		ContextMerge: map[string]any{SummaryContextKey: summary},
	})
	if err != nil {
		return "", fmt.Errorf("complete thread: %w", err)
	}
	b.Adopt(stored)

	c.logger.Info("thread completed", "thread_id", id, "version", stored.Version)
	c.bus.Emit(events.SourceMetaTool, events.KindThreadUpdate, id, map[string]any{
		"status":  stored.Status,
		"version": stored.Version,
	})
	return marshal(map[string]any{"summary": summary})
}

func (c *Controller) storeContext(ctx context.Context, b *Binding, args map[string]any) (string, error) {
	key, ok := tools.String(args, "key")
	if !ok {
		return "", required("key")
	}
	value, ok := args["value"]
	if !ok {
		return "", required("value")
	}

	stored, err := c.store.Update(ctx, b.ID(), thread.Patch{ContextMerge: map[string]any{key: value}})
	if err != nil {
		return "", fmt.Errorf("store context: %w", err)
	}
	b.Adopt(stored)
	return marshal(map[string]any{"stored": key})
}

func (c *Controller) sendNotification(ctx context.Context, b *Binding, args map[string]any) (string, error) {
	msg, ok := tools.String(args, "message")
	if !ok {
		return "", required("message")
	}
	if c.notifier == nil {
		return marshal(map[string]any{"sent": false})
	}

	snap := b.Snapshot()
	sent, err := c.notifier.Send(ctx, notify.Notification{
		ThreadID: snap.ID,
		Title:    snap.Title,
		Text:     msg,
	})
	if err != nil {
		c.logger.Warn("notification failed", "thread_id", snap.ID, "error", err)
	}
	return marshal(map[string]any{"sent": sent})
}

// cancelPendingWake drops a wake recorded on the binding so a thread
// never tracks two handles. Failure is logged; a stray wake is dropped
// on delivery anyway.
func (c *Controller) cancelPendingWake(ctx context.Context, b *Binding) {
	handle := b.Snapshot().WakeHandle
	if handle == "" || c.scheduler == nil {
		return
	}
	if _, err := c.scheduler.Cancel(ctx, handle); err != nil {
		c.logger.Warn("cancel previous wake failed", "thread_id", b.ID(), "job_id", handle, "error", err)
	}
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

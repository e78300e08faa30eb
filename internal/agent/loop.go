// Package agent runs triggers against threads. The [Loop] drives one
// invocation of the reasoning engine for one thread, streaming the
// response into storage as it arrives, and the [Dispatcher] routes the
// three kinds of inbound work (messages, alerts and wakes) into it.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nugget/skein/internal/engine"
	"github.com/nugget/skein/internal/events"
	"github.com/nugget/skein/internal/llm"
	"github.com/nugget/skein/internal/metatools"
	"github.com/nugget/skein/internal/prompts"
	"github.com/nugget/skein/internal/telemetry"
	"github.com/nugget/skein/internal/thread"
	"github.com/nugget/skein/internal/tools"
	"github.com/nugget/skein/internal/trigger"
)

// Defaults for [Config].
const (
	DefaultMaxIterations     = 10
	DefaultMaxDuration       = 2 * time.Minute
	DefaultReconcileAttempts = 3
	DefaultReconcileBackoff  = 100 * time.Millisecond
	DefaultTitleTimeout      = 30 * time.Second
)

// Engine is the reasoning engine as the loop sees it.
type Engine interface {
	Available(model string) bool
	Stream(ctx context.Context, req engine.Request, onDelta engine.DeltaFunc) (*engine.Result, error)
	Complete(ctx context.Context, model string, messages []llm.Message) (string, error)
}

// Config wires a Loop. Zero limits take the package defaults.
type Config struct {
	Store        thread.Store
	Engine       Engine
	MetaTools    *metatools.Controller
	DomainTools  *tools.Registry
	Events       *events.Bus
	Telemetry    *telemetry.Instruments
	Logger       *slog.Logger
	DefaultModel string
	SystemPrompt string

	MaxIterations int
	MaxDuration   time.Duration
	// StepsPerIteration caps tool rounds inside one engine call.
	StepsPerIteration int
	ReconcileAttempts int
	ReconcileBackoff  time.Duration

	TitleModel   string
	TitleTimeout time.Duration
}

// Response is the outcome of one run.
type Response struct {
	ThreadID string        `json:"thread_id"`
	Version  int64         `json:"version"`
	Status   thread.Status `json:"status"`
	Model    string        `json:"model"`
	// Content joins every assistant message produced by the run.
	Content    string           `json:"content"`
	Messages   []thread.Message `json:"messages"`
	Iterations int              `json:"iterations"`
	// Degraded is set when the final write could not be persisted.
	Degraded bool `json:"degraded,omitempty"`
}

// Loop executes triggers against threads. A thread must not be run by
// two loops at once; the dispatcher and the single wake worker keep it
// that way, and version checks catch the rest.
type Loop struct {
	store        thread.Store
	engine       Engine
	meta         *metatools.Controller
	domain       *tools.Registry
	bus          *events.Bus
	inst         *telemetry.Instruments
	logger       *slog.Logger
	titler       *Titler
	defaultModel string
	systemPrompt string

	maxIterations     int
	maxDuration       time.Duration
	steps             int
	reconcileAttempts int
	reconcileBackoff  time.Duration
	titleTimeout      time.Duration

	now func() time.Time
	wg  sync.WaitGroup
}

// NewLoop creates a Loop.
func NewLoop(cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		store:             cfg.Store,
		engine:            cfg.Engine,
		meta:              cfg.MetaTools,
		domain:            cfg.DomainTools,
		bus:               cfg.Events,
		inst:              cfg.Telemetry,
		logger:            logger.With("component", "loop"),
		defaultModel:      cfg.DefaultModel,
		systemPrompt:      cfg.SystemPrompt,
		maxIterations:     cmpOr(cfg.MaxIterations, DefaultMaxIterations),
		maxDuration:       cmpOr(cfg.MaxDuration, DefaultMaxDuration),
		steps:             cmpOr(cfg.StepsPerIteration, engine.DefaultMaxSteps),
		reconcileAttempts: cmpOr(cfg.ReconcileAttempts, DefaultReconcileAttempts),
		reconcileBackoff:  cmpOr(cfg.ReconcileBackoff, DefaultReconcileBackoff),
		titleTimeout:      cmpOr(cfg.TitleTimeout, DefaultTitleTimeout),
		now:               time.Now,
	}
	if l.systemPrompt == "" {
		l.systemPrompt = prompts.BaseSystemPrompt()
	}
	l.titler = NewTitler(cfg.Store, cfg.Engine, cfg.Events, logger, cfg.TitleModel)
	return l
}

func cmpOr[T int | time.Duration](v, def T) T {
	if v > 0 {
		return v
	}
	return def
}

// DefaultModel returns the model used when a run names none.
func (l *Loop) DefaultModel() string {
	return l.defaultModel
}

// Wait blocks until background title derivations have finished.
func (l *Loop) Wait() {
	l.wg.Wait()
}

// Admit resolves model, falling back to the default, and checks that
// the engine can serve it.
func (l *Loop) Admit(model string) (string, error) {
	if model == "" {
		model = l.defaultModel
	}
	if l.engine == nil || !l.engine.Available(model) {
		return model, &AdmissionError{Model: model, Reason: "no configured provider serves it"}
	}
	return model, nil
}

// Run executes one trigger against t. Admission failures and timeouts
// are returned as *AdmissionError and *TimeoutError. A failed final
// write is not an error: the response is returned with Degraded set.
func (l *Loop) Run(ctx context.Context, t *thread.Thread, trig trigger.Trigger, model string) (*Response, error) {
	if t == nil {
		return nil, errors.New("run: nil thread")
	}
	model, err := l.Admit(model)
	if err != nil {
		return nil, err
	}

	name := trigger.Name(trig)
	start := l.now()
	ctx, span := l.inst.StartRun(ctx, t.ID, name, model)

	r := &run{
		loop:    l,
		b:       metatools.NewBinding(t),
		model:   model,
		trigger: trig,
		log:     l.logger.With("thread_id", t.ID, "trigger", name, "model", model),
	}
	r.log.Info("run started", "version", t.Version, "status", t.Status)

	resp, err := r.execute(ctx)
	elapsed := l.now().Sub(start)

	outcome := "error"
	var te *TimeoutError
	switch {
	case err == nil:
		outcome = string(resp.Status)
		r.log.Info("run finished",
			"status", resp.Status,
			"version", resp.Version,
			"messages", len(resp.Messages),
			"iterations", resp.Iterations,
			"degraded", resp.Degraded,
			"elapsed", elapsed,
		)
	case errors.As(err, &te):
		outcome = "timeout"
		r.log.Warn("run timed out", "error", err, "elapsed", elapsed)
	default:
		r.log.Error("run failed", "error", err, "elapsed", elapsed)
	}
	l.inst.EndRun(ctx, span, name, outcome, elapsed, err)
	return resp, err
}

// run is the loop-local state of one invocation.
type run struct {
	loop    *Loop
	b       *metatools.Binding
	model   string
	trigger trigger.Trigger
	log     *slog.Logger

	produced   []thread.Message
	iterations int
	// persistFailed limits streaming write failures to one warning.
	persistFailed bool
}

func (r *run) execute(ctx context.Context) (*Response, error) {
	l := r.loop

	if err := r.materialize(ctx); err != nil {
		return nil, err
	}

	call := tools.Call{
		ThreadID:  r.b.ID(),
		Source:    r.b.Snapshot().Source,
		RequestID: ulid.Make().String(),
	}
	var meta *tools.Registry
	if l.meta != nil {
		meta = l.meta.Tools(r.b)
	}
	toolset := tools.Union(l.domain, meta)

	start := l.now()
	runCtx, cancel := context.WithTimeout(ctx, l.maxDuration)
	defer cancel()

	for {
		if r.iterations >= l.maxIterations {
			return nil, r.abort(ctx, &TimeoutError{Iterations: r.iterations, Elapsed: l.now().Sub(start), Limit: "iteration limit"})
		}
		if elapsed := l.now().Sub(start); elapsed > l.maxDuration {
			return nil, r.abort(ctx, &TimeoutError{Iterations: r.iterations, Elapsed: elapsed, Limit: "time limit"})
		}
		r.iterations++

		res, err := r.turn(runCtx, toolset, call)
		if err != nil {
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				err = &TimeoutError{Iterations: r.iterations, Elapsed: l.now().Sub(start), Limit: "time limit"}
			}
			return nil, r.abort(ctx, err)
		}
		r.refresh(ctx)

		// One engine call per run. The exception is a call that ran out
		// of tool rounds while the thread is still active: the model
		// gets another turn with what it has said so far.
		if !res.Truncated || r.b.Status() != thread.StatusActive {
			break
		}
		r.log.Info("tool rounds exhausted, continuing", "iteration", r.iterations)
	}

	stored, degraded := r.reconcile(ctx)
	resp := r.response(stored, degraded != nil)
	r.maybeTitle(ctx, resp)
	return resp, nil
}

// materialize appends the trigger to the transcript. A wake first
// clears the thread's wake fields.
func (r *run) materialize(ctx context.Context) error {
	var msg thread.Message
	switch tr := r.trigger.(type) {
	case trigger.Message:
		msg = thread.NewMessage(thread.RoleUser, tr.Content)
	case trigger.Wake:
		stored, err := r.loop.store.Update(ctx, r.b.ID(), thread.Patch{
			WakeHandle: thread.Ptr(""),
			WakeReason: thread.Ptr(""),
		})
		if err != nil {
			r.log.Warn("clear wake fields failed", "error", err)
		} else {
			r.b.Adopt(stored)
		}
		msg = thread.NewMessage(thread.RoleSystem, prompts.WakeMessage(tr.Reason))
	default:
		return fmt.Errorf("unsupported trigger %T", r.trigger)
	}

	msgs := append(r.b.Messages(), msg)
	r.b.SetMessages(msgs)
	if _, err := r.persist(ctx, thread.Patch{Messages: msgs, Status: thread.Ptr(thread.StatusActive)}); err != nil {
		r.log.Warn("persist trigger message failed", "error", err)
	}
	r.emitMessage(msg, true)
	return nil
}

// turn invokes the engine once. Every content delta is written to the
// thread. A new engine step, or a delta shorter than the previous one,
// starts a new assistant message.
func (r *run) turn(ctx context.Context, toolset *tools.Registry, call tools.Call) (*engine.Result, error) {
	l := r.loop
	base := r.b.Messages()
	var (
		turnMsgs []thread.Message
		cur      = -1
		lastLen  int
		lastStep int
	)

	onDelta := func(step int, content string) {
		if content == "" {
			return
		}
		if cur >= 0 && (step != lastStep || len(content) < lastLen) {
			r.emitMessage(turnMsgs[cur], true)
			cur = -1
		}
		if cur < 0 {
			turnMsgs = append(turnMsgs, thread.NewMessage(thread.RoleAssistant, ""))
			cur = len(turnMsgs) - 1
		}
		turnMsgs[cur].Content = content
		lastLen, lastStep = len(content), step

		msgs := append(append([]thread.Message(nil), base...), turnMsgs...)
		r.b.SetMessages(msgs)
		r.log.Log(ctx, llm.LevelTrace, "delta", "message_id", turnMsgs[cur].ID, "length", lastLen)
		if _, err := r.persist(ctx, thread.Patch{Messages: msgs}); err != nil {
			if !r.persistFailed {
				r.log.Warn("streaming checkpoint failed", "error", err)
			}
			r.persistFailed = true
		}
		r.emitMessage(turnMsgs[cur], false)
	}

	res, err := l.engine.Stream(ctx, engine.Request{
		Model:    r.model,
		System:   systemPrompt(l.systemPrompt, r.b.Snapshot().Context),
		Messages: assemble(base),
		Tools:    toolset,
		Call:     call,
		MaxSteps: l.steps,
	}, onDelta)
	if cur >= 0 {
		r.emitMessage(turnMsgs[cur], true)
	}
	r.produced = append(r.produced, turnMsgs...)
	if err != nil {
		return nil, err
	}

	r.log.Debug("turn finished",
		"iteration", r.iterations,
		"steps", res.Steps,
		"tool_calls", res.ToolCalls,
		"messages", len(turnMsgs),
		"input_tokens", res.InputTokens,
		"output_tokens", res.OutputTokens,
	)
	return res, nil
}

// refresh re-reads the thread so a status change made by a meta-tool
// during the turn drives continuation and reconciliation.
func (r *run) refresh(ctx context.Context) {
	fresh, err := r.loop.store.FindByID(ctx, r.b.ID())
	switch {
	case err != nil:
		r.log.Warn("re-read thread failed", "error", err)
	case fresh == nil:
		r.log.Warn("thread disappeared during run")
	default:
		r.b.Adopt(fresh)
	}
}

// persist writes patch against the last version this run observed.
func (r *run) persist(ctx context.Context, patch thread.Patch) (*thread.Thread, error) {
	stored, err := r.loop.store.UpdateLocked(ctx, r.b.ID(), r.b.Version(), patch)
	if err != nil {
		if errors.Is(err, thread.ErrConflict) {
			r.loop.inst.Conflict(ctx)
		}
		return nil, err
	}
	r.b.Adopt(stored)
	return stored, nil
}

// finalStatus keeps a status chosen by a meta-tool during the run and
// otherwise leaves the thread active.
func finalStatus(s thread.Status) thread.Status {
	if s == thread.StatusSleeping || s == thread.StatusComplete {
		return s
	}
	return thread.StatusActive
}

// reconcile writes the full transcript and final status, retrying with
// linear backoff. On a conflict it re-reads the thread, merges the
// stored transcript with its own and retries against the new version.
func (r *run) reconcile(ctx context.Context) (*thread.Thread, *PersistenceDegradedError) {
	l := r.loop
	wctx := context.WithoutCancel(ctx)

	var lastErr error
	for attempt := 1; attempt <= l.reconcileAttempts; attempt++ {
		status := finalStatus(r.b.Status())
		stored, err := r.persist(wctx, thread.Patch{Messages: r.b.Messages(), Status: &status})
		if err == nil {
			l.bus.Emit(events.SourceLoop, events.KindThreadUpdate, stored.ID, map[string]any{
				"status":  stored.Status,
				"title":   stored.Title,
				"version": stored.Version,
			})
			return stored, nil
		}
		lastErr = err
		r.log.Warn("final write failed", "attempt", attempt, "error", err)

		if errors.Is(err, thread.ErrConflict) {
			if fresh, ferr := l.store.FindByID(wctx, r.b.ID()); ferr == nil && fresh != nil {
				r.b.SetMessages(mergeMessages(fresh.Messages, r.b.Messages()))
				r.b.Adopt(fresh)
			}
		}
		if attempt < l.reconcileAttempts {
			time.Sleep(l.reconcileBackoff * time.Duration(attempt))
		}
	}

	degraded := &PersistenceDegradedError{ThreadID: r.b.ID(), Attempts: l.reconcileAttempts, Err: lastErr}
	r.log.Error("thread persistence degraded", "error", degraded)
	l.inst.ReconcileFailed(ctx)
	return nil, degraded
}

// abort keeps what was produced before a fatal error as a partial
// transcript, leaving the status alone, and returns err.
func (r *run) abort(ctx context.Context, err error) error {
	if len(r.produced) > 0 {
		if _, perr := r.persist(context.WithoutCancel(ctx), thread.Patch{Messages: r.b.Messages()}); perr != nil {
			r.log.Warn("persist partial transcript failed", "error", perr)
		}
	}
	return err
}

// mergeMessages keeps the stored order, takes this run's content for
// messages both sides know, and appends this run's new messages.
func mergeMessages(stored, ours []thread.Message) []thread.Message {
	mine := make(map[string]thread.Message, len(ours))
	for _, m := range ours {
		mine[m.ID] = m
	}
	out := make([]thread.Message, 0, len(stored)+len(ours))
	seen := make(map[string]bool, len(stored))
	for _, m := range stored {
		if o, ok := mine[m.ID]; ok {
			m = o
		}
		out = append(out, m)
		seen[m.ID] = true
	}
	for _, m := range ours {
		if !seen[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

func (r *run) response(stored *thread.Thread, degraded bool) *Response {
	snap := r.b.Snapshot()
	status := finalStatus(snap.Status)
	version := snap.Version
	if stored != nil {
		status, version = stored.Status, stored.Version
	}

	parts := make([]string, 0, len(r.produced))
	for _, m := range r.produced {
		parts = append(parts, m.Content)
	}
	return &Response{
		ThreadID:   snap.ID,
		Version:    version,
		Status:     status,
		Model:      r.model,
		Content:    strings.Join(parts, "\n\n"),
		Messages:   r.produced,
		Iterations: r.iterations,
		Degraded:   degraded,
	}
}

// maybeTitle derives a title in the background after the first
// exchange of an untitled thread.
func (r *run) maybeTitle(ctx context.Context, resp *Response) {
	msg, ok := r.trigger.(trigger.Message)
	if !ok || resp.Content == "" {
		return
	}
	snap := r.b.Snapshot()
	if snap.Title != "" {
		return
	}
	users := 0
	for _, m := range snap.Messages {
		if m.Role == thread.RoleUser {
			users++
		}
	}
	if users != 1 {
		return
	}

	l := r.loop
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.titleTimeout)
		defer cancel()
		if err := l.titler.Derive(tctx, snap.ID, msg.Content, resp.Content, r.model); err != nil {
			r.log.Warn("title derivation failed", "error", err)
		}
	}()
}

func (r *run) emitMessage(m thread.Message, done bool) {
	r.loop.bus.Emit(events.SourceLoop, events.KindThreadMessage, r.b.ID(), map[string]any{
		"message_id": m.ID,
		"role":       m.Role,
		"content":    m.Content,
		"done":       done,
	})
}

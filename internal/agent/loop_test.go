package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/skein/internal/engine"
	"github.com/nugget/skein/internal/events"
	"github.com/nugget/skein/internal/llm"
	"github.com/nugget/skein/internal/llm/llmtest"
	"github.com/nugget/skein/internal/metatools"
	"github.com/nugget/skein/internal/thread"
	"github.com/nugget/skein/internal/trigger"
	"github.com/nugget/skein/internal/wake"
)

const testModel = "test-model"

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []*wake.Job
	cancelled []string
}

func (f *fakeScheduler) Schedule(_ context.Context, threadID, delay, reason string) (*wake.Job, error) {
	d, err := wake.ParseDelay(delay)
	if err != nil {
		return nil, err
	}
	job := &wake.Job{ID: wake.NewID(), ThreadID: threadID, Reason: reason, FireAt: time.Now().Add(d), Status: wake.StatusPending}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, job)
	return job, nil
}

func (f *fakeScheduler) Cancel(_ context.Context, handle string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, handle)
	return true, nil
}

type testEnv struct {
	store     thread.Store
	client    *llmtest.Client
	bus       *events.Bus
	scheduler *fakeScheduler
	loop      *Loop
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) thread.Store {
	t.Helper()
	store, err := thread.OpenSQLite(filepath.Join(t.TempDir(), "threads.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// newEnv builds a loop over a real SQLite store and a scripted client.
// mod adjusts the loop config before construction.
func newEnv(t *testing.T, steps []llmtest.Step, mod func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     openStore(t),
		client:    llmtest.New(steps...),
		bus:       events.New(),
		scheduler: &fakeScheduler{},
	}
	env.loop = env.newLoop(mod)
	return env
}

func (e *testEnv) newLoop(mod func(*Config)) *Loop {
	cfg := Config{
		Store:  e.store,
		Engine: engine.New(e.client, discardLogger()),
		MetaTools: metatools.New(metatools.Config{
			Store:     e.store,
			Scheduler: e.scheduler,
			Events:    e.bus,
			Logger:    discardLogger(),
		}),
		Events:           e.bus,
		Logger:           discardLogger(),
		DefaultModel:     testModel,
		ReconcileBackoff: time.Millisecond,
	}
	if mod != nil {
		mod(&cfg)
	}
	return NewLoop(cfg)
}

func (e *testEnv) create(t *testing.T, seed thread.Seed) *thread.Thread {
	t.Helper()
	if seed.Source == "" {
		seed.Source = "chat"
	}
	th, err := e.store.Create(context.Background(), seed)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return th
}

func (e *testEnv) stored(t *testing.T, id string) *thread.Thread {
	t.Helper()
	th, err := e.store.FindByID(context.Background(), id)
	if err != nil || th == nil {
		t.Fatalf("FindByID(%s) = %v, %v", id, th, err)
	}
	return th
}

func roles(msgs []thread.Message) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = string(m.Role)
	}
	return strings.Join(parts, ",")
}

func TestRun_SplitsMessagesAtToolBoundary(t *testing.T) {
	env := newEnv(t, []llmtest.Step{
		{Tokens: []string{"Sure, ", "checking..."}, ToolCalls: []llm.ToolCall{
			llmtest.ToolCall("c1", metatools.GetContext, map[string]any{"key": "pump"}),
		}},
		{Tokens: []string{"Done, ", "it's running"}},
	}, nil)
	th := env.create(t, thread.Seed{Title: "Pump"})

	sub := env.bus.Subscribe(256, th.ID)
	defer env.bus.Unsubscribe(sub)

	resp, err := env.loop.Run(context.Background(), th, trigger.Message{Content: "is the pump on?"}, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := env.stored(t, th.ID)
	if r := roles(got.Messages); r != "user,assistant,assistant" {
		t.Fatalf("roles = %s", r)
	}
	if got.Messages[1].Content != "Sure, checking..." {
		t.Errorf("first assistant = %q", got.Messages[1].Content)
	}
	if got.Messages[2].Content != "Done, it's running" {
		t.Errorf("second assistant = %q", got.Messages[2].Content)
	}
	if got.Status != thread.StatusActive {
		t.Errorf("status = %s, want active", got.Status)
	}

	if resp.Content != "Sure, checking...\n\nDone, it's running" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Version != got.Version {
		t.Errorf("response version %d, stored %d", resp.Version, got.Version)
	}
	if resp.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", resp.Iterations)
	}

	// Every delta produced a write.
	if got.Version < 5 {
		t.Errorf("version = %d, want streaming checkpoints", got.Version)
	}

	var finals int
	for len(sub) > 0 {
		ev := <-sub
		if ev.Kind == events.KindThreadMessage && ev.Data["done"] == true && ev.Data["role"] == thread.RoleAssistant {
			finals++
		}
	}
	if finals != 2 {
		t.Errorf("finalized assistant messages = %d, want 2", finals)
	}
}

// delta is one content report from scriptedEngine.
type delta struct {
	step    int
	content string
}

// scriptedEngine replays fixed deltas without running any tools.
type scriptedEngine struct {
	deltas []delta
}

func (e *scriptedEngine) Available(string) bool { return true }

func (e *scriptedEngine) Stream(_ context.Context, req engine.Request, onDelta engine.DeltaFunc) (*engine.Result, error) {
	res := &engine.Result{Model: req.Model}
	for _, d := range e.deltas {
		onDelta(d.step, d.content)
		res.Steps = d.step + 1
		res.Content = d.content
	}
	return res, nil
}

func (e *scriptedEngine) Complete(context.Context, string, []llm.Message) (string, error) {
	return "", errors.New("not scripted")
}

func TestRun_MessageBoundaries(t *testing.T) {
	tests := []struct {
		name   string
		deltas []delta
		want   []string
	}{
		{
			name: "step change with longer content",
			deltas: []delta{
				{0, "Hi"}, {0, "Hi there"},
				{1, "Sure, checking..."}, {1, "Done, it's running"},
			},
			want: []string{"Hi there", "Done, it's running"},
		},
		{
			name:   "length reset within a step",
			deltas: []delta{{0, "Checking the pump"}, {0, "Ok"}, {0, "Ok, done"}},
			want:   []string{"Checking the pump", "Ok, done"},
		},
		{
			name:   "single step",
			deltas: []delta{{0, "Hi"}, {0, "Hi there"}},
			want:   []string{"Hi there"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t, nil, func(c *Config) {
				c.Engine = &scriptedEngine{deltas: tt.deltas}
			})
			th := env.create(t, thread.Seed{Title: "Boundaries"})
			if _, err := env.loop.Run(context.Background(), th, trigger.Message{Content: "status?"}, ""); err != nil {
				t.Fatalf("Run: %v", err)
			}

			got := env.stored(t, th.ID).Messages[1:]
			if len(got) != len(tt.want) {
				t.Fatalf("assistant messages = %d (%s), want %d", len(got), roles(got), len(tt.want))
			}
			for i, w := range tt.want {
				if got[i].Role != thread.RoleAssistant || got[i].Content != w {
					t.Errorf("message %d = %s %q, want assistant %q", i, got[i].Role, got[i].Content, w)
				}
			}
		})
	}
}

func TestRun_KeepsShortFirstStepAcrossToolRound(t *testing.T) {
	env := newEnv(t, []llmtest.Step{
		{Tokens: []string{"Ok"}, ToolCalls: []llm.ToolCall{
			llmtest.ToolCall("c1", metatools.GetContext, map[string]any{"key": "pump"}),
		}},
		{Tokens: []string{"The pump is running fine."}},
	}, nil)
	th := env.create(t, thread.Seed{Title: "Pump"})

	if _, err := env.loop.Run(context.Background(), th, trigger.Message{Content: "pump?"}, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := env.stored(t, th.ID)
	if r := roles(got.Messages); r != "user,assistant,assistant" {
		t.Fatalf("roles = %s, want user,assistant,assistant", r)
	}
	if got.Messages[1].Content != "Ok" || got.Messages[2].Content != "The pump is running fine." {
		t.Errorf("assistant messages = %q, %q", got.Messages[1].Content, got.Messages[2].Content)
	}
}

func TestRun_AssemblesContext(t *testing.T) {
	env := newEnv(t, []llmtest.Step{{Tokens: []string{"ok"}}}, nil)
	th := env.create(t, thread.Seed{
		Title: "Seeded",
		Messages: []thread.Message{
			thread.NewMessage(thread.RoleUser, "hello"),
			thread.NewMessage(thread.RoleAssistant, "hi"),
			thread.NewMessage(thread.RoleTool, `{"raw":"output"}`),
			thread.NewMessage(thread.RoleSystem, "disk is full"),
		},
		Context: map[string]any{"host": "nas"},
	})

	if _, err := env.loop.Run(context.Background(), th, trigger.Message{Content: "and now?"}, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := env.client.Calls()
	if len(calls) == 0 {
		t.Fatal("engine not called")
	}
	msgs := calls[0].Messages
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, `"host": "nas"`) {
		t.Errorf("system prompt missing thread context: %q", msgs[0].Content)
	}

	var got []string
	for _, m := range msgs[1:] {
		if m.Role == "tool" {
			t.Errorf("tool message replayed: %q", m.Content)
		}
		got = append(got, m.Role+":"+m.Content)
	}
	want := []string{"user:hello", "assistant:hi", "user:[System] disk is full", "user:and now?"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("assembled = %q, want %q", got, want)
	}
}

func TestRun_WakeClearsFieldsAndAppendsSystemMessage(t *testing.T) {
	env := newEnv(t, []llmtest.Step{{Tokens: []string{"Pump is fine now."}}}, nil)
	th := env.create(t, thread.Seed{})
	th, err := env.store.Update(context.Background(), th.ID, thread.Patch{
		Status:     thread.Ptr(thread.StatusSleeping),
		WakeHandle: thread.Ptr("job-1"),
		WakeReason: thread.Ptr("check pump"),
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := env.loop.Run(context.Background(), th, trigger.Wake{Handle: "job-1", Reason: "check pump"}, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := env.stored(t, th.ID)
	if got.WakeHandle != "" || got.WakeReason != "" {
		t.Errorf("wake fields = %q/%q, want cleared", got.WakeHandle, got.WakeReason)
	}
	if got.Status != thread.StatusActive || resp.Status != thread.StatusActive {
		t.Errorf("status = %s/%s, want active", got.Status, resp.Status)
	}
	if r := roles(got.Messages); r != "system,assistant" {
		t.Fatalf("roles = %s", r)
	}
	if !strings.Contains(got.Messages[0].Content, "check pump") {
		t.Errorf("wake message = %q", got.Messages[0].Content)
	}

	// Wakes never trigger title derivation.
	env.loop.Wait()
	if n := len(env.client.Calls()); n != 1 {
		t.Errorf("engine calls = %d, want 1", n)
	}
}

func TestRun_ScheduleWakeLeavesThreadSleeping(t *testing.T) {
	env := newEnv(t, []llmtest.Step{
		{ToolCalls: []llm.ToolCall{
			llmtest.ToolCall("c1", metatools.ScheduleWake, map[string]any{"delay": "10m", "reason": "recheck backup"}),
		}},
		{Tokens: []string{"I'll check back in ten minutes."}},
	}, nil)
	th := env.create(t, thread.Seed{Title: "Backup"})

	resp, err := env.loop.Run(context.Background(), th, trigger.Message{Content: "watch the backup"}, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := env.stored(t, th.ID)
	if got.Status != thread.StatusSleeping || resp.Status != thread.StatusSleeping {
		t.Fatalf("status = %s/%s, want sleeping", got.Status, resp.Status)
	}
	if len(env.scheduler.scheduled) != 1 {
		t.Fatalf("scheduled = %d, want 1", len(env.scheduler.scheduled))
	}
	if got.WakeHandle != env.scheduler.scheduled[0].ID || got.WakeReason != "recheck backup" {
		t.Errorf("wake = %q/%q", got.WakeHandle, got.WakeReason)
	}
	if r := roles(got.Messages); r != "user,assistant" {
		t.Errorf("roles = %s", r)
	}
}

func TestRun_CompleteTask(t *testing.T) {
	env := newEnv(t, []llmtest.Step{
		{Tokens: []string{"Restarting."}, ToolCalls: []llm.ToolCall{
			llmtest.ToolCall("c1", metatools.CompleteTask, map[string]any{"summary": "pump restarted"}),
		}},
		{Tokens: []string{"All done."}},
	}, nil)
	th := env.create(t, thread.Seed{Title: "Pump"})

	resp, err := env.loop.Run(context.Background(), th, trigger.Message{Content: "restart the pump"}, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := env.stored(t, th.ID)
	if got.Status != thread.StatusComplete || resp.Status != thread.StatusComplete {
		t.Errorf("status = %s/%s, want complete", got.Status, resp.Status)
	}
	if got.Context[metatools.SummaryContextKey] != "pump restarted" {
		t.Errorf("summary = %v", got.Context[metatools.SummaryContextKey])
	}
}

func TestRun_GetContextSeesStoreContext(t *testing.T) {
	env := newEnv(t, []llmtest.Step{
		{ToolCalls: []llm.ToolCall{
			llmtest.ToolCall("c1", metatools.StoreContext, map[string]any{"key": "pump", "value": "on"}),
		}},
		{ToolCalls: []llm.ToolCall{
			llmtest.ToolCall("c2", metatools.GetContext, map[string]any{"key": "pump"}),
		}},
		{Tokens: []string{"The pump is on."}},
	}, nil)
	th := env.create(t, thread.Seed{Title: "Pump"})

	if _, err := env.loop.Run(context.Background(), th, trigger.Message{Content: "remember the pump"}, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := env.client.Calls()
	if len(calls) < 3 {
		t.Fatalf("engine calls = %d, want 3", len(calls))
	}
	last := calls[2].Messages[len(calls[2].Messages)-1]
	if last.Role != "tool" || !strings.Contains(last.Content, `"value":"on"`) {
		t.Errorf("get_context result = %q", last.Content)
	}
	if got := env.stored(t, th.ID); got.Context["pump"] != "on" {
		t.Errorf("stored context = %v", got.Context)
	}
}

func TestRun_AdmissionRejectsUnservedModel(t *testing.T) {
	env := newEnv(t, nil, func(c *Config) { c.DefaultModel = "" })
	th := env.create(t, thread.Seed{})

	_, err := env.loop.Run(context.Background(), th, trigger.Message{Content: "hello"}, "")
	var ae *AdmissionError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *AdmissionError", err)
	}
	if got := env.stored(t, th.ID); got.Version != th.Version || len(got.Messages) != 0 {
		t.Errorf("thread written before admission: version %d, %d messages", got.Version, len(got.Messages))
	}
}

func TestRun_IterationLimit(t *testing.T) {
	looping := func(text string) llmtest.Step {
		return llmtest.Step{Tokens: []string{text}, ToolCalls: []llm.ToolCall{
			llmtest.ToolCall("c", metatools.GetContext, map[string]any{"key": "x"}),
		}}
	}
	env := newEnv(t, []llmtest.Step{looping("first"), looping("second")}, func(c *Config) {
		c.MaxIterations = 2
		c.StepsPerIteration = 1
	})
	th := env.create(t, thread.Seed{Title: "Loop"})

	_, err := env.loop.Run(context.Background(), th, trigger.Message{Content: "go"}, "")
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if te.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", te.Iterations)
	}

	got := env.stored(t, th.ID)
	if r := roles(got.Messages); r != "user,assistant,assistant" {
		t.Errorf("partial transcript roles = %s", r)
	}
}

func TestRun_DurationLimit(t *testing.T) {
	env := newEnv(t, []llmtest.Step{{Tokens: []string{"late"}, Delay: 5 * time.Second}}, func(c *Config) {
		c.MaxDuration = 50 * time.Millisecond
	})
	th := env.create(t, thread.Seed{Title: "Slow"})

	start := time.Now()
	_, err := env.loop.Run(context.Background(), th, trigger.Message{Content: "hurry"}, "")
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("run took %s", time.Since(start))
	}
	if got := env.stored(t, th.ID); roles(got.Messages) != "user" {
		t.Errorf("roles = %s, want the trigger message kept", roles(got.Messages))
	}
}

// conflictStore performs a concurrent write right before the final
// write of a run, or fails every final write when broken is set.
type conflictStore struct {
	thread.Store
	mu          sync.Mutex
	statusCalls int
	broken      bool
}

func (s *conflictStore) UpdateLocked(ctx context.Context, id string, v int64, p thread.Patch) (*thread.Thread, error) {
	if p.Status != nil {
		s.mu.Lock()
		s.statusCalls++
		n := s.statusCalls
		s.mu.Unlock()
		if s.broken && n > 1 {
			return nil, errors.New("disk I/O error")
		}
		if n == 2 {
			if _, err := s.Store.Update(ctx, id, thread.Patch{
				ContextMerge: map[string]any{"external": "yes"},
			}); err != nil {
				return nil, err
			}
		}
	}
	return s.Store.UpdateLocked(ctx, id, v, p)
}

func TestRun_ReconcileMergesAfterConflict(t *testing.T) {
	env := newEnv(t, []llmtest.Step{{Tokens: []string{"Noted."}}}, nil)
	cs := &conflictStore{Store: env.store}
	env.store = cs
	env.loop = env.newLoop(nil)
	th := env.create(t, thread.Seed{Title: "Race"})

	resp, err := env.loop.Run(context.Background(), th, trigger.Message{Content: "note this"}, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Degraded {
		t.Error("response degraded after a single conflict")
	}
	if cs.statusCalls != 3 {
		t.Errorf("status writes = %d, want trigger + conflicted + retried", cs.statusCalls)
	}

	got := env.stored(t, th.ID)
	if got.Context["external"] != "yes" {
		t.Errorf("concurrent write lost: %v", got.Context)
	}
	if r := roles(got.Messages); r != "user,assistant" {
		t.Errorf("roles = %s", r)
	}
	if resp.Version != got.Version {
		t.Errorf("response version %d, stored %d", resp.Version, got.Version)
	}
}

func TestRun_ReconcileExhaustedIsDegradedNotError(t *testing.T) {
	env := newEnv(t, []llmtest.Step{{Tokens: []string{"Noted."}}}, nil)
	env.store = &conflictStore{Store: env.store, broken: true}
	env.loop = env.newLoop(func(c *Config) { c.ReconcileAttempts = 2 })
	th := env.create(t, thread.Seed{Title: "Broken"})

	resp, err := env.loop.Run(context.Background(), th, trigger.Message{Content: "note this"}, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !resp.Degraded {
		t.Error("Degraded not set")
	}
	if resp.Content != "Noted." {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestRun_DerivesTitleAfterFirstExchange(t *testing.T) {
	env := newEnv(t, []llmtest.Step{
		{Tokens: []string{"The pump is running."}},
		{Tokens: []string{"\"Pump status check.\"\nextra line"}},
	}, nil)
	th := env.create(t, thread.Seed{})
	sub := env.bus.Subscribe(64, th.ID)
	defer env.bus.Unsubscribe(sub)

	if _, err := env.loop.Run(context.Background(), th, trigger.Message{Content: "is the pump on?"}, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}
	env.loop.Wait()

	if got := env.stored(t, th.ID); got.Title != "Pump status check" {
		t.Errorf("title = %q", got.Title)
	}
	var titled bool
	for len(sub) > 0 {
		ev := <-sub
		if ev.Kind == events.KindThreadUpdate && ev.Data["title"] == "Pump status check" {
			titled = true
		}
	}
	if !titled {
		t.Error("no thread_update event with the title")
	}
}

func TestMergeMessages(t *testing.T) {
	a := thread.Message{ID: "a", Role: thread.RoleUser, Content: "one"}
	b := thread.Message{ID: "b", Role: thread.RoleAssistant, Content: "partial"}
	x := thread.Message{ID: "x", Role: thread.RoleUser, Content: "external"}
	bFull := thread.Message{ID: "b", Role: thread.RoleAssistant, Content: "partial answer"}
	c := thread.Message{ID: "c", Role: thread.RoleAssistant, Content: "new"}

	got := mergeMessages([]thread.Message{a, b, x}, []thread.Message{a, bFull, c})
	var ids, contents []string
	for _, m := range got {
		ids = append(ids, m.ID)
		contents = append(contents, m.Content)
	}
	if strings.Join(ids, ",") != "a,b,x,c" {
		t.Errorf("order = %v", ids)
	}
	if contents[1] != "partial answer" {
		t.Errorf("merged content = %q, want ours", contents[1])
	}
}

func TestFinalStatus(t *testing.T) {
	tests := []struct {
		in, want thread.Status
	}{
		{thread.StatusActive, thread.StatusActive},
		{thread.StatusSleeping, thread.StatusSleeping},
		{thread.StatusComplete, thread.StatusComplete},
		{thread.StatusFailed, thread.StatusActive},
	}
	for _, tt := range tests {
		if got := finalStatus(tt.in); got != tt.want {
			t.Errorf("finalStatus(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestCleanTitle(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", "Pump status", "Pump status"},
		{"quoted", `"Pump status"`, "Pump status"},
		{"prefixed", "Title: Pump status.", "Pump status"},
		{"multiline", "Pump status\nBecause the user asked", "Pump status"},
		{"markdown", "**Pump status**", "Pump status"},
		{"blank", "  \n", ""},
		{"long", strings.Repeat("word ", 40), strings.TrimSpace(strings.Repeat("word ", 16))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cleanTitle(tt.in); got != tt.want {
				t.Errorf("cleanTitle(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

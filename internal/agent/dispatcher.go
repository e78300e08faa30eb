package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nugget/skein/internal/events"
	"github.com/nugget/skein/internal/thread"
	"github.com/nugget/skein/internal/trigger"
	"github.com/nugget/skein/internal/wake"
)

// SourceAPI is the source recorded on threads opened by direct messages.
const SourceAPI = "api"

// ErrEmptyMessage rejects a message with no content.
var ErrEmptyMessage = errors.New("message content is empty")

// WakeCanceler cancels scheduled wakes.
type WakeCanceler interface {
	Cancel(ctx context.Context, handle string) (bool, error)
}

// Indexer records finished transcripts for retrieval.
type Indexer interface {
	Index(ctx context.Context, t *thread.Thread) (int, error)
}

// DispatcherConfig wires a Dispatcher. Wakes and History may be nil.
type DispatcherConfig struct {
	Loop     *Loop
	Ingestor *trigger.Ingestor
	Store    thread.Store
	Wakes    WakeCanceler
	History  Indexer
	Events   *events.Bus
	Logger   *slog.Logger
}

// Dispatcher routes messages, alerts and wakes to the loop. Runs on the
// same thread are serialized within the process.
type Dispatcher struct {
	loop     *Loop
	ingestor *trigger.Ingestor
	store    thread.Store
	wakes    WakeCanceler
	history  Indexer
	bus      *events.Bus
	logger   *slog.Logger

	locks sync.Map // thread id -> *sync.Mutex
	wg    sync.WaitGroup
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		loop:     cfg.Loop,
		ingestor: cfg.Ingestor,
		store:    cfg.Store,
		wakes:    cfg.Wakes,
		history:  cfg.History,
		bus:      cfg.Events,
		logger:   logger.With("component", "dispatcher"),
	}
}

// MessageRequest addresses a message either to an existing thread by ID
// or to the live thread of a (Source, SourceID) identity.
type MessageRequest struct {
	ThreadID string `json:"thread_id,omitempty"`
	Source   string `json:"source,omitempty"`
	SourceID string `json:"source_id,omitempty"`
	Content  string `json:"content"`
	Model    string `json:"model,omitempty"`
}

// HandleMessage runs a message synchronously. A pending wake on the
// thread is cancelled first, since the message supersedes it. Closed
// threads return ErrThreadClosed and unknown thread IDs
// thread.ErrNotFound.
func (d *Dispatcher) HandleMessage(ctx context.Context, req MessageRequest) (*Response, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrEmptyMessage
	}
	model, err := d.loop.Admit(req.Model)
	if err != nil {
		return nil, err
	}

	t, err := d.resolveMessageThread(ctx, req)
	if err != nil {
		return nil, err
	}

	unlock := d.lock(t.ID)
	defer unlock()

	// Re-read under the lock; a run that just finished may have moved it.
	if fresh, err := d.store.FindByID(ctx, t.ID); err == nil && fresh != nil {
		t = fresh
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("thread %s is %s: %w", t.ID, t.Status, ErrThreadClosed)
	}
	if t.HasPendingWake() {
		t = d.supersedeWake(ctx, t)
	}

	resp, err := d.loop.Run(ctx, t, trigger.Message{Content: req.Content}, model)
	d.index(ctx, t.ID)
	return resp, err
}

func (d *Dispatcher) resolveMessageThread(ctx context.Context, req MessageRequest) (*thread.Thread, error) {
	if req.ThreadID != "" {
		t, err := d.store.FindByID(ctx, req.ThreadID)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, fmt.Errorf("thread %s: %w", req.ThreadID, thread.ErrNotFound)
		}
		return t, nil
	}
	source := req.Source
	if source == "" {
		source = SourceAPI
	}
	t, _, err := d.ingestor.GetOrCreate(ctx, source, req.SourceID)
	return t, err
}

// supersedeWake cancels the thread's pending wake and clears the wake
// fields. Failures are logged: a wake that fires anyway is dropped
// because the thread will no longer be sleeping.
func (d *Dispatcher) supersedeWake(ctx context.Context, t *thread.Thread) *thread.Thread {
	handle := t.WakeHandle
	if d.wakes != nil {
		if _, err := d.wakes.Cancel(ctx, handle); err != nil {
			d.logger.Warn("cancel superseded wake failed", "thread_id", t.ID, "job_id", handle, "error", err)
		}
	}
	stored, err := d.store.Update(ctx, t.ID, thread.Patch{
		WakeHandle: thread.Ptr(""),
		WakeReason: thread.Ptr(""),
	})
	if err != nil {
		d.logger.Warn("clear superseded wake failed", "thread_id", t.ID, "error", err)
		return t
	}
	d.logger.Info("pending wake superseded by message", "thread_id", t.ID, "job_id", handle)
	return stored
}

// AlertReceipt acknowledges an ingested alert.
type AlertReceipt struct {
	ThreadID    string `json:"thread_id"`
	Fingerprint string `json:"fingerprint"`
	Dropped     bool   `json:"dropped"`
}

// HandleAlert opens an investigation thread for a and starts a run in
// the background. An alert whose fingerprint already has a live thread
// is dropped without a run.
func (d *Dispatcher) HandleAlert(ctx context.Context, a trigger.Alert) (*AlertReceipt, error) {
	if _, err := d.loop.Admit(""); err != nil {
		return nil, err
	}
	t, dropped, err := d.ingestor.IngestAlert(ctx, a)
	if err != nil {
		return nil, err
	}
	receipt := &AlertReceipt{ThreadID: t.ID, Fingerprint: trigger.Fingerprint(a), Dropped: dropped}
	if dropped {
		return receipt, nil
	}

	runCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		unlock := d.lock(t.ID)
		defer unlock()

		if _, err := d.loop.Run(runCtx, t, trigger.Message{Content: a.Render()}, ""); err != nil {
			d.fail(runCtx, t.ID, trigger.SourceAlert, err)
		}
		d.index(runCtx, t.ID)
	}()
	return receipt, nil
}

// HandleWake is the wake worker's handler. Wakes for threads that are
// gone, no longer sleeping, or waiting on a different handle are
// dropped without error.
func (d *Dispatcher) HandleWake(ctx context.Context, job *wake.Job) error {
	unlock := d.lock(job.ThreadID)
	defer unlock()

	t, err := d.ingestor.ResolveWake(ctx, job.ThreadID)
	if err != nil {
		return err
	}
	if t != nil && t.WakeHandle != "" && t.WakeHandle != job.ID {
		d.logger.Info("wake dropped, superseded by a newer wake",
			"thread_id", t.ID, "job_id", job.ID, "current", t.WakeHandle)
		t = nil
	}
	if t == nil {
		d.bus.Emit(events.SourceWake, events.KindWakeDropped, job.ThreadID, map[string]any{
			"job_id": job.ID,
			"reason": job.Reason,
		})
		return nil
	}

	// An engine that cannot run leaves the thread sleeping on this
	// handle; the job itself is recorded as failed.
	if _, err := d.loop.Admit(""); err != nil {
		d.logger.Warn("wake not admitted", "thread_id", t.ID, "job_id", job.ID, "error", err)
		return err
	}

	d.bus.Emit(events.SourceWake, events.KindWakeFired, t.ID, map[string]any{
		"job_id": job.ID,
		"reason": job.Reason,
	})
	_, err = d.loop.Run(ctx, t, trigger.Wake{Handle: job.ID, Reason: job.Reason}, "")
	d.index(ctx, t.ID)
	if err != nil {
		var ae *AdmissionError
		if !errors.As(err, &ae) {
			d.fail(ctx, t.ID, "wake", err)
		}
		return err
	}
	return nil
}

// Wait blocks until background alert runs and title derivations finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
	d.loop.Wait()
}

// fail marks a thread failed after a fatal error on a run nobody is
// waiting for. A failed thread never holds a wake.
func (d *Dispatcher) fail(ctx context.Context, threadID, trig string, runErr error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := d.store.Update(ctx, threadID, thread.Patch{
		Status:     thread.Ptr(thread.StatusFailed),
		WakeHandle: thread.Ptr(""),
		WakeReason: thread.Ptr(""),
	}); err != nil {
		d.logger.Error("mark thread failed", "thread_id", threadID, "error", err)
	}
	d.bus.Emit(events.SourceLoop, events.KindRunError, threadID, map[string]any{
		"trigger": trig,
		"error":   runErr.Error(),
	})
}

// index feeds the thread's transcript to the history index. Failures
// only cost retrieval quality.
func (d *Dispatcher) index(ctx context.Context, threadID string) {
	if d.history == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	t, err := d.store.FindByID(ctx, threadID)
	if err != nil || t == nil {
		return
	}
	if n, err := d.history.Index(ctx, t); err != nil {
		d.logger.Warn("history indexing failed", "thread_id", threadID, "error", err)
	} else if n > 0 {
		d.logger.Debug("history indexed", "thread_id", threadID, "entries", n)
	}
}

func (d *Dispatcher) lock(threadID string) func() {
	v, _ := d.locks.LoadOrStore(threadID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

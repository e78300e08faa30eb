package wake

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrWorkerStopped is returned by [Worker.Deliver] after [Worker.Stop].
var ErrWorkerStopped = errors.New("wake worker stopped")

// Handler processes one fired wake.
type Handler func(ctx context.Context, job *Job) error

// WorkerConfig configures a [Worker].
type WorkerConfig struct {
	// QueueSize is the number of fired jobs that may wait for the worker.
	// Default: 64.
	QueueSize int

	// Timeout bounds a single handler invocation. Default: 5m.
	Timeout time.Duration
}

type delivery struct {
	job    *Job
	result chan error
}

// Worker runs wake handlers one at a time, process-wide, so two
// wake-driven runs never race each other.
type Worker struct {
	logger  *slog.Logger
	handle  Handler
	timeout time.Duration

	queue    chan delivery
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker creates a worker. Call [Worker.Start] before delivering.
func NewWorker(logger *slog.Logger, handle Handler, cfg WorkerConfig) *Worker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Worker{
		logger:  logger,
		handle:  handle,
		timeout: cfg.Timeout,
		queue:   make(chan delivery, cfg.QueueSize),
		done:    make(chan struct{}),
	}
}

// Start launches the single processing goroutine. Handlers run under
// contexts derived from ctx.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.done:
				return
			case <-ctx.Done():
				return
			case d := <-w.queue:
				d.result <- w.run(ctx, d.job)
			}
		}
	}()
}

func (w *Worker) run(ctx context.Context, job *Job) (err error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("wake handler panicked", "job_id", job.ID, "thread_id", job.ThreadID, "panic", r)
			err = errors.New("wake handler panicked")
		}
	}()

	start := time.Now()
	err = w.handle(ctx, job)
	w.logger.Debug("wake handled",
		"job_id", job.ID,
		"thread_id", job.ThreadID,
		"elapsed", time.Since(start),
		"error", err,
	)
	return err
}

// Deliver queues job and waits for its handler to finish.
func (w *Worker) Deliver(ctx context.Context, job *Job) error {
	d := delivery{job: job, result: make(chan error, 1)}

	select {
	case w.queue <- d:
	case <-w.done:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-d.result:
		return err
	case <-w.done:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop halts the worker after any in-flight handler returns. Queued
// deliveries are abandoned; their jobs stay undelivered and are retried
// on the next start.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

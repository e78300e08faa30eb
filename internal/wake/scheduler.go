package wake

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DeliverFunc hands a fired job to its consumer and returns when the
// consumer has finished with it.
type DeliverFunc func(ctx context.Context, job *Job) error

// Scheduler arms a timer per pending job and delivers fired jobs through
// a [DeliverFunc]. Jobs survive restarts: Start re-arms everything that
// was not delivered, so delivery is at least once.
type Scheduler struct {
	logger  *slog.Logger
	store   *Store
	deliver DeliverFunc
	now     func() time.Time

	mu      sync.Mutex
	timers  map[string]*time.Timer // jobID -> timer
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a new scheduler.
func New(logger *slog.Logger, store *Store, deliver DeliverFunc) *Scheduler {
	return &Scheduler{
		logger:  logger,
		store:   store,
		deliver: deliver,
		now:     time.Now,
		timers:  make(map[string]*time.Timer),
		stopCh:  make(chan struct{}),
	}
}

// Start re-arms every undelivered job. Overdue jobs fire immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	jobs, err := s.store.ListUndelivered(ctx)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if job.Status == StatusDelivering {
			// Interrupted mid-delivery by a previous shutdown.
			if _, err := s.store.Transition(ctx, job.ID, StatusPending, "", StatusDelivering); err != nil {
				s.logger.Error("failed to requeue interrupted wake", "job_id", job.ID, "error", err)
				continue
			}
			s.logger.Info("redelivering interrupted wake", "job_id", job.ID, "thread_id", job.ThreadID)
		}
		s.arm(job)
	}

	s.logger.Debug("wake scheduler started", "pending", len(jobs))
	return nil
}

// Stop halts the scheduler and waits for in-flight deliveries.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false

	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}

	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("wake scheduler stopped")
}

// Schedule parses delay and records a job that fires into threadID after
// it elapses. An invalid delay returns an *InvalidDelayError before
// anything is stored.
func (s *Scheduler) Schedule(ctx context.Context, threadID, delay, reason string) (*Job, error) {
	d, err := ParseDelay(delay)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	job := &Job{
		ID:        NewID(),
		ThreadID:  threadID,
		Reason:    reason,
		FireAt:    now.Add(d),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}
	s.arm(job)

	s.logger.Info("wake scheduled",
		"job_id", job.ID,
		"thread_id", threadID,
		"fire_at", job.FireAt,
		"reason", reason,
	)
	return job, nil
}

// Cancel stops a pending job. It reports false if the handle is unknown
// or the job already fired or was cancelled.
func (s *Scheduler) Cancel(ctx context.Context, handle string) (bool, error) {
	s.cancelTimer(handle)

	ok, err := s.store.Transition(ctx, handle, StatusCancelled, "", StatusPending)
	if err != nil {
		return false, err
	}
	if ok {
		s.logger.Info("wake cancelled", "job_id", handle)
	}
	return ok, nil
}

// Get returns a job by handle, or nil if unknown.
func (s *Scheduler) Get(ctx context.Context, handle string) (*Job, error) {
	return s.store.Get(ctx, handle)
}

// Armed returns the number of jobs with a live timer.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// arm sets up a timer for job. Timers that fire while the scheduler is
// stopped leave the job pending for the next Start.
func (s *Scheduler) arm(job *Job) {
	delay := job.FireAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, exists := s.timers[job.ID]; exists {
		timer.Stop()
	}
	id := job.ID
	s.timers[id] = time.AfterFunc(delay, func() {
		s.onFire(id)
	})
}

func (s *Scheduler) onFire(jobID string) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	delete(s.timers, jobID)
	s.wg.Add(1)
	stopCh := s.stopCh
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	claimed, err := s.store.Transition(ctx, jobID, StatusDelivering, "", StatusPending)
	if err != nil {
		s.logger.Error("failed to claim wake", "job_id", jobID, "error", err)
		return
	}
	if !claimed {
		s.logger.Debug("wake no longer pending", "job_id", jobID)
		return
	}

	job, err := s.store.Get(ctx, jobID)
	if err != nil || job == nil {
		s.logger.Error("failed to load claimed wake", "job_id", jobID, "error", err)
		return
	}

	s.logger.Info("wake fired", "job_id", jobID, "thread_id", job.ThreadID, "reason", job.Reason)

	derr := s.deliver(ctx, job)
	if ctx.Err() != nil {
		// Shutting down; left in delivering so the next Start redelivers.
		return
	}

	to, detail := StatusFired, ""
	if derr != nil {
		to, detail = StatusFailed, derr.Error()
		s.logger.Error("wake delivery failed", "job_id", jobID, "thread_id", job.ThreadID, "error", derr)
	}
	if _, err := s.store.Transition(context.Background(), jobID, to, detail, StatusDelivering); err != nil {
		s.logger.Error("failed to record wake delivery", "job_id", jobID, "error", fmt.Errorf("%s: %w", to, err))
	}
}

func (s *Scheduler) cancelTimer(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, exists := s.timers[jobID]; exists {
		timer.Stop()
		delete(s.timers, jobID)
	}
}

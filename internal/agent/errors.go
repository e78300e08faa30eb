package agent

import (
	"errors"
	"fmt"
	"time"
)

// ErrThreadClosed is returned when a message addresses a thread that
// has completed or failed.
var ErrThreadClosed = errors.New("thread is closed")

// AdmissionError rejects a run before anything is written, because the
// reasoning engine cannot serve the requested model.
type AdmissionError struct {
	Model  string
	Reason string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("model %q not admitted: %s", e.Model, e.Reason)
}

// TimeoutError reports a run that exceeded its iteration or wall-clock
// ceiling. Messages persisted before the timeout remain on the thread.
type TimeoutError struct {
	Iterations int
	Elapsed    time.Duration
	Limit      string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("run exceeded %s after %d iterations (%s)", e.Limit, e.Iterations, e.Elapsed.Round(time.Millisecond))
}

// PersistenceDegradedError describes a final write that exhausted its
// retries. It is logged, never returned: the caller still receives the
// in-memory response.
type PersistenceDegradedError struct {
	ThreadID string
	Attempts int
	Err      error
}

func (e *PersistenceDegradedError) Error() string {
	return fmt.Sprintf("thread %s: final write failed after %d attempts: %v", e.ThreadID, e.Attempts, e.Err)
}

func (e *PersistenceDegradedError) Unwrap() error {
	return e.Err
}

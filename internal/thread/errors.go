package thread

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by mutations addressed to a thread that does
// not exist. Lookups return a nil thread instead.
var ErrNotFound = errors.New("thread not found")

// ErrConflict matches any [ConflictError] via errors.Is.
var ErrConflict = errors.New("thread version conflict")

// ErrLiveThreadExists is returned by Create when a non-terminal thread
// already holds the same (source, source_id) identity.
var ErrLiveThreadExists = errors.New("live thread exists for source identity")

// ConflictError reports that a locked update found the thread at a
// different version than expected. The caller must re-read and retry the
// intended mutation.
type ConflictError struct {
	ID       string
	Expected int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("thread %s: version %d is stale", e.ID, e.Expected)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

package thread

import "context"

// Store is durable keyed storage for threads. Every successful mutation
// increments Version by exactly one and refreshes UpdatedAt in the same
// atomic statement as the data change.
type Store interface {
	// Create persists a new thread at version 1 with status active.
	Create(ctx context.Context, seed Seed) (*Thread, error)

	// FindByID returns the thread, or nil and no error if it does not exist.
	FindByID(ctx context.Context, id string) (*Thread, error)

	// FindBySource returns the most recently created thread for the
	// identity, live or not, or nil if there is none.
	FindBySource(ctx context.Context, source, sourceID string) (*Thread, error)

	// UpdateLocked applies patch only if the stored version equals
	// expectedVersion. A mismatch returns a *ConflictError and mutates
	// nothing.
	UpdateLocked(ctx context.Context, id string, expectedVersion int64, patch Patch) (*Thread, error)

	// Update applies patch regardless of the stored version. It is for
	// out-of-band writes whose loss to a concurrent writer is acceptable.
	Update(ctx context.Context, id string, patch Patch) (*Thread, error)

	// List returns threads newest first.
	List(ctx context.Context, opts ListOptions) ([]*Thread, error)

	Close() error
}

// ListOptions filters [Store.List].
type ListOptions struct {
	Status Status
	Limit  int
}

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 50

package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nugget/skein/internal/events"
	"github.com/nugget/skein/internal/thread"
)

// Ingestor maps inbound work onto threads. It guarantees at most one
// live thread per (source, source id) identity.
type Ingestor struct {
	store  thread.Store
	bus    *events.Bus
	logger *slog.Logger
}

// NewIngestor creates an ingestor over store. bus may be nil.
func NewIngestor(store thread.Store, bus *events.Bus, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{store: store, bus: bus, logger: logger.With("component", "ingest")}
}

// GetOrCreate returns the live thread for (source, sourceID), creating
// one if none exists or the last one is terminal. An empty sourceID
// always creates a new thread. created reports which happened.
func (i *Ingestor) GetOrCreate(ctx context.Context, source, sourceID string) (t *thread.Thread, created bool, err error) {
	if sourceID == "" {
		t, err := i.create(ctx, source, sourceID)
		return t, err == nil, err
	}

	// A concurrent creator can win between the lookup and the insert;
	// the store's live-identity constraint turns that into
	// ErrLiveThreadExists and the second lookup finds the winner.
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := i.store.FindBySource(ctx, source, sourceID)
		if err != nil {
			return nil, false, fmt.Errorf("find thread %s/%s: %w", source, sourceID, err)
		}
		if existing != nil && !existing.Status.Terminal() {
			return existing, false, nil
		}

		t, err := i.create(ctx, source, sourceID)
		if errors.Is(err, thread.ErrLiveThreadExists) {
			i.logger.Debug("lost thread creation race", "source", source, "source_id", sourceID)
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return t, true, nil
	}
	return nil, false, fmt.Errorf("get or create %s/%s: %w", source, sourceID, thread.ErrLiveThreadExists)
}

// IngestAlert finds or opens the investigation thread for a. When a
// live thread already exists for the alert's fingerprint the alert is
// dropped: that thread is returned unmodified with dropped=true and no
// run should start. A terminal thread with the same fingerprint does
// not block a new one.
func (i *Ingestor) IngestAlert(ctx context.Context, a Alert) (t *thread.Thread, dropped bool, err error) {
	if a.Name == "" {
		return nil, false, errors.New("alert name is required")
	}
	fp := Fingerprint(a)

	t, created, err := i.GetOrCreate(ctx, SourceAlert, fp)
	if err != nil {
		return nil, false, err
	}
	if !created {
		i.logger.Info("alert dropped, investigation already live",
			"thread_id", t.ID,
			"fingerprint", fp,
			"alert", a.Name,
			"status", t.Status,
		)
		i.bus.Emit(events.SourceIngest, events.KindAlertDropped, t.ID, map[string]any{
			"fingerprint": fp,
			"name":        a.Name,
		})
		return t, true, nil
	}
	return t, false, nil
}

// ResolveWake returns the thread a wake should run on, or nil when the
// wake must be dropped because the thread is gone or no longer
// sleeping. Neither case is an error: an orphaned or duplicate wake is
// an expected race.
func (i *Ingestor) ResolveWake(ctx context.Context, threadID string) (*thread.Thread, error) {
	t, err := i.store.FindByID(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("find thread %s: %w", threadID, err)
	}
	if t == nil {
		i.logger.Info("wake dropped, thread not found", "thread_id", threadID)
		return nil, nil
	}
	if t.Status != thread.StatusSleeping {
		i.logger.Info("wake dropped, thread not sleeping", "thread_id", threadID, "status", t.Status)
		return nil, nil
	}
	return t, nil
}

func (i *Ingestor) create(ctx context.Context, source, sourceID string) (*thread.Thread, error) {
	t, err := i.store.Create(ctx, thread.Seed{Source: source, SourceID: sourceID})
	if err != nil {
		return nil, err
	}
	i.logger.Info("thread created", "thread_id", t.ID, "source", source, "source_id", sourceID)
	i.bus.Emit(events.SourceIngest, events.KindThreadCreated, t.ID, map[string]any{
		"source":    source,
		"source_id": sourceID,
	})
	return t, nil
}

// Package events provides a publish/subscribe bus for thread lifecycle
// notifications. Events flow from the orchestration components (loop,
// ingestor, wake scheduler, meta-tools) to observers (the websocket
// stream, the MQTT mirror, logs). Delivery is fire-and-forget: nothing in
// the consistency model depends on an event arriving. The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceLoop identifies events from the orchestration loop.
	SourceLoop = "loop"
	// SourceIngest identifies events from the trigger ingestor.
	SourceIngest = "ingest"
	// SourceWake identifies events from the wake path.
	SourceWake = "wake"
	// SourceMetaTool identifies events from lifecycle tools.
	SourceMetaTool = "metatool"
)

// Kind constants describe the type of event.
const (
	// KindThreadCreated signals a new thread.
	// Data: source, source_id.
	KindThreadCreated = "thread_created"
	// KindThreadMessage signals a new or growing message.
	// Data: message_id, role, content, done.
	KindThreadMessage = "thread_message"
	// KindThreadUpdate signals a status, title or version change.
	// Data: status, title, version.
	KindThreadUpdate = "thread_update"
	// KindWakeScheduled signals that a thread went to sleep.
	// Data: handle, wake_at, reason.
	KindWakeScheduled = "wake_scheduled"
	// KindWakeFired signals a wake being processed.
	// Data: job_id, reason.
	KindWakeFired = "wake_fired"
	// KindWakeDropped signals a wake ignored because the thread is gone,
	// not sleeping, or waiting on a newer wake. Data: job_id, reason.
	KindWakeDropped = "wake_dropped"
	// KindAlertDropped signals an alert deduplicated onto a live thread.
	// Data: fingerprint, name.
	KindAlertDropped = "alert_dropped"
	// KindRunError signals a run that ended in a fatal error.
	// Data: error, trigger.
	KindRunError = "run_error"
)

// Event represents a single lifecycle event.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event.
	Kind string `json:"kind"`
	// ThreadID is the thread the event concerns.
	ThreadID string `json:"thread_id,omitempty"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

type subscription struct {
	ch       chan Event
	threadID string // empty receives everything
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]subscription
	now  func() time.Time
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs: make(map[<-chan Event]subscription),
		now:  time.Now,
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind, threadID string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: b.now().UTC(),
		Source:    source,
		Kind:      kind,
		ThreadID:  threadID,
		Data:      data,
	})
}

// Publish sends an event to all matching subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.threadID != "" && sub.threadID != e.ThreadID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published events. If
// threadID is non-empty only that thread's events are delivered. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int, threadID string) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = subscription{ch: ch, threadID: threadID}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call
// more than once.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(sub.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

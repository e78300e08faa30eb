package metatools

import (
	"sync"

	"github.com/nugget/skein/internal/thread"
)

// Binding is the in-memory view of one thread for the duration of one
// run. The loop owns its transcript; meta-tools update its lifecycle
// fields and context as they persist changes, so later tool calls in
// the same run see them without a storage read.
type Binding struct {
	mu sync.Mutex
	t  *thread.Thread
}

// NewBinding binds a copy of t.
func NewBinding(t *thread.Thread) *Binding {
	return &Binding{t: t.Clone()}
}

// ID returns the bound thread's id.
func (b *Binding) ID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.t.ID
}

// Version returns the last version known to match storage.
func (b *Binding) Version() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.t.Version
}

// Status returns the bound thread's status.
func (b *Binding) Status() thread.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.t.Status
}

// Snapshot returns an independent copy of the bound thread.
func (b *Binding) Snapshot() *thread.Thread {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.t.Clone()
}

// Messages returns a copy of the in-memory transcript.
func (b *Binding) Messages() []thread.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]thread.Message(nil), b.t.Messages...)
}

// SetMessages replaces the in-memory transcript.
func (b *Binding) SetMessages(msgs []thread.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.t.Messages = append([]thread.Message(nil), msgs...)
}

// Context returns one context value.
func (b *Binding) Context(key string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.t.Context[key]
	return v, ok
}

// Adopt takes everything but the transcript from a freshly stored
// copy of the thread: version, status, title, context and wake fields.
func (b *Binding) Adopt(stored *thread.Thread) {
	if stored == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.t.Messages
	b.t = stored.Clone()
	b.t.Messages = msgs
}

// Package thread defines the persisted, resumable unit of agent work and
// the storage contract every backend must honor. Mutations go through one
// of two named operations: [Store.UpdateLocked] for compare-and-swap writes
// that must not lose a race, and [Store.Update] for best-effort writes
// where losing one is acceptable.
package thread

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Status is a thread's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusSleeping Status = "sleeping"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further triggers may run on a thread in
// this status.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSleeping, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// Role identifies the speaker of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one entry in a thread's transcript.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage returns a message with a fresh sortable ID.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        NewMessageID(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// Thread is one ongoing agent conversation.
type Thread struct {
	ID         string         `json:"id"`
	Version    int64          `json:"version"`
	Status     Status         `json:"status"`
	Title      string         `json:"title,omitempty"`
	Source     string         `json:"source"`
	SourceID   string         `json:"source_id,omitempty"`
	Messages   []Message      `json:"messages"`
	Context    map[string]any `json:"context"`
	WakeHandle string         `json:"wake_handle,omitempty"`
	WakeReason string         `json:"wake_reason,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// HasPendingWake reports whether a scheduled wake is recorded on the thread.
func (t *Thread) HasPendingWake() bool {
	return t.WakeHandle != ""
}

// Clone returns a copy that shares no mutable state with t. Context values
// are copied one level deep.
func (t *Thread) Clone() *Thread {
	if t == nil {
		return nil
	}
	c := *t
	c.Messages = slices.Clone(t.Messages)
	c.Context = maps.Clone(t.Context)
	if c.Context == nil {
		c.Context = map[string]any{}
	}
	return &c
}

// Seed holds the creation-time fields of a new thread.
type Seed struct {
	Source   string
	SourceID string
	Title    string
	Messages []Message
	Context  map[string]any
}

// Patch describes a partial mutation. Nil fields are left unchanged.
// WakeHandle and WakeReason set to the empty string clear the wake.
type Patch struct {
	Status     *Status
	Title      *string
	Messages   []Message
	Context    map[string]any
	WakeHandle *string
	WakeReason *string

	// ContextMerge sets individual context keys, leaving the others as
	// stored. It is applied after Context when both are present.
	ContextMerge map[string]any
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Status == nil && p.Title == nil && p.Messages == nil &&
		p.Context == nil && p.ContextMerge == nil &&
		p.WakeHandle == nil && p.WakeReason == nil
}

// Apply mutates t in place the same way a store would.
func (p Patch) Apply(t *Thread) {
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Messages != nil {
		t.Messages = slices.Clone(p.Messages)
	}
	if p.Context != nil {
		t.Context = maps.Clone(p.Context)
	}
	if p.ContextMerge != nil {
		if t.Context == nil {
			t.Context = map[string]any{}
		}
		maps.Copy(t.Context, p.ContextMerge)
	}
	if p.WakeHandle != nil {
		t.WakeHandle = *p.WakeHandle
	}
	if p.WakeReason != nil {
		t.WakeReason = *p.WakeReason
	}
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}

// NewID generates a new UUIDv7 thread identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// NewMessageID generates a new ULID message identifier.
func NewMessageID() string {
	return ulid.Make().String()
}

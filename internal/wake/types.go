// Package wake schedules delayed wake-ups for sleeping threads and
// delivers them, at least once, to a single consumer.
package wake

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Status is a job's delivery state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDelivering Status = "delivering"
	StatusFired      Status = "fired"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// Job is one scheduled wake. Its ID is the opaque wake handle recorded on
// the thread.
type Job struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Reason    string    `json:"reason"`
	FireAt    time.Time `json:"fire_at"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
}

// Payload is the durable body delivered when a job fires.
type Payload struct {
	ThreadID string `cbor:"1,keyasint"`
	Reason   string `cbor:"2,keyasint"`
}

// InvalidDelayError reports a delay string that is not a positive count
// followed by one of s, m, h or d.
type InvalidDelayError struct {
	Input string
}

func (e *InvalidDelayError) Error() string {
	return fmt.Sprintf("invalid delay %q: want a positive number followed by s, m, h or d (e.g. 30m)", e.Input)
}

var delayPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

// maxDelay bounds how far ahead a wake may be scheduled.
const maxDelay = 365 * 24 * time.Hour

// ParseDelay parses a compact delay such as "45s", "10m", "2h" or "3d".
func ParseDelay(s string) (time.Duration, error) {
	m := delayPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, &InvalidDelayError{Input: s}
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || n <= 0 {
		return 0, &InvalidDelayError{Input: s}
	}

	var unit time.Duration
	switch m[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	if n > int64(maxDelay/unit) {
		return 0, &InvalidDelayError{Input: s}
	}
	return time.Duration(n) * unit, nil
}

// NewID generates a new UUIDv7 job handle.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

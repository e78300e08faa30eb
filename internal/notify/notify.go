// Package notify delivers out-of-band notifications on behalf of a
// thread. A notifier that is not configured reports sent=false rather
// than an error, so callers can treat a missing integration as a normal
// outcome.
package notify

import (
	"context"
	"errors"
)

// Notification is a single message addressed to the operator.
type Notification struct {
	ThreadID string
	Title    string
	Text     string
}

// Notifier delivers a notification. It returns false with a nil error
// when the channel is not configured.
type Notifier interface {
	Send(ctx context.Context, n Notification) (bool, error)
}

// Multi fans a notification out to every notifier. It reports sent if
// at least one channel delivered it. Errors from individual channels
// are joined.
type Multi []Notifier

// Send implements [Notifier].
func (m Multi) Send(ctx context.Context, n Notification) (bool, error) {
	var (
		sent bool
		errs []error
	)
	for _, nt := range m {
		if nt == nil {
			continue
		}
		ok, err := nt.Send(ctx, n)
		if err != nil {
			errs = append(errs, err)
		}
		sent = sent || ok
	}
	return sent, errors.Join(errs...)
}

// Nop is a notifier with nothing configured.
type Nop struct{}

// Send implements [Notifier].
func (Nop) Send(context.Context, Notification) (bool, error) { return false, nil }

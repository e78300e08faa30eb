// Package trigger normalizes the three real-world inputs (user
// messages, scheduled wakes and inbound alerts) into the two trigger
// kinds the orchestration loop understands, and decides which thread
// each one belongs to.
package trigger

// Trigger is the sole input to one loop run. It is either a [Message]
// or a [Wake].
type Trigger interface {
	isTrigger()
}

// Message is new content for the thread, from a person or an alert.
type Message struct {
	Content string
}

// Wake is a previously scheduled wake firing.
type Wake struct {
	Handle string
	Reason string
}

func (Message) isTrigger() {}
func (Wake) isTrigger()    {}

// Name returns "message" or "wake", for logs and events.
func Name(t Trigger) string {
	switch t.(type) {
	case Message:
		return "message"
	case Wake:
		return "wake"
	default:
		return "unknown"
	}
}

package prompts

import "fmt"

// wakeTemplate is the body of the system message appended when a
// scheduled wake fires. The format verb is the reason given to
// schedule_wake.
const wakeTemplate = `Scheduled wake: %s

You scheduled this wake-up earlier. Check on what you were waiting for,
then either finish the task, schedule another wake, or reply with what
you found.`

// WakeMessage returns the synthetic message for a fired wake.
func WakeMessage(reason string) string {
	return fmt.Sprintf(wakeTemplate, reason)
}

// systemPrefix marks system-authored history replayed as user turns.
const systemPrefix = "[System] "

// SystemPrefix returns the marker prepended to system messages when
// they are replayed to the model as user turns.
func SystemPrefix() string {
	return systemPrefix
}

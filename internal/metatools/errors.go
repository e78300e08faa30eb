package metatools

import "fmt"

// InvalidInputError reports a missing or malformed meta-tool argument.
// It is raised before any side effect.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func required(field string) error {
	return &InvalidInputError{Field: field, Reason: "is required"}
}

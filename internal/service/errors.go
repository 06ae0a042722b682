package service

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned synchronously for malformed submissions.
	ErrValidation = errors.New("validation failed")
	// ErrSourceResolution marks a referenced resource, archive or source
	// that cannot be found.
	ErrSourceResolution = errors.New("source resolution failed")
	// ErrRecursionLimit marks a reduction that would exceed the configured
	// maximum number of compaction runs.
	ErrRecursionLimit = errors.New("recursion limit exceeded")
	// ErrRequestNotFound is returned when polling an unknown request id.
	ErrRequestNotFound = errors.New("information request not found")
)

// ValidationError describes one rejected field of a sub-request. Index is -1
// for request-level problems.
type ValidationError struct {
	Index int
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: %s", e.Field, e.Msg)
	}
	return fmt.Sprintf("requests[%d].%s: %s", e.Index, e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func sourceError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSourceResolution, fmt.Sprintf(format, args...))
}

package terminal

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for an unknown terminal or tab id.
	ErrNotFound = errors.New("not found")
	// ErrCreationFailed wraps spawn failures; the terminal still exists in error status.
	ErrCreationFailed = errors.New("creation failed")
	// ErrResourceExhausted rejects an operation without changing state.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrProcessCrashed describes an asynchronous process or wrapper failure.
	ErrProcessCrashed = errors.New("process crashed")
	// ErrInvalidRequest covers malformed client input.
	ErrInvalidRequest = errors.New("invalid request")
)

// Invalid builds an ErrInvalidRequest with detail.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

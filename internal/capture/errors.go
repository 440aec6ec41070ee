package capture

import (
	"errors"
	"fmt"
)

// ErrValidation marks intake rejections. Nothing is persisted when an enqueue
// fails with this error.
var ErrValidation = errors.New("validation error")

// ErrNotFound marks lookups for client identifiers the store has never seen.
var ErrNotFound = errors.New("capture record not found")

// ErrInvalidTransition marks lifecycle updates attempted against a record in
// the wrong state, e.g. resolving a record nobody claimed.
var ErrInvalidTransition = errors.New("invalid status transition")

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

package uploader

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransient marks failures worth retrying after backoff: timeouts,
	// connection drops, server-side 5xx responses.
	ErrTransient = errors.New("transient transport error")
	// ErrPermanent marks failures no retry can fix: payload rejected as
	// invalid, category unsupported server-side.
	ErrPermanent = errors.New("permanent transport error")
)

// Wrap tags err with the provided marker while keeping operation context in
// the message. The marker should be one of the sentinel errors above.
func Wrap(marker error, operation, message string, err error) error {
	detail := buildDetail(operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsPermanent reports whether err is classified as unrecoverable.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

func buildDetail(operation, message string) string {
	parts := make([]string, 0, 2)
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "upload failure"
	}
	return strings.Join(parts, ": ")
}

package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound     = errors.New("auth: not found")
	ErrInvalidInput = errors.New("auth: invalid input")

	// ErrInvalidCredential is returned for every authentication failure,
	// whether the identifier exists or not, to prevent enumeration.
	ErrInvalidCredential = errors.New("auth: invalid credentials")
)

// LockedError reports an active lockout window. It carries the retry-after
// duration but never the failure count.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("auth: locked, retry after %s", e.RetryAfter.Round(time.Second))
}

// IsLocked reports whether err is a LockedError and returns it.
func IsLocked(err error) (*LockedError, bool) {
	var locked *LockedError
	if errors.As(err, &locked) {
		return locked, true
	}
	return nil, false
}

package plugins

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("plugin not found")
	ErrDisabled      = errors.New("plugin is disabled")
	ErrAlreadyExists = errors.New("plugin already registered")
)

// ThrottleError — инструмент просит повторить позже (аналог Retry-After).
// Обертка надежности в шлюзе ждет RetryAfter вместо экспоненциального бэкоффа.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error {
	return e.Cause
}

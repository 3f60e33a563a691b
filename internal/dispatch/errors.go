package dispatch

import (
	"errors"
	"fmt"
)

// ErrMissingArgument rejects a command invoked without its required
// inline argument. No backend is called; the user gets a usage
// message.
var ErrMissingArgument = errors.New("missing command argument")

// BackendError wraps any failure from the assistant or search
// backends, or from binding persistence. It is not retried; the
// dispatcher logs the full cause and replies with a generic message.
type BackendError struct {
	Mode string // which mode was being served
	Err  error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend: %v", e.Mode, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

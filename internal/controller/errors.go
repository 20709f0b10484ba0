package controller

import (
	"errors"

	"luckybot/internal/queue"
	"luckybot/internal/storage"
)

// HandlerError wraps a failure of the domain handler. The message that
// caused it stays queued.
type HandlerError struct {
	Err error
}

func (e *HandlerError) Error() string { return "controller: handler: " + e.Err.Error() }
func (e *HandlerError) Unwrap() error { return e.Err }

// IsPropagated reports whether err is a storage or queue failure. Those
// pass through the controller unwrapped, after the message is deleted.
func IsPropagated(err error) bool {
	var se *storage.Error
	var qe *queue.Error
	return errors.As(err, &se) || errors.As(err, &qe)
}

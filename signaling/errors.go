package signaling

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateConnection  = errors.New("connection id already in use")
	ErrInvalidState         = errors.New("operation not allowed in current state")
	ErrMalformedDescription = errors.New("malformed session description")
	ErrMalformedCandidate   = errors.New("malformed ice candidate")
	ErrUnknownConnection    = errors.New("unknown connection")
	ErrResource             = errors.New("resource allocation failed")
)

// Error describes a rejected signaling operation.
type Error struct {
	Op    string
	ID    string
	State State
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.Op, e.ID, e.State, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether err should end the signaling session of the
// client that caused it.
func Fatal(err error) bool {
	return errors.Is(err, ErrMalformedDescription) ||
		errors.Is(err, ErrDuplicateConnection) ||
		errors.Is(err, ErrUnknownConnection) ||
		errors.Is(err, ErrResource)
}

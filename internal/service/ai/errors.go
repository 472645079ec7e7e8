package ai

import (
	"errors"
	"fmt"
)

// ErrUnavailable matches every completion failure. Callers that only need
// to know "the model did not answer" test for it with errors.Is.
var ErrUnavailable = errors.New("completion unavailable")

// ErrorKind classifies a failed completion.
type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"
	KindStatus    ErrorKind = "status"
	KindMalformed ErrorKind = "malformed"
)

// Error is returned by Complete and GenerateTitle.
type Error struct {
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("completion %s (http %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("completion %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrUnavailable, e.Err}
}

// KindOf reports the kind of a completion error, or "" for other errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

package errors

import (
	goErrors "errors"
	"fmt"
)

// New returns a new error with the given message.
func New(msg string) error {
	return goErrors.New(msg)
}

// Errorf returns a new error with the given formatted message.
func Errorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

// ContextError wraps an error with additional context on what the process was
// doing when the error occurred.
type ContextError struct {
	Context string
	Err     error
}

func (err ContextError) Error() string {
	return fmt.Sprintf("%s: %s", err.Context, err.Err)
}

// Unwrap returns the wrapped error.
func (err ContextError) Unwrap() error {
	return err.Err
}

// WithContext annotates err with the given context. It returns nil if err is
// nil so that it can be used directly on function results.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return ContextError{Context: context, Err: err}
}

// RootCause returns the innermost error in a chain of ContextErrors.
func RootCause(err error) error {
	for {
		ctxErr, ok := err.(ContextError)
		if !ok {
			return err
		}
		err = ctxErr.Err
	}
}

// FriendlyError is an error that can be displayed directly to the user
// without any additional context.
type FriendlyError struct {
	Message string
}

func (err FriendlyError) Error() string {
	return err.Message
}

// FriendlyMessage returns the user-facing message.
func (err FriendlyError) FriendlyMessage() string {
	return err.Message
}

// NewFriendlyError creates a new FriendlyError with the given formatted
// message.
func NewFriendlyError(format string, args ...interface{}) error {
	return FriendlyError{Message: fmt.Sprintf(format, args...)}
}

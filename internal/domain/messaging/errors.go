package messaging

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrCreateConversation = errors.New("failed to create conversation")
	ErrSendMessage        = errors.New("failed to send message")
	ErrSearchMessages     = errors.New("failed to search messages")
)

// Error carries a caller-facing message alongside its kind and, for
// persistence failures, the underlying cause.
type Error struct {
	Kind  error
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Msg + ": " + e.Cause.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

// Public is the text safe to show to the caller.
func (e *Error) Public() string {
	return e.Msg
}

func newError(kind error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// storeError reports a persistence failure with the generic text of kind.
func storeError(kind, cause error) error {
	return &Error{Kind: kind, Msg: kind.Error(), Cause: cause}
}

// PublicMessage returns the caller-facing text of err.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Public()
	}
	return "internal error"
}

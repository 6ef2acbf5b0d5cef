package feedback

import (
	"errors"
	"fmt"
)

// Sentinel errors wrapped by ParseError.
var (
	ErrInvalidDSN     = errors.New("invalid delivery status notification")
	ErrInvalidARF     = errors.New("invalid abuse report")
	ErrInvalidAddress = errors.New("no resolvable feedback address")
	ErrNotUnsubscribe = errors.New("not an unsubscribe request")
	ErrInvalidReply   = errors.New("invalid smtp reply")
	ErrInvalidRecord  = errors.New("invalid accounting record")
)

// ParseError reports input that can never be turned into an Event.
// Retrying it is pointless.
type ParseError struct {
	Source Source
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.Source, e.Err, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

func reject(src Source, sentinel error, format string, args ...interface{}) error {
	return &ParseError{Source: src, Err: sentinel, Reason: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err is a parse rejection.
func IsRejection(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

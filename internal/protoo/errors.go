package protoo

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is wrapped by Request when no response arrives in time.
	ErrTimeout = errors.New("protoo: request timed out")
	// ErrClosed is returned for operations on a closed session.
	ErrClosed = errors.New("protoo: session closed")
)

// StatusError is a protocol-level failure carrying a response code. Handlers
// return it to choose the errorCode sent to the peer; Request returns it
// when the peer answers ok:false.
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("protoo: [%d] %s", e.Code, e.Reason)
}

func BadRequest(reason string) *StatusError     { return &StatusError{Code: 400, Reason: reason} }
func Unauthorized(reason string) *StatusError   { return &StatusError{Code: 401, Reason: reason} }
func NotFound(reason string) *StatusError       { return &StatusError{Code: 404, Reason: reason} }
func NotImplemented(reason string) *StatusError { return &StatusError{Code: 501, Reason: reason} }

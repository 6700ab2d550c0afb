package protocol

import (
	"errors"
	"fmt"
)

// ErrConnection indicates the analytics service could not be reached or
// the session dropped. In-flight calls fail with this error when the
// transport dies underneath them.
var ErrConnection = errors.New("analytics service connection error")

// ErrTimeout indicates a call exceeded its deadline.
var ErrTimeout = errors.New("analytics call timed out")

// ErrClosed indicates the client was closed before or during a call.
var ErrClosed = errors.New("analytics client closed")

// RemoteError is an application-level fault reported by the service.
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

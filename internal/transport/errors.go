package transport

import (
	"errors"
	"fmt"

	"github.com/danmuck/clearctl/internal/protocol/rpc"
)

var (
	ErrURLRequired       = errors.New("transport: url required")
	ErrInvalidScheme     = errors.New("transport: url scheme must be ws or wss")
	ErrTLSRequiresWSS    = errors.New("transport: tls settings require a wss url")
	ErrConnection        = errors.New("transport: connection failed")
	ErrConnectInProgress = errors.New("transport: connect already in progress")
	ErrTimeout           = errors.New("transport: request timeout")
	ErrRemote            = errors.New("transport: remote error")
	ErrClosed            = errors.New("transport: manager closed")
)

// RemoteError is an explicit error reply from the coordinator.
type RemoteError struct {
	Method  rpc.Method
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("transport: remote error method=%s code=%d: %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("transport: remote error method=%s: %s", e.Method, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// IsRetryable reports whether re-issuing the same request may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnection)
}

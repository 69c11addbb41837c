package errors

import (
	sterrors "errors"
	"fmt"

	"github.com/drblury/mqbridge/internal/bridge/envelope"
)

var (
	// ErrPoolExhausted is returned when no broker connection becomes
	// available within the pool's acquire wait bound.
	ErrPoolExhausted = sterrors.New("mqbridge: connection pool exhausted")

	// ErrBrokerUnavailable is returned when the broker cannot be reached
	// while trying to establish a new connection.
	ErrBrokerUnavailable = sterrors.New("mqbridge: broker unavailable")

	// ErrCallTimeout is returned when no matching response arrives within
	// an outbound call's deadline.
	ErrCallTimeout = sterrors.New("mqbridge: call timed out")

	// ErrTransport marks connect, channel, publish, or consume failures.
	// Callers decide the retry policy; the bridge never retries itself.
	ErrTransport = sterrors.New("mqbridge: transport failure")

	// ErrDecode marks a malformed wire envelope on either side.
	ErrDecode = sterrors.New("mqbridge: envelope decode failure")

	ErrPoolClosed      = sterrors.New("mqbridge: connection pool is closed")
	ErrBridgeClosed    = sterrors.New("mqbridge: bridge is closed")
	ErrHandlerRequired = sterrors.New("mqbridge: handler is required")
	ErrLoggerRequired  = sterrors.New("mqbridge: logger is required")
)

// RemoteError carries a business failure reported by the remote handler. It
// is a definitional outcome of a call, not a fault, and is never retried.
type RemoteError struct {
	Code            string
	Message         string
	BackendMessages []envelope.BackendMessage
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("mqbridge: remote error %s: %s", e.Code, e.Message)
}

// AsRemoteError unwraps err into a RemoteError if one is present.
func AsRemoteError(err error) (*RemoteError, bool) {
	var re *RemoteError
	if sterrors.As(err, &re) {
		return re, true
	}
	return nil, false
}

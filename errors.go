package sockchan

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// Errors returned by channel and connection operations.
var (
	// ErrInvalidCodec is returned when no codec is provided.
	ErrInvalidCodec = errors.New("invalid codec callback")
	// ErrMessageTooLarge is returned when a message exceeds the maximum allowed size.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrIllegalState is returned on API misuse: registering a session before
	// install completed, or installing off the connection's loop.
	ErrIllegalState = errors.New("illegal state")
	// ErrInternalConsistency reports buffered inbound data found after the
	// buffering stage left the pipeline without draining it.
	ErrInternalConsistency = errors.New("internal consistency violation")
	// ErrInactive is the failure cause when the engine reports the connection gone.
	ErrInactive = errors.New("connection inactive")
	// ErrCancelled completes a cancelled Future.
	ErrCancelled = errors.New("cancelled")
	// ErrUnexpectedMessage is returned when a stage receives a message type it cannot handle.
	ErrUnexpectedMessage = errors.New("unexpected message type")
)

// TransportError is a read or write failure surfaced by the I/O engine,
// tagged with the remote address for diagnostics.
type TransportError struct {
	Addr net.Addr
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %v: %v", e.Addr, e.Err)
}

// Unwrap returns the underlying I/O error.
func (e *TransportError) Unwrap() error { return e.Err }

// Cause implements the github.com/pkg/errors causer interface.
func (e *TransportError) Cause() error { return e.Err }

// transportError wraps err with the remote address. Errors that are already
// transport errors are returned unchanged.
func transportError(err error, addr net.Addr) error {
	if err == nil || IsTransportError(err) {
		return err
	}
	return &TransportError{Addr: addr, Err: err}
}

// IsTransportError reports whether err is, or wraps, a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// EncodeError is returned for an outbound message the codec could not encode.
// Nothing was written, so the connection itself is still usable.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string {
	return "encode: " + e.Err.Error()
}

// Unwrap returns the codec's error.
func (e *EncodeError) Unwrap() error { return e.Err }

// Cause implements the github.com/pkg/errors causer interface.
func (e *EncodeError) Cause() error { return e.Err }

// IsEncodeError reports whether err is, or wraps, an *EncodeError.
func IsEncodeError(err error) bool {
	var ee *EncodeError
	return errors.As(err, &ee)
}

package dispatch

import (
	stderrors "errors"
	"io"
	"net"
	"syscall"

	"github.com/pkg/errors"
)

// Errors returned by endpoint and session operations.
var (
	// ErrConnectionClosed is returned when the peer closed the stream, either at a
	// frame boundary or in the middle of a frame, and when sending on a session
	// that is already closing.
	ErrConnectionClosed = stderrors.New("connection closed")
	// ErrCancelled is the terminal reason of a session shut down by its owner.
	ErrCancelled = stderrors.New("session cancelled")
	// ErrUnknownHandler is returned by Registry.Dispatch for an unregistered id.
	ErrUnknownHandler = stderrors.New("unhandled message type")
	// ErrPayloadTooLarge is returned when a frame exceeds the maximum payload size.
	ErrPayloadTooLarge = stderrors.New("payload too large")

	// ErrDuplicateHandler is returned when registering an id that already has a handler.
	ErrDuplicateHandler = stderrors.New("handler already registered")
	// ErrReservedHandler is returned when registering or sending the ping id.
	ErrReservedHandler = stderrors.New("handler id is reserved")
	// ErrNilHandler is returned when registering a nil handler.
	ErrNilHandler = stderrors.New("nil handler")

	// ErrNotConnected is returned by Client.Send without a live connection.
	ErrNotConnected = stderrors.New("client not connected")
	// ErrAlreadyConnected is returned by Client.Connect while connected.
	ErrAlreadyConnected = stderrors.New("client already connected")
	// ErrServerRunning is returned by Server.Start on a running server.
	ErrServerRunning = stderrors.New("server already running")
)

// TransportError reports a failure at the stream layer: dial, accept, read or write.
// It terminates the affected session only, never the whole endpoint.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the underlying failure was a deadline expiry.
func (e *TransportError) Timeout() bool {
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// transportError classifies a raw stream error. End-of-stream conditions become
// ErrConnectionClosed so callers can tell a peer hang-up from an I/O fault.
func transportError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return errors.WithMessage(ErrConnectionClosed, op)
	}
	return &TransportError{Op: op, Err: err}
}

// peerHungUp reports whether a write failed because the peer already went away.
func peerHungUp(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF)
}

// joinErrors combines per-target failures of a multi-client send.
func joinErrors(errs []error) error {
	return stderrors.Join(errs...)
}

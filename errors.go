package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned by calls that were outstanding, or issued, after the session ended,
	// whether by Close or because the transport went away.
	ErrSessionClosed = errors.New("session closed")

	// ErrRequestTimeout is returned when the server did not answer a request within the read timeout.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrNotConnected is returned when a Client is used before Connect succeeded.
	ErrNotConnected = errors.New("client not connected")

	// ErrMalformedMessage is returned when a response could not be decoded into the expected shape.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrDeclined may be returned by a SamplingHandler or ElicitationHandler to refuse the request.
	ErrDeclined = errors.New("declined by user")
)

// ConnectError reports that a session could not be established, either because the transport
// failed to start or because the initialization handshake failed.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect: %s", e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

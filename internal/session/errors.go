package session

import (
	"errors"
	"fmt"

	"github.com/shaunagostinho/pinlink/internal/protocol"
)

var (
	// ErrInvalidState is returned when an operation is not legal in the
	// session's current state, e.g. Send while streaming.
	ErrInvalidState = errors.New("session: invalid state")
	// ErrNotAcknowledged is returned when the device answered a loop or
	// configuration command negatively or not at all.
	ErrNotAcknowledged = errors.New("session: not acknowledged")
	// ErrUnsupportedFunction is returned by SetPinFunction for a function
	// the pin cannot take. Nothing is written to the device.
	ErrUnsupportedFunction = errors.New("session: function not supported by pin")
	// ErrClosed is returned by operations interrupted by Close.
	ErrClosed = errors.New("session: closed")
	// ErrMalformedResponse matches every *ProtocolError of kind Malformed.
	ErrMalformedResponse = protocol.ErrMalformed
)

// ConnectError reports a port that could not be opened. No session exists
// after a ConnectError.
type ConnectError struct {
	Port string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("session: connect %s: %v", e.Port, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ProtocolErrorKind classifies a ProtocolError.
type ProtocolErrorKind int

const (
	// Malformed: a reply arrived but does not fit the command.
	Malformed ProtocolErrorKind = iota
	// Timeout: no reply arrived. Send reports this as Received=false rather
	// than as an error; only callers that need a reply raise it.
	Timeout
)

func (k ProtocolErrorKind) String() string {
	if k == Timeout {
		return "timeout"
	}
	return "malformed response"
}

// ProtocolError is a reply that could not be used for cmd.
type ProtocolError struct {
	Kind    ProtocolErrorKind
	Command protocol.Command
	Line    string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Kind == Timeout {
		return fmt.Sprintf("session: %s: no response", e.Command)
	}
	return fmt.Sprintf("session: %s: %s %q: %v", e.Command, e.Kind, e.Line, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TransportError is an I/O failure mid-session. It is fatal to the session
// that raised it and to no other.
type TransportError struct {
	Port string
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("session: %s %s: %v", e.Op, e.Port, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

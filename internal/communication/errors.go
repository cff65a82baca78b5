package communication

import (
	"errors"
	"strings"

	"grindstone/internal/statistics"
)

// Op names the stage of the message layer an Error came from.
type Op string

const (
	OpBind      Op = "bind"
	OpHandshake Op = "handshake"
	OpReceive   Op = "receive"
	OpSend      Op = "send"
	OpDispatch  Op = "dispatch"
)

var (
	// ErrShutdown is returned by operations on a component that has been
	// shut down.
	ErrShutdown = errors.New("communication: shut down")

	// ErrFrameTooLarge is returned for frames whose body exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("communication: frame too large")

	// ErrUnknownKind is returned when a frame carries a kind the codec does
	// not know.
	ErrUnknownKind = errors.New("communication: unknown message kind")

	// ErrLayoutMismatch is returned by the handshake when both ends disagree
	// on the statistics layout.
	ErrLayoutMismatch = statistics.ErrLayoutMismatch

	// ErrRejectedType is returned by the handshake for an unknown connection type.
	ErrRejectedType = errors.New("communication: connection type rejected")

	// ErrMalformedHandshake is returned for handshakes that cannot be parsed.
	ErrMalformedHandshake = errors.New("communication: malformed handshake")

	// ErrRequestFailed wraps the text of an ErrorResponseMessage.
	ErrRequestFailed = errors.New("communication: request failed")
)

// Error describes a failure on one connection or at one stage of the
// message layer.
type Error struct {
	Op      Op
	Type    ConnectionType
	Address Address
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("communication: ")
	b.WriteString(string(e.Op))
	if e.Type.Valid() {
		b.WriteString(" ")
		b.WriteString(e.Type.String())
	}
	if e.Address != nil {
		b.WriteString(" ")
		b.WriteString(e.Address.String())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

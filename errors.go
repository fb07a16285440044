package courier

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors reported by message construction, the codec, and connections.
var (
	// ErrInvalidPayload is returned when message construction is handed data
	// that violates the model: an empty or duplicate key, or raw text that is
	// not valid UTF-8.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrPayloadTooLarge is returned at encode time when a message does not
	// fit the wire format's length fields. The connection stays usable.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrMessageTooLarge is returned when an inbound frame exceeds the
	// connection's configured maximum message size.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrTimeout is returned when the configured read timeout elapses while
	// waiting for a frame. The connection is closed.
	ErrTimeout = errors.New("read timeout")
)

// ProtocolReason narrows down why a frame could not be decoded.
type ProtocolReason int

const (
	// UnknownKind means the frame carried a kind tag outside the protocol.
	UnknownKind ProtocolReason = iota
	// Malformed means the frame did not parse exactly: a truncated body,
	// entries not consuming the declared length, or a duplicate key.
	Malformed
)

func (r ProtocolReason) String() string {
	switch r {
	case UnknownKind:
		return "unknown kind"
	case Malformed:
		return "malformed frame"
	default:
		return "protocol error"
	}
}

// ProtocolError reports an unsalvageable framing violation. Once the byte
// stream is ambiguous there is no way to find the next frame boundary, so
// the connection it occurred on is always closed.
type ProtocolError struct {
	Reason ProtocolReason
	Detail string
}

func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return "protocol error: " + e.Reason.String()
	}
	return fmt.Sprintf("protocol error: %s: %s", e.Reason, e.Detail)
}

// TransportError wraps an I/O failure on the underlying stream or listener.
// A transport failure on a connection always closes it.
type TransportError struct {
	Op  string // "read", "write", "dial", "listen"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

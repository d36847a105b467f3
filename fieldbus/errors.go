package fieldbus

import (
	"errors"
	"fmt"
)

var (
	// ErrConnConfigNil indicates that a nil ConnectionConfig was provided.
	ErrConnConfigNil = errors.New("connection config is nil")

	// ErrDriverNil indicates that a nil Driver was provided.
	ErrDriverNil = errors.New("driver is nil")

	// ErrUnknownProtocol indicates that no driver is registered for the protocol of a connection string.
	ErrUnknownProtocol = errors.New("unknown protocol")

	// ErrInvalidConnString indicates a malformed connection string.
	ErrInvalidConnString = errors.New("invalid connection string")
)

var (
	// ErrNotConnected is returned by operations issued while the connection is not ready.
	ErrNotConnected = errors.New("connection is not ready")

	// ErrConnectionClosed resolves every pending and queued operation when a connection closes.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrInvalidTransition is returned when a connection state transition is not allowed.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotSupported is returned by protocols for operations they do not implement.
	ErrNotSupported = errors.New("operation not supported by protocol")

	// ErrEmptyRequest is returned when an operation is issued without tags.
	ErrEmptyRequest = errors.New("request contains no tags")

	// ErrTransactionEnded is returned when a transaction is ended more than once.
	ErrTransactionEnded = errors.New("transaction already ended")

	// ErrQueueFull is returned when a bounded internal queue cannot accept work in time.
	ErrQueueFull = errors.New("queue full")

	// ErrFrameSync is returned by a FrameCodec when the buffered bytes do not start a plausible frame.
	ErrFrameSync = errors.New("frame out of sync")
)

var (
	// ErrAddress matches every *AddressError.
	ErrAddress = errors.New("invalid tag address")

	// ErrCodec matches every *CodecError.
	ErrCodec = errors.New("value codec error")

	// ErrHandshakeFailed matches every *HandshakeError.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrTimeout indicates that no matching response arrived before the deadline.
	ErrTimeout = errors.New("request timeout")

	// ErrTransport matches every *TransportError.
	ErrTransport = errors.New("transport error")

	// ErrProtocolStatus matches every *ProtocolStatusError.
	ErrProtocolStatus = errors.New("protocol status error")
)

// AddressError reports a tag address that cannot be parsed or is not valid for the protocol.
// It is returned before any request is built.
type AddressError struct {
	Address string
	Segment string
	Reason  string
}

func (e *AddressError) Error() string {
	if e.Segment != "" {
		return fmt.Sprintf("invalid tag address %q at %q: %s", e.Address, e.Segment, e.Reason)
	}
	return fmt.Sprintf("invalid tag address %q: %s", e.Address, e.Reason)
}

func (e *AddressError) Is(target error) bool { return target == ErrAddress }

// CodecErrorKind classifies value codec failures.
type CodecErrorKind uint8

const (
	// Truncated indicates a buffer shorter than the declared data type requires.
	Truncated CodecErrorKind = iota + 1
	// UnsupportedSubtype indicates a structure or type code the codec cannot interpret.
	UnsupportedSubtype
	// WidthOverflow indicates a value that does not fit the declared field width.
	WidthOverflow
)

func (k CodecErrorKind) String() string {
	switch k {
	case Truncated:
		return "truncated"
	case UnsupportedSubtype:
		return "unsupported subtype"
	case WidthOverflow:
		return "width overflow"
	default:
		return "unknown"
	}
}

// CodecError reports a failure to encode or decode a value for a declared data type.
type CodecError struct {
	Kind     CodecErrorKind
	DataType string
	Detail   string
}

func (e *CodecError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("codec %s: %s", e.DataType, e.Kind)
	}
	return fmt.Sprintf("codec %s: %s: %s", e.DataType, e.Kind, e.Detail)
}

func (e *CodecError) Is(target error) bool { return target == ErrCodec }

// HandshakeError reports a rejected or malformed session handshake.
type HandshakeError struct {
	Status uint32
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake failed (status 0x%X): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("handshake failed (status 0x%X)", e.Status)
}

func (e *HandshakeError) Is(target error) bool { return target == ErrHandshakeFailed }

func (e *HandshakeError) Unwrap() error { return e.Err }

// TransportError wraps an I/O failure of the underlying byte stream.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolStatusError carries a non-success status code reported by the device.
type ProtocolStatusError struct {
	Code     uint32
	Extended []uint16
	Message  string
}

func (e *ProtocolStatusError) Error() string {
	msg := fmt.Sprintf("protocol status 0x%02X", e.Code)
	if e.Message != "" {
		msg += " (" + e.Message + ")"
	}
	if len(e.Extended) > 0 {
		msg += fmt.Sprintf(" extended %04X", e.Extended)
	}
	return msg
}

func (e *ProtocolStatusError) Is(target error) bool { return target == ErrProtocolStatus }

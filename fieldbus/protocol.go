package fieldbus

import (
	"context"
	"net"
	"time"

	"github.com/arloliu/go-fieldbus/logger"
	"github.com/arloliu/go-fieldbus/plcvalue"
)

// Message is one parsed protocol frame.
type Message interface {
	// String returns a short description used in debug logs.
	String() string
}

// FrameCodec converts between protocol frames and bytes.
//
// Parse and Serialize are pure; for every message m produced by Parse,
// Parse(Serialize(m)) yields a message equal to m.
type FrameCodec interface {
	// TryFrame inspects the head of buf. It returns (0, nil) when more bytes are needed,
	// (n, nil) when buf starts with a complete frame of n bytes, or an error wrapping
	// ErrFrameSync when buf does not start with a plausible frame header.
	TryFrame(buf []byte) (int, error)
	// Resynchronize returns how many leading bytes of buf to discard to reach the next
	// plausible frame start. It returns at least 1 for a non-empty buf.
	Resynchronize(buf []byte) int
	// Parse decodes one complete frame into a fresh message that does not alias frame.
	Parse(frame []byte) (Message, error)
	// Serialize encodes msg into a new byte slice.
	Serialize(msg Message) ([]byte, error)
}

// Tag is a parsed, protocol-specific tag address.
type Tag interface {
	// String returns the normalized address. Two tags are equal iff their normalized forms are.
	String() string
}

// TagEqual reports whether a and b address the same datum.
func TagEqual(a, b Tag) bool {
	return a != nil && b != nil && a.String() == b.String()
}

// ResponseCode classifies the per-tag outcome of an operation.
type ResponseCode uint8

const (
	ResponseOK ResponseCode = iota
	ResponseNotFound
	ResponseAccessDenied
	ResponseInvalidAddress
	ResponseInvalidDataType
	ResponseInvalidData
	ResponseRemoteBusy
	ResponseRemoteError
	ResponseInternalError
	ResponseUnsupported
	ResponseTimeout
)

func (c ResponseCode) String() string {
	switch c {
	case ResponseOK:
		return "OK"
	case ResponseNotFound:
		return "NOT_FOUND"
	case ResponseAccessDenied:
		return "ACCESS_DENIED"
	case ResponseInvalidAddress:
		return "INVALID_ADDRESS"
	case ResponseInvalidDataType:
		return "INVALID_DATATYPE"
	case ResponseInvalidData:
		return "INVALID_DATA"
	case ResponseRemoteBusy:
		return "REMOTE_BUSY"
	case ResponseRemoteError:
		return "REMOTE_ERROR"
	case ResponseInternalError:
		return "INTERNAL_ERROR"
	case ResponseUnsupported:
		return "UNSUPPORTED"
	case ResponseTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// TagRequest names a tag address in a read request. Name keys the result map.
type TagRequest struct {
	Name    string
	Address string
}

// WriteRequest names a tag address and the value to write to it.
type WriteRequest struct {
	Name    string
	Address string
	Value   plcvalue.Value
}

// ReadTag is a parsed read item handed to ProtocolLogic.
type ReadTag struct {
	Name string
	Tag  Tag
}

// WriteTag is a parsed write item handed to ProtocolLogic.
type WriteTag struct {
	Name  string
	Tag   Tag
	Value plcvalue.Value
}

// TagResult is the outcome for one tag. Value is Null unless Code is ResponseOK.
type TagResult struct {
	Code  ResponseCode
	Value plcvalue.Value
	Err   error
}

// OK returns if the tag succeeded.
func (r TagResult) OK() bool { return r.Code == ResponseOK }

// ReadResult maps request names to their outcome.
type ReadResult map[string]TagResult

// WriteResult maps request names to their outcome.
type WriteResult map[string]TagResult

// SubscriptionMode selects when the device emits notifications.
type SubscriptionMode uint8

const (
	SubscriptionCyclic SubscriptionMode = iota
	SubscriptionChangeOfState
	SubscriptionEvent
)

// SubscriptionRequest asks the device to emit notifications for the given tags.
type SubscriptionRequest struct {
	Tags     []TagRequest
	Mode     SubscriptionMode
	Interval time.Duration
}

// SubscribeTag is a parsed subscription item handed to ProtocolLogic.
type SubscribeTag struct {
	Name     string
	Tag      Tag
	Mode     SubscriptionMode
	Interval time.Duration
}

// SubscriptionHandle identifies one live server-side notification registration.
type SubscriptionHandle struct {
	TagName string
	ID      uint32
}

// SubscribeTagResult is the per-tag outcome of a subscribe operation.
type SubscribeTagResult struct {
	Code   ResponseCode
	Handle SubscriptionHandle
	Err    error
}

// SubscribeResult maps request names to their subscription outcome.
type SubscribeResult map[string]SubscribeTagResult

// Handles returns the handles of the successful subscriptions.
func (r SubscribeResult) Handles() []SubscriptionHandle {
	handles := make([]SubscriptionHandle, 0, len(r))
	for _, item := range r {
		if item.Code == ResponseOK {
			handles = append(handles, item.Handle)
		}
	}

	return handles
}

// Notification is one unsolicited value change decoded by ProtocolLogic.
type Notification struct {
	HandleID  uint32
	Code      ResponseCode
	Value     plcvalue.Value
	Timestamp time.Time
}

// ProtocolLogic is the per-connection protocol state machine.
//
// Every method is called on the connection's reactor goroutine, so implementations keep
// their state without locks. Operations finish by resolving the given Completion; a
// Completion that is never resolved fails with ErrTimeout at the request deadline.
type ProtocolLogic interface {
	// Codec returns the frame codec of the protocol.
	Codec() FrameCodec
	// MaxInflight returns the admission limit of concurrent operations.
	MaxInflight() int
	// ParseTag parses a protocol address; errors are *AddressError.
	ParseTag(address string) (Tag, error)
	// OnConnect runs the session handshake.
	OnConnect(cc *ConversationContext, done *Completion[struct{}])
	// OnDisconnect sends any fire-and-forget session teardown frames.
	OnDisconnect(cc *ConversationContext)
	Read(cc *ConversationContext, tags []ReadTag, done *Completion[ReadResult])
	Write(cc *ConversationContext, items []WriteTag, done *Completion[WriteResult])
	Subscribe(cc *ConversationContext, tags []SubscribeTag, done *Completion[SubscribeResult])
	Unsubscribe(cc *ConversationContext, handles []SubscriptionHandle, done *Completion[struct{}])
	// HandleUnsolicited converts a message no conversation claimed into notifications.
	// It returns false when the message is not a notification.
	HandleUnsolicited(msg Message) ([]Notification, bool)
}

// Driver creates ProtocolLogic instances for one protocol.
type Driver interface {
	// Protocol returns the protocol code used in connection strings, e.g. "eip".
	Protocol() string
	// DefaultTransport returns the transport used when the connection string names none.
	DefaultTransport() string
	// DefaultPort returns the port used when the connection string names none.
	DefaultPort() int
	// NewLogic validates the protocol parameters of cs and returns a fresh ProtocolLogic.
	NewLogic(cs *ConnectionString, l logger.Logger) (ProtocolLogic, error)
}

// Transport opens the byte stream of a connection.
type Transport interface {
	Dial(ctx context.Context, network string, address string) (net.Conn, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, network string, address string) (net.Conn, error)

func (f TransportFunc) Dial(ctx context.Context, network string, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// NetTransport dials tcp and udp endpoints with a net.Dialer.
type NetTransport struct {
	Dialer net.Dialer
}

func (t *NetTransport) Dial(ctx context.Context, network string, address string) (net.Conn, error) {
	conn, err := t.Dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	return conn, nil
}

package eip

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/arloliu/go-fieldbus/fieldbus"
	"github.com/arloliu/go-fieldbus/logger"
	"github.com/arloliu/go-fieldbus/plcvalue"
)

// SessionState is the state of the EtherNet/IP session of a connection.
type SessionState uint8

const (
	Disconnected SessionState = iota
	RegisteringSession
	Connected
	Closing
	Closed
)

func (s SessionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case RegisteringSession:
		return "registering-session"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// protocolVersion is the only encapsulation protocol version defined.
const protocolVersion = 1

// errNoSession is returned when the target registers a session without a handle.
var errNoSession = errors.New("target returned session handle 0")

// Logic is the EtherNet/IP explicit messaging state machine of one connection.
//
// Requests are unconnected Read Tag and Write Tag services sent with SendRRData. Two or
// more tags in one operation are packed into a single Multiple Service Packet.
type Logic struct {
	logger      logger.Logger
	paths       *pathCache
	timeout     uint16
	maxInflight int

	state   SessionState
	session uint32
}

var _ fieldbus.ProtocolLogic = (*Logic)(nil)

// State returns the session state. It must be called on the reactor goroutine.
func (l *Logic) State() SessionState { return l.state }

// Session returns the registered session handle, 0 before registration.
func (l *Logic) Session() uint32 { return l.session }

func (l *Logic) Codec() fieldbus.FrameCodec { return Codec{} }

// MaxInflight returns 1; unconnected messaging is not pipelined.
func (l *Logic) MaxInflight() int { return l.maxInflight }

func (l *Logic) ParseTag(address string) (fieldbus.Tag, error) {
	tag, err := ParseTag(address)
	if err != nil {
		return nil, err
	}

	return tag, nil
}

// OnConnect registers a session. A non-zero status fails the handshake with that status.
func (l *Logic) OnConnect(cc *fieldbus.ConversationContext, done *fieldbus.Completion[struct{}]) {
	l.state = RegisteringSession
	l.session = 0

	id := cc.NextCorrelationID()
	req := &Encapsulation{
		Command: CmdRegisterSession,
		Context: id,
		Payload: &RegisterSessionData{ProtocolVersion: protocolVersion},
	}

	fieldbus.Expect[*Encapsulation](cc.SendRequest(req)).
		Check(func(m *Encapsulation) bool { return m.Command == CmdRegisterSession }).
		Check(func(m *Encapsulation) bool { return m.Context == id }).
		OnError(func(err error) {
			l.state = Disconnected
			done.Fail(&fieldbus.HandshakeError{Err: err})
		}).
		Handle(func(m *Encapsulation) {
			switch {
			case m.Status != StatusSuccess:
				l.state = Disconnected
				done.Fail(&fieldbus.HandshakeError{Status: m.Status, Err: encapStatusError(m.Status)})
			case m.Session == 0:
				l.state = Disconnected
				done.Fail(&fieldbus.HandshakeError{Err: errNoSession})
			default:
				l.session = m.Session
				l.state = Connected
				l.logger.Debug("session registered", "method", "OnConnect", "session", m.Session)
				done.Succeed(struct{}{})
			}
		})
}

// OnDisconnect sends UnregisterSession; the target does not reply to it.
func (l *Logic) OnDisconnect(cc *fieldbus.ConversationContext) {
	if l.state != Connected {
		l.state = Closed
		return
	}

	l.state = Closing
	req := &Encapsulation{Command: CmdUnregisterSession, Session: l.session, Context: cc.NextCorrelationID()}
	if err := cc.Send(req); err != nil {
		l.logger.Debug("failed to send UnregisterSession", "method", "OnDisconnect", "error", err)
	}

	l.state = Closed
	l.session = 0
}

func (l *Logic) Read(cc *fieldbus.ConversationContext, tags []fieldbus.ReadTag, done *fieldbus.Completion[fieldbus.ReadResult]) {
	reqs := make([]request, len(tags))
	for i, t := range tags {
		tag := t.Tag.(*Tag)
		reqs[i] = request{
			Service: SvcReadTag,
			Path:    l.paths.encode(tag),
			Data:    binary.LittleEndian.AppendUint16(nil, uint16(tag.Count())),
		}
	}

	l.exchange(cc, reqs, done.Fail, func(replies []serviceSlice) {
		decode := func() (fieldbus.ReadResult, error) {
			result := make(fieldbus.ReadResult, len(tags))
			for i, t := range tags {
				result[t.Name] = readResult(t.Tag.(*Tag), replies[i])
			}
			return result, nil
		}

		if len(tags) > 1 {
			done.ResolveAsync(decode)
			return
		}
		result, _ := decode()
		done.Succeed(result)
	})
}

func (l *Logic) Write(cc *fieldbus.ConversationContext, items []fieldbus.WriteTag, done *fieldbus.Completion[fieldbus.WriteResult]) {
	result := make(fieldbus.WriteResult, len(items))

	var reqs []request
	var sent []fieldbus.WriteTag
	for _, item := range items {
		data, err := writeData(item.Tag.(*Tag), item.Value)
		if err != nil {
			result[item.Name] = fieldbus.TagResult{Code: codecResponse(err), Err: err}
			continue
		}
		reqs = append(reqs, request{Service: SvcWriteTag, Path: l.paths.encode(item.Tag.(*Tag)), Data: data})
		sent = append(sent, item)
	}

	if len(reqs) == 0 {
		done.Succeed(result)
		return
	}

	l.exchange(cc, reqs, done.Fail, func(replies []serviceSlice) {
		for i, item := range sent {
			result[item.Name] = writeResult(replies[i])
		}
		done.Succeed(result)
	})
}

// Subscribe fails with fieldbus.ErrNotSupported; explicit messaging has no notifications.
func (l *Logic) Subscribe(_ *fieldbus.ConversationContext, _ []fieldbus.SubscribeTag, done *fieldbus.Completion[fieldbus.SubscribeResult]) {
	done.Fail(fmt.Errorf("eip subscribe: %w", fieldbus.ErrNotSupported))
}

func (l *Logic) Unsubscribe(_ *fieldbus.ConversationContext, _ []fieldbus.SubscriptionHandle, done *fieldbus.Completion[struct{}]) {
	done.Fail(fmt.Errorf("eip unsubscribe: %w", fieldbus.ErrNotSupported))
}

func (l *Logic) HandleUnsolicited(fieldbus.Message) ([]fieldbus.Notification, bool) {
	return nil, false
}

// exchange sends reqs in one SendRRData round trip and hands the embedded replies, one
// per request, to handle. A single request is sent without the Multiple Service wrapper.
func (l *Logic) exchange(cc *fieldbus.ConversationContext, reqs []request, fail func(error), handle func([]serviceSlice)) {
	var (
		payload []byte
		err     error
	)
	if len(reqs) == 1 {
		payload, err = reqs[0].bytes()
	} else {
		payload, err = encodeMultiService(reqs)
	}
	if err != nil {
		fail(err)
		return
	}

	id := cc.NextCorrelationID()
	session := l.session
	msg := &Encapsulation{
		Command: CmdSendRRData,
		Session: session,
		Context: id,
		Payload: &CommandData{Timeout: l.timeout, Items: unconnectedItems(payload)},
	}

	fieldbus.Expect[*Encapsulation](cc.SendRequest(msg)).
		Check(func(m *Encapsulation) bool { return m.Command == CmdSendRRData }).
		Check(func(m *Encapsulation) bool { return m.Context == id }).
		Check(func(m *Encapsulation) bool { return m.Session == session }).
		OnError(fail).
		Handle(func(m *Encapsulation) {
			if m.Status != StatusSuccess {
				fail(encapStatusError(m.Status))
				return
			}

			data, ok := m.Payload.(*CommandData)
			if !ok {
				fail(errors.New("SendRRData reply without command data"))
				return
			}
			item, ok := data.Item(ItemUnconnectedData)
			if !ok {
				fail(errors.New("SendRRData reply without unconnected data item"))
				return
			}

			if len(reqs) == 1 {
				handle([]serviceSlice{{Data: item.Data}})
				return
			}

			replies, err := splitMultiService(item.Data, len(reqs))
			if err != nil {
				fail(err)
				return
			}
			handle(replies)
		})
}

// splitMultiService checks the outer Multiple Service reply and splits its embedded replies.
func splitMultiService(raw []byte, n int) ([]serviceSlice, error) {
	resp, err := parseResponse(raw)
	if err != nil {
		return nil, err
	}
	if resp.Service != SvcMultipleService {
		return nil, fmt.Errorf("expect Multiple Service reply, got service 0x%02X", byte(resp.Service))
	}
	if resp.Status != cipSuccess && resp.Status != cipEmbeddedServiceError {
		_, statusErr := statusError(resp.Status, resp.Extended)
		return nil, statusErr
	}

	replies, err := decodeMultiService(resp.Data)
	if err != nil {
		return nil, err
	}
	if len(replies) != n {
		return nil, fmt.Errorf("expect %d embedded replies, got %d", n, len(replies))
	}

	return replies, nil
}

func readResult(tag *Tag, reply serviceSlice) fieldbus.TagResult {
	resp, res, ok := checkReply(reply, SvcReadTag)
	if !ok {
		return res
	}

	v, err := decodeTyped(resp.Data, tag.DataType(), tag.Count())
	if err != nil {
		return fieldbus.TagResult{Code: codecResponse(err), Value: plcvalue.Null(), Err: err}
	}

	return fieldbus.TagResult{Code: fieldbus.ResponseOK, Value: v}
}

func writeResult(reply serviceSlice) fieldbus.TagResult {
	_, res, ok := checkReply(reply, SvcWriteTag)
	if !ok {
		return res
	}

	return fieldbus.TagResult{Code: fieldbus.ResponseOK}
}

// checkReply parses one embedded reply and reports whether it succeeded. On failure
// the returned result carries the per-tag outcome.
func checkReply(reply serviceSlice, svc Service) (*response, fieldbus.TagResult, bool) {
	if reply.Err != nil {
		return nil, fieldbus.TagResult{Code: fieldbus.ResponseInvalidData, Err: reply.Err}, false
	}

	resp, err := parseResponse(reply.Data)
	if err != nil {
		return nil, fieldbus.TagResult{Code: fieldbus.ResponseInvalidData, Err: err}, false
	}
	if resp.Service != svc {
		err := fmt.Errorf("expect reply to service 0x%02X, got 0x%02X", byte(svc), byte(resp.Service))
		return nil, fieldbus.TagResult{Code: fieldbus.ResponseInternalError, Err: err}, false
	}
	if resp.Status != cipSuccess {
		code, err := statusError(resp.Status, resp.Extended)
		return nil, fieldbus.TagResult{Code: code, Err: err}, false
	}

	return resp, fieldbus.TagResult{}, true
}

// writeData returns the Write Tag request data: type header, element count and elements.
func writeData(tag *Tag, v plcvalue.Value) ([]byte, error) {
	dt := tag.DataType()
	if dt == 0 {
		var err error
		if dt, err = InferDataType(v); err != nil {
			return nil, err
		}
	}

	count := tag.Count()
	if count == 1 && v.Kind() == plcvalue.KindList {
		count = v.Len()
	}
	if count > 0xFFFF {
		return nil, codecErr(fieldbus.WidthOverflow, dt, "element count %d exceeds 65535", count)
	}

	elems, err := EncodeValue(v, dt, count)
	if err != nil {
		return nil, err
	}

	data := dt.wireHeader()
	data = binary.LittleEndian.AppendUint16(data, uint16(count))

	return append(data, elems...), nil
}

func codecResponse(err error) fieldbus.ResponseCode {
	var mismatch *DataTypeMismatchError
	if errors.As(err, &mismatch) {
		return fieldbus.ResponseInvalidDataType
	}

	var codecErr *fieldbus.CodecError
	if errors.As(err, &codecErr) && codecErr.Kind == fieldbus.UnsupportedSubtype {
		return fieldbus.ResponseInvalidDataType
	}

	return fieldbus.ResponseInvalidData
}

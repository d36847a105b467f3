package eip

import (
	"encoding/binary"
	"fmt"

	"github.com/arloliu/go-fieldbus/fieldbus"
	"github.com/arloliu/go-fieldbus/internal/util"
)

// Command is an EtherNet/IP encapsulation command.
type Command uint16

const (
	CmdNOP               Command = 0x0000
	CmdListServices      Command = 0x0004
	CmdListIdentity      Command = 0x0063
	CmdListInterfaces    Command = 0x0064
	CmdRegisterSession   Command = 0x0065
	CmdUnregisterSession Command = 0x0066
	CmdSendRRData        Command = 0x006F
	CmdSendUnitData      Command = 0x0070
)

func (c Command) String() string {
	switch c {
	case CmdNOP:
		return "NOP"
	case CmdListServices:
		return "ListServices"
	case CmdListIdentity:
		return "ListIdentity"
	case CmdListInterfaces:
		return "ListInterfaces"
	case CmdRegisterSession:
		return "RegisterSession"
	case CmdUnregisterSession:
		return "UnregisterSession"
	case CmdSendRRData:
		return "SendRRData"
	case CmdSendUnitData:
		return "SendUnitData"
	default:
		return fmt.Sprintf("Command(0x%04X)", uint16(c))
	}
}

func (c Command) known() bool {
	switch c {
	case CmdNOP, CmdListServices, CmdListIdentity, CmdListInterfaces,
		CmdRegisterSession, CmdUnregisterSession, CmdSendRRData, CmdSendUnitData:
		return true
	default:
		return false
	}
}

const (
	headerSize = 24
	// maxPayloadSize keeps a frame within 65535 bytes.
	maxPayloadSize = 65535 - headerSize
)

// Encapsulation status codes.
const (
	StatusSuccess             uint32 = 0x0000
	StatusInvalidCommand      uint32 = 0x0001
	StatusInsufficientMemory  uint32 = 0x0002
	StatusIncorrectData       uint32 = 0x0003
	StatusInvalidSession      uint32 = 0x0064
	StatusInvalidLength       uint32 = 0x0065
	StatusUnsupportedProtocol uint32 = 0x0069
)

// Encapsulation is one EtherNet/IP frame: a 24-byte little-endian header and a payload.
type Encapsulation struct {
	Command Command
	Session uint32
	Status  uint32
	// Context is echoed by the target; it carries the correlation id of a request.
	Context uint64
	Options uint32
	Payload Payload
}

var _ fieldbus.Message = (*Encapsulation)(nil)

func (e *Encapsulation) String() string {
	return fmt.Sprintf("eip{%s session=0x%08X status=0x%X context=%d}", e.Command, e.Session, e.Status, e.Context)
}

// Payload is the command specific data of an Encapsulation.
type Payload interface {
	appendTo(buf []byte) []byte
}

// RegisterSessionData is the payload of RegisterSession requests and replies.
type RegisterSessionData struct {
	ProtocolVersion uint16
	OptionFlags     uint16
}

func (d *RegisterSessionData) appendTo(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, d.ProtocolVersion)
	return binary.LittleEndian.AppendUint16(buf, d.OptionFlags)
}

// CommandData is the payload of SendRRData and SendUnitData: an interface handle,
// a timeout and a common packet format item list.
type CommandData struct {
	InterfaceHandle uint32
	Timeout         uint16
	Items           []Item
}

func (d *CommandData) appendTo(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, d.InterfaceHandle)
	buf = binary.LittleEndian.AppendUint16(buf, d.Timeout)
	return appendItems(buf, d.Items)
}

// Item returns the first item of the given type.
func (d *CommandData) Item(typ ItemType) (Item, bool) {
	for _, item := range d.Items {
		if item.Type == typ {
			return item, true
		}
	}

	return Item{}, false
}

// RawData is an uninterpreted payload.
type RawData []byte

func (d RawData) appendTo(buf []byte) []byte {
	return append(buf, d...)
}

// Codec frames, parses and serializes Encapsulation messages.
type Codec struct{}

var _ fieldbus.FrameCodec = Codec{}

// TryFrame implements fieldbus.FrameCodec. An unknown command or an oversized length
// field are treated as loss of synchronization.
func (Codec) TryFrame(buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, nil
	}
	if cmd := Command(binary.LittleEndian.Uint16(buf)); !cmd.known() {
		return 0, fmt.Errorf("command 0x%04X: %w", uint16(cmd), fieldbus.ErrFrameSync)
	}
	if len(buf) < 4 {
		return 0, nil
	}

	length := int(binary.LittleEndian.Uint16(buf[2:]))
	if length > maxPayloadSize {
		return 0, fmt.Errorf("length %d: %w", length, fieldbus.ErrFrameSync)
	}
	if len(buf) < headerSize+length {
		return 0, nil
	}

	return headerSize + length, nil
}

// Resynchronize implements fieldbus.FrameCodec. It skips to the next offset that starts
// with a known command.
func (Codec) Resynchronize(buf []byte) int {
	for i := 1; i < len(buf); i++ {
		if len(buf)-i < 2 {
			return i
		}
		if Command(binary.LittleEndian.Uint16(buf[i:])).known() {
			return i
		}
	}

	return len(buf)
}

// Parse implements fieldbus.FrameCodec.
func (Codec) Parse(frame []byte) (fieldbus.Message, error) {
	if len(frame) < headerSize {
		return nil, fmt.Errorf("frame of %d bytes is shorter than the header", len(frame))
	}

	le := binary.LittleEndian
	length := int(le.Uint16(frame[2:]))
	if len(frame) != headerSize+length {
		return nil, fmt.Errorf("length field %d does not match frame size %d", length, len(frame))
	}

	msg := &Encapsulation{
		Command: Command(le.Uint16(frame)),
		Session: le.Uint32(frame[4:]),
		Status:  le.Uint32(frame[8:]),
		Context: le.Uint64(frame[12:]),
		Options: le.Uint32(frame[20:]),
	}

	data := frame[headerSize:]
	switch {
	case len(data) == 0:
	case msg.Command == CmdRegisterSession && len(data) == 4:
		msg.Payload = &RegisterSessionData{ProtocolVersion: le.Uint16(data), OptionFlags: le.Uint16(data[2:])}
	case (msg.Command == CmdSendRRData || msg.Command == CmdSendUnitData) && len(data) >= 8:
		items, err := parseItems(data[6:])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", msg.Command, err)
		}
		msg.Payload = &CommandData{InterfaceHandle: le.Uint32(data), Timeout: le.Uint16(data[4:]), Items: items}
	default:
		msg.Payload = RawData(util.CloneSlice(data))
	}

	return msg, nil
}

// Serialize implements fieldbus.FrameCodec.
func (Codec) Serialize(m fieldbus.Message) ([]byte, error) {
	msg, ok := m.(*Encapsulation)
	if !ok {
		return nil, fmt.Errorf("unexpected message type %T", m)
	}

	le := binary.LittleEndian
	buf := make([]byte, headerSize, headerSize+64)
	le.PutUint16(buf, uint16(msg.Command))
	le.PutUint32(buf[4:], msg.Session)
	le.PutUint32(buf[8:], msg.Status)
	le.PutUint64(buf[12:], msg.Context)
	le.PutUint32(buf[20:], msg.Options)
	if msg.Payload != nil {
		buf = msg.Payload.appendTo(buf)
	}

	length := len(buf) - headerSize
	if length > maxPayloadSize {
		return nil, fmt.Errorf("payload of %d bytes exceeds %d", length, maxPayloadSize)
	}
	le.PutUint16(buf[2:], uint16(length))

	return buf, nil
}

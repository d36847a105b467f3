package eip

import (
	"encoding/binary"
	"fmt"

	"github.com/arloliu/go-fieldbus/fieldbus"
)

// Service is a CIP service code.
type Service byte

const (
	SvcMultipleService Service = 0x0A
	SvcReadTag         Service = 0x4C
	SvcWriteTag        Service = 0x4D

	replyFlag Service = 0x80
)

// CIP general status codes.
const (
	cipSuccess              byte = 0x00
	cipConnectionFailure    byte = 0x01
	cipResourceUnavailable  byte = 0x02
	cipInvalidParameter     byte = 0x03
	cipPathSegmentError     byte = 0x04
	cipPathUnknown          byte = 0x05
	cipPartialTransfer      byte = 0x06
	cipServiceNotSupported  byte = 0x08
	cipInvalidAttribute     byte = 0x09
	cipAlreadyInState       byte = 0x0B
	cipStateConflict        byte = 0x0C
	cipPrivilegeViolation   byte = 0x0F
	cipDeviceStateConflict  byte = 0x10
	cipReplyTooLarge        byte = 0x11
	cipNotEnoughData        byte = 0x13
	cipAttributeUnsupported byte = 0x14
	cipTooMuchData          byte = 0x15
	cipObjectNotExist       byte = 0x16
	cipEmbeddedServiceError byte = 0x1E
	cipVendorSpecific       byte = 0x1F
	cipInvalidParameter2    byte = 0x20
	cipGeneralError         byte = 0xFF
)

// Logix extended status words reported with the 0xFF general status.
const (
	extBeyondEndOfObject uint16 = 0x2105
	extTypeMismatch      uint16 = 0x2107
)

var statusText = map[byte]string{
	cipConnectionFailure:    "connection failure",
	cipResourceUnavailable:  "resource unavailable",
	cipInvalidParameter:     "invalid parameter value",
	cipPathSegmentError:     "path segment error",
	cipPathUnknown:          "path destination unknown",
	cipPartialTransfer:      "partial transfer",
	cipServiceNotSupported:  "service not supported",
	cipInvalidAttribute:     "invalid attribute value",
	cipAlreadyInState:       "already in requested state",
	cipStateConflict:        "object state conflict",
	cipPrivilegeViolation:   "privilege violation",
	cipDeviceStateConflict:  "device state conflict",
	cipReplyTooLarge:        "reply data too large",
	cipNotEnoughData:        "not enough data",
	cipAttributeUnsupported: "attribute not supported",
	cipTooMuchData:          "too much data",
	cipObjectNotExist:       "object does not exist",
	cipEmbeddedServiceError: "embedded service error",
	cipVendorSpecific:       "vendor specific error",
	cipInvalidParameter2:    "invalid parameter",
	cipGeneralError:         "general error",
}

// request is one CIP explicit request addressed by an EPATH.
type request struct {
	Service Service
	Path    []byte
	Data    []byte
}

func (r request) size() int {
	return 2 + len(r.Path) + len(r.Data)
}

// check reports a path the one byte word count of the request header cannot describe.
func (r request) check() error {
	if len(r.Path)%2 != 0 {
		return fmt.Errorf("request path of %d bytes is not word aligned", len(r.Path))
	}
	if len(r.Path) > maxPathSize {
		return fmt.Errorf("request path of %d bytes exceeds %d", len(r.Path), maxPathSize)
	}
	return nil
}

func (r request) appendTo(buf []byte) ([]byte, error) {
	if err := r.check(); err != nil {
		return nil, err
	}

	buf = append(buf, byte(r.Service), byte(len(r.Path)/2))
	buf = append(buf, r.Path...)
	return append(buf, r.Data...), nil
}

func (r request) bytes() ([]byte, error) {
	return r.appendTo(make([]byte, 0, r.size()))
}

// response is one CIP reply.
type response struct {
	Service  Service
	Status   byte
	Extended []uint16
	Data     []byte
}

func parseResponse(buf []byte) (*response, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("cip reply of %d bytes is shorter than its header", len(buf))
	}

	svc := Service(buf[0])
	if svc&replyFlag == 0 {
		return nil, fmt.Errorf("service 0x%02X is not a reply", byte(svc))
	}

	extCount := int(buf[3])
	if len(buf) < 4+2*extCount {
		return nil, fmt.Errorf("cip reply truncated in %d extended status words", extCount)
	}

	resp := &response{Service: svc &^ replyFlag, Status: buf[2], Data: buf[4+2*extCount:]}
	for i := range extCount {
		resp.Extended = append(resp.Extended, binary.LittleEndian.Uint16(buf[4+2*i:]))
	}

	return resp, nil
}

// statusError maps a non-success general status to a response code and its error.
func statusError(status byte, extended []uint16) (fieldbus.ResponseCode, error) {
	err := &fieldbus.ProtocolStatusError{Code: uint32(status), Extended: extended, Message: statusText[status]}

	switch status {
	case cipPathSegmentError, cipInvalidAttribute:
		return fieldbus.ResponseInvalidAddress, err
	case cipPathUnknown, cipObjectNotExist:
		return fieldbus.ResponseNotFound, err
	case cipPrivilegeViolation:
		return fieldbus.ResponseAccessDenied, err
	case cipResourceUnavailable, cipDeviceStateConflict, cipStateConflict:
		return fieldbus.ResponseRemoteBusy, err
	case cipInvalidParameter, cipNotEnoughData, cipTooMuchData, cipInvalidParameter2, cipReplyTooLarge:
		return fieldbus.ResponseInvalidData, err
	case cipServiceNotSupported, cipAttributeUnsupported:
		return fieldbus.ResponseUnsupported, err
	case cipGeneralError:
		if len(extended) > 0 {
			switch extended[0] {
			case extBeyondEndOfObject:
				return fieldbus.ResponseInvalidAddress, err
			case extTypeMismatch:
				return fieldbus.ResponseInvalidDataType, err
			}
		}
		return fieldbus.ResponseRemoteError, err
	default:
		return fieldbus.ResponseRemoteError, err
	}
}

// encapStatusError describes a non-zero encapsulation status.
func encapStatusError(status uint32) error {
	msg := ""
	switch status {
	case StatusInvalidCommand:
		msg = "invalid or unsupported command"
	case StatusInsufficientMemory:
		msg = "insufficient memory"
	case StatusIncorrectData:
		msg = "incorrect data"
	case StatusInvalidSession:
		msg = "invalid session handle"
	case StatusInvalidLength:
		msg = "invalid length"
	case StatusUnsupportedProtocol:
		msg = "unsupported protocol version"
	}

	return &fieldbus.ProtocolStatusError{Code: status, Message: msg}
}

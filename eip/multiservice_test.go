package eip

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-fieldbus/fieldbus"
)

func TestMultiServiceOffsets(t *testing.T) {
	require := require.New(t)

	require.Equal([]int{4}, multiServiceOffsets([]int{10}))
	require.Equal([]int{6, 14}, multiServiceOffsets([]int{8, 9}))
	require.Equal([]int{10, 13, 13, 113}, multiServiceOffsets([]int{3, 0, 100, 7}))
	require.Empty(multiServiceOffsets(nil))
}

func TestEncodeMultiService(t *testing.T) {
	require := require.New(t)

	reqs := []request{
		{Service: SvcReadTag, Path: []byte{0x91, 0x01, 'x', 0x00}, Data: []byte{0x01, 0x00}},
		{Service: SvcReadTag, Path: []byte{0x91, 0x02, 'a', 'b'}, Data: []byte{0x01, 0x00}},
	}

	buf, err := encodeMultiService(reqs)
	require.NoError(err)
	require.Equal([]byte{
		0x0A, 0x02, 0x20, 0x02, 0x24, 0x01, // service, message router path
		0x02, 0x00, // count
		0x06, 0x00, 0x0E, 0x00, // offsets
		0x4C, 0x02, 0x91, 0x01, 'x', 0x00, 0x01, 0x00,
		0x4C, 0x02, 0x91, 0x02, 'a', 'b', 0x01, 0x00,
	}, buf)

	_, err = encodeMultiService([]request{
		{Service: SvcWriteTag, Path: []byte{0x91, 0x01, 'x', 0x00}, Data: make([]byte, 0xFFFF)},
	})
	require.Error(err)
}

func TestDecodeMultiService_RecoversReplies(t *testing.T) {
	require := require.New(t)

	replies := [][]byte{
		cipReply(SvcReadTag, cipSuccess, []byte{0xC1, 0x00, 0x01}),
		cipReply(SvcReadTag, cipPathUnknown, nil),
		cipReply(SvcReadTag, cipSuccess, []byte{0xC4, 0x00, 0x78, 0x56, 0x34, 0x12}),
		cipReply(SvcWriteTag, cipGeneralError, nil, extTypeMismatch),
	}

	out, err := decodeMultiService(multiServiceReplyData(replies))
	require.NoError(err)
	require.Len(out, len(replies))
	for i, r := range replies {
		require.NoError(out[i].Err)
		require.Equal(r, out[i].Data)
	}

	resp, err := parseResponse(out[2].Data)
	require.NoError(err)
	require.Equal(SvcReadTag, resp.Service)
	v, err := decodeTyped(resp.Data, 0, 1)
	require.NoError(err)
	n, ok := v.Int()
	require.True(ok)
	require.Equal(int64(0x12345678), n)
}

func TestDecodeMultiService_BadOffset(t *testing.T) {
	require := require.New(t)

	replies := [][]byte{
		cipReply(SvcReadTag, cipSuccess, []byte{0xC1, 0x00, 0x01}),
		cipReply(SvcReadTag, cipSuccess, []byte{0xC1, 0x00, 0x00}),
		cipReply(SvcReadTag, cipSuccess, []byte{0xC3, 0x00, 0x07, 0x00}),
	}
	data := multiServiceReplyData(replies)
	// second offset points past the end of the reply
	binary.LittleEndian.PutUint16(data[4:], 0xFFFF)

	out, err := decodeMultiService(data)
	require.NoError(err)
	require.Len(out, 3)
	require.Error(out[0].Err)
	require.Error(out[1].Err)
	require.NoError(out[2].Err)
	require.Equal(replies[2], out[2].Data)
}

func TestDecodeMultiService_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "zero count", data: []byte{0x00, 0x00}},
		{name: "truncated table", data: []byte{0x03, 0x00, 0x08, 0x00, 0x0A, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeMultiService(tt.data)
			require.Error(t, err)
		})
	}
}

func TestSplitMultiService(t *testing.T) {
	require := require.New(t)

	replies := [][]byte{
		cipReply(SvcReadTag, cipSuccess, []byte{0xC1, 0x00, 0x01}),
		cipReply(SvcReadTag, cipObjectNotExist, nil),
	}
	data := multiServiceReplyData(replies)

	out, err := splitMultiService(cipReply(SvcMultipleService, cipEmbeddedServiceError, data), 2)
	require.NoError(err)
	require.Equal(replies[1], out[1].Data)

	_, err = splitMultiService(cipReply(SvcMultipleService, cipSuccess, data), 3)
	require.Error(err)

	_, err = splitMultiService(cipReply(SvcReadTag, cipSuccess, data), 2)
	require.Error(err)

	_, err = splitMultiService(cipReply(SvcMultipleService, cipServiceNotSupported, nil), 2)
	var statusErr *fieldbus.ProtocolStatusError
	require.ErrorAs(err, &statusErr)
	require.Equal(uint32(cipServiceNotSupported), statusErr.Code)
}

func TestParseResponse(t *testing.T) {
	require := require.New(t)

	resp, err := parseResponse(cipReply(SvcWriteTag, cipGeneralError, []byte{0xAA}, extTypeMismatch, 0x0001))
	require.NoError(err)
	require.Equal(SvcWriteTag, resp.Service)
	require.Equal(cipGeneralError, resp.Status)
	require.Equal([]uint16{extTypeMismatch, 0x0001}, resp.Extended)
	require.Equal([]byte{0xAA}, resp.Data)

	_, err = parseResponse([]byte{0xCC, 0x00, 0x00})
	require.Error(err)
	_, err = parseResponse([]byte{0x4C, 0x00, 0x00, 0x00})
	require.Error(err, "request service without the reply flag")
	_, err = parseResponse([]byte{0xCC, 0x00, 0xFF, 0x02, 0x05, 0x21})
	require.Error(err)
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		status   byte
		extended []uint16
		code     fieldbus.ResponseCode
	}{
		{status: cipPathSegmentError, code: fieldbus.ResponseInvalidAddress},
		{status: cipPathUnknown, code: fieldbus.ResponseNotFound},
		{status: cipObjectNotExist, code: fieldbus.ResponseNotFound},
		{status: cipPrivilegeViolation, code: fieldbus.ResponseAccessDenied},
		{status: cipResourceUnavailable, code: fieldbus.ResponseRemoteBusy},
		{status: cipNotEnoughData, code: fieldbus.ResponseInvalidData},
		{status: cipServiceNotSupported, code: fieldbus.ResponseUnsupported},
		{status: cipGeneralError, extended: []uint16{extBeyondEndOfObject}, code: fieldbus.ResponseInvalidAddress},
		{status: cipGeneralError, extended: []uint16{extTypeMismatch}, code: fieldbus.ResponseInvalidDataType},
		{status: cipGeneralError, code: fieldbus.ResponseRemoteError},
		{status: 0x42, code: fieldbus.ResponseRemoteError},
	}

	for _, tt := range tests {
		code, err := statusError(tt.status, tt.extended)
		require.Equal(t, tt.code, code, "status 0x%02X", tt.status)

		var statusErr *fieldbus.ProtocolStatusError
		require.ErrorAs(t, err, &statusErr)
		require.Equal(t, uint32(tt.status), statusErr.Code)
		require.Equal(t, tt.extended, statusErr.Extended)
	}
}

func TestRequest_PathTooLong(t *testing.T) {
	require := require.New(t)

	long := request{Service: SvcReadTag, Path: make([]byte, maxPathSize+2), Data: []byte{0x01, 0x00}}
	_, err := long.bytes()
	require.ErrorContains(err, "exceeds 510")

	odd := request{Service: SvcReadTag, Path: make([]byte, 3)}
	_, err = odd.bytes()
	require.ErrorContains(err, "word aligned")

	ok := request{Service: SvcReadTag, Path: []byte{0x91, 0x01, 'x', 0x00}, Data: []byte{0x01, 0x00}}
	_, err = encodeMultiService([]request{ok, long})
	require.ErrorContains(err, "service 1")
}

package fieldbus

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorTaxonomy(t *testing.T) {
	require := require.New(t)

	var err error = &AddressError{Address: "a..b", Segment: ".", Reason: "empty segment"}
	require.ErrorIs(err, ErrAddress)
	require.Contains(err.Error(), "empty segment")

	err = fmt.Errorf("decode tag x: %w", &CodecError{Kind: Truncated, DataType: "DINT"})
	require.ErrorIs(err, ErrCodec)
	var codecErr *CodecError
	require.ErrorAs(err, &codecErr)
	require.Equal(Truncated, codecErr.Kind)

	err = &HandshakeError{Status: 0x69, Err: io.ErrUnexpectedEOF}
	require.ErrorIs(err, ErrHandshakeFailed)
	require.ErrorIs(err, io.ErrUnexpectedEOF)

	err = &TransportError{Op: "read", Err: io.EOF}
	require.ErrorIs(err, ErrTransport)
	require.ErrorIs(err, io.EOF)
	require.False(errors.Is(err, ErrTimeout))

	err = &ProtocolStatusError{Code: 0x05, Message: "path destination unknown"}
	require.ErrorIs(err, ErrProtocolStatus)
	require.Equal("protocol status 0x05 (path destination unknown)", err.Error())
}

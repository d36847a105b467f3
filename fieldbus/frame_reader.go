package fieldbus

import (
	"io"

	"github.com/arloliu/go-fieldbus/logger"
)

const frameReadChunk = 4096

// FrameReader turns the inbound byte stream of a connection into parsed messages.
//
// Bytes are accumulated until the codec reports a complete frame. A framing or parse
// error discards bytes up to the next plausible frame start and reading continues, so a
// corrupted frame never kills the connection.
//
// FrameReader is not safe for concurrent use; a connection has exactly one receiver.
type FrameReader struct {
	r       io.Reader
	codec   FrameCodec
	buf     []byte
	chunk   []byte
	logger  logger.Logger
	metrics *ConnectionMetrics
}

// NewFrameReader creates a FrameReader reading from r.
func NewFrameReader(r io.Reader, codec FrameCodec, l logger.Logger, m *ConnectionMetrics) *FrameReader {
	if l == nil {
		l = logger.GetLogger()
	}
	if m == nil {
		m = &ConnectionMetrics{}
	}

	return &FrameReader{
		r:       r,
		codec:   codec,
		chunk:   make([]byte, frameReadChunk),
		logger:  l,
		metrics: m,
	}
}

// Next blocks until one message is parsed or the reader fails.
func (fr *FrameReader) Next() (Message, error) {
	for {
		if msg, ok := fr.extract(); ok {
			return msg, nil
		}

		n, err := fr.r.Read(fr.chunk)
		if n > 0 {
			fr.buf = append(fr.buf, fr.chunk[:n]...)
		}
		if err != nil {
			if n > 0 {
				if msg, ok := fr.extract(); ok {
					return msg, nil
				}
			}
			return nil, err
		}
	}
}

// Buffered returns the number of bytes received but not yet framed.
func (fr *FrameReader) Buffered() int { return len(fr.buf) }

func (fr *FrameReader) extract() (Message, bool) {
	for len(fr.buf) > 0 {
		n, err := fr.codec.TryFrame(fr.buf)
		if err != nil {
			fr.resync("framing", err)
			continue
		}
		if n == 0 {
			return nil, false
		}

		msg, err := fr.codec.Parse(fr.buf[:n])
		if err != nil {
			fr.resync("parse", err)
			continue
		}

		fr.consume(n)
		fr.metrics.incFrameRecvCount()

		return msg, true
	}

	return nil, false
}

func (fr *FrameReader) resync(stage string, cause error) {
	skip := fr.codec.Resynchronize(fr.buf)
	if skip < 1 {
		skip = 1
	}
	if skip > len(fr.buf) {
		skip = len(fr.buf)
	}

	fr.metrics.incFrameErrCount()
	fr.logger.Warn("discard bytes to resynchronize",
		"method", "FrameReader", "stage", stage, "discarded", skip, "error", cause)

	fr.consume(skip)
}

func (fr *FrameReader) consume(n int) {
	rest := copy(fr.buf, fr.buf[n:])
	fr.buf = fr.buf[:rest]
}

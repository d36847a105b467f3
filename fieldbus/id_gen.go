package fieldbus

import (
	"crypto/rand"
	"encoding/binary"
	"io"
)

// correlationSeed returns a random starting point for the correlation ids of a session,
// so responses to a previous session's requests never match the new one.
//
// The top bit stays clear to keep ids far from wrapping.
func correlationSeed() uint64 {
	var buf [8]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		return 0
	}

	return binary.LittleEndian.Uint64(buf[:]) >> 1
}

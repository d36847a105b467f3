package eip

import (
	"encoding/binary"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/arloliu/go-fieldbus/internal/util"
)

// EPATH segment types.
const (
	segmentSymbolic byte = 0x91 // ANSI extended symbolic
	segmentMember8  byte = 0x28
	segmentMember16 byte = 0x29
	segmentMember32 byte = 0x2A
)

// messageRouterPath addresses the Message Router object, class 0x02 instance 1.
var messageRouterPath = []byte{0x20, 0x02, 0x24, 0x01}

// maxPathSize is the largest request path, in bytes, a one byte word count describes.
const maxPathSize = 2 * 0xFF

// defaultPathCacheSize bounds the encoded path cache of one connection.
const defaultPathCacheSize = 256

// RequestPathSize returns the exact encoded size in bytes of the request path of t.
//
// A symbolic segment takes 2 bytes plus the name, padded to an even length. A member
// segment takes 2, 4 or 6 bytes for indices that fit 8, 16 or 32 bits.
func RequestPathSize(t *Tag) int {
	size := 0
	for _, seg := range t.segments {
		size += 2 + util.PadEven(len(seg.Name))
		for _, idx := range seg.Indices {
			size += memberSegmentSize(idx)
		}
	}

	return size
}

func memberSegmentSize(idx uint32) int {
	switch {
	case idx <= 0xFF:
		return 2
	case idx <= 0xFFFF:
		return 4
	default:
		return 6
	}
}

// EncodePath returns the EPATH of t.
func EncodePath(t *Tag) []byte {
	buf := make([]byte, 0, RequestPathSize(t))
	for _, seg := range t.segments {
		buf = append(buf, segmentSymbolic, byte(len(seg.Name)))
		buf = append(buf, seg.Name...)
		if len(seg.Name)%2 != 0 {
			buf = append(buf, 0x00)
		}

		for _, idx := range seg.Indices {
			switch {
			case idx <= 0xFF:
				buf = append(buf, segmentMember8, byte(idx))
			case idx <= 0xFFFF:
				buf = append(buf, segmentMember16, 0x00)
				buf = binary.LittleEndian.AppendUint16(buf, uint16(idx))
			default:
				buf = append(buf, segmentMember32, 0x00)
				buf = binary.LittleEndian.AppendUint32(buf, idx)
			}
		}
	}

	return buf
}

// pathCache memoizes encoded paths by the path part of the normalized address, so tags
// that differ only in type or count share an entry.
type pathCache struct {
	cache *lru.Cache[string, []byte]
}

func newPathCache(size int) (*pathCache, error) {
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}

	return &pathCache{cache: cache}, nil
}

// encode returns the cached path of t. The returned slice must not be modified.
func (c *pathCache) encode(t *Tag) []byte {
	if path, ok := c.cache.Get(t.path); ok {
		return path
	}

	path := EncodePath(t)
	c.cache.Add(t.path, path)

	return path
}

func (c *pathCache) len() int { return c.cache.Len() }

package eip

import (
	"encoding/binary"
	"fmt"

	"github.com/arloliu/go-fieldbus/internal/util"
)

// ItemType identifies a common packet format item.
type ItemType uint16

const (
	ItemNullAddress      ItemType = 0x0000
	ItemConnectedAddress ItemType = 0x00A1
	ItemConnectedData    ItemType = 0x00B1
	ItemUnconnectedData  ItemType = 0x00B2
)

// Item is one common packet format item.
type Item struct {
	Type ItemType
	Data []byte
}

// unconnectedItems wraps an unconnected explicit request in [null address, unconnected data].
func unconnectedItems(request []byte) []Item {
	return []Item{{Type: ItemNullAddress}, {Type: ItemUnconnectedData, Data: request}}
}

func appendItems(buf []byte, items []Item) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(items)))
	for _, item := range items {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(item.Type))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(item.Data)))
		buf = append(buf, item.Data...)
	}

	return buf
}

func parseItems(raw []byte) ([]Item, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("item count: need 2 bytes, have %d", len(raw))
	}

	count := int(binary.LittleEndian.Uint16(raw))
	raw = raw[2:]

	items := make([]Item, 0, count)
	for i := range count {
		if len(raw) < 4 {
			return nil, fmt.Errorf("item %d: truncated header", i)
		}
		typ := ItemType(binary.LittleEndian.Uint16(raw))
		length := int(binary.LittleEndian.Uint16(raw[2:]))
		if len(raw) < 4+length {
			return nil, fmt.Errorf("item %d: need %d bytes, have %d", i, length, len(raw)-4)
		}
		items = append(items, Item{Type: typ, Data: util.CloneSlice(raw[4 : 4+length])})
		raw = raw[4+length:]
	}
	if len(raw) > 0 {
		return nil, fmt.Errorf("%d trailing bytes after %d items", len(raw), count)
	}

	return items, nil
}

package eip

import (
	"encoding/binary"
	"fmt"
)

// multiServiceOffsets returns the offset table of a Multiple Service Packet holding
// requests of the given encoded lengths. Offsets count from the service count field:
// the first is 2+2n and each next one adds the length of the previous request.
func multiServiceOffsets(lengths []int) []int {
	offsets := make([]int, len(lengths))
	next := 2 + 2*len(lengths)
	for i, n := range lengths {
		offsets[i] = next
		next += n
	}

	return offsets
}

// encodeMultiService returns a Multiple Service Packet request to the Message Router.
func encodeMultiService(reqs []request) ([]byte, error) {
	lengths := make([]int, len(reqs))
	total := 2 + 2*len(reqs)
	for i, r := range reqs {
		lengths[i] = r.size()
		total += lengths[i]
	}
	if total > 0xFFFF {
		return nil, fmt.Errorf("multiple service packet of %d bytes exceeds 65535", total)
	}

	data := make([]byte, 0, total)
	data = binary.LittleEndian.AppendUint16(data, uint16(len(reqs)))
	for _, off := range multiServiceOffsets(lengths) {
		data = binary.LittleEndian.AppendUint16(data, uint16(off))
	}
	for i, r := range reqs {
		var err error
		if data, err = r.appendTo(data); err != nil {
			return nil, fmt.Errorf("service %d: %w", i, err)
		}
	}

	return request{Service: SvcMultipleService, Path: messageRouterPath, Data: data}.bytes()
}

// serviceSlice is one embedded reply of a Multiple Service Packet.
type serviceSlice struct {
	Data []byte
	Err  error
}

// decodeMultiService splits the data of a Multiple Service Packet reply into its
// embedded replies. The offsets are taken from the reply and applied relative to the
// first one, after the count and offset table. A bad offset fails only the replies it
// bounds.
func decodeMultiService(data []byte) ([]serviceSlice, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("multiple service reply of %d bytes has no service count", len(data))
	}

	count := int(binary.LittleEndian.Uint16(data))
	tableEnd := 2 + 2*count
	if count == 0 || len(data) < tableEnd {
		return nil, fmt.Errorf("multiple service reply truncated in an offset table of %d entries", count)
	}

	offsets := make([]int, count)
	for i := range count {
		offsets[i] = int(binary.LittleEndian.Uint16(data[2+2*i:]))
	}

	body := data[tableEnd:]
	base := offsets[0]
	out := make([]serviceSlice, count)
	for i := range count {
		start := offsets[i] - base
		end := len(body)
		if i+1 < count {
			end = offsets[i+1] - base
		}

		if start < 0 || end < start || end > len(body) {
			out[i].Err = fmt.Errorf("reply %d: offset %d out of range", i, offsets[i])
			continue
		}
		out[i].Data = body[start:end]
	}

	return out, nil
}

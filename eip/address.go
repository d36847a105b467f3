package eip

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/arloliu/go-fieldbus/fieldbus"
)

const (
	maxIndices    = 3
	maxSymbolSize = 255
	programPrefix = "Program:"
)

// Segment is one dotted component of a tag path.
type Segment struct {
	Name    string
	Indices []uint32
}

// Tag is a parsed CIP tag address.
//
// The grammar is
//
//	[%][Program:<name>.]<segment>{.<segment>}[:<TYPE>][:<count>]
//	segment = name ['[' index {',' index} ']']
//
// where Program:<name> is a single symbolic segment, name starts with a letter or '_'
// followed by letters, digits or '_', and up to three decimal indices are allowed.
type Tag struct {
	segments   []Segment
	dataType   DataType
	count      int
	normalized string
	path       string
}

var _ fieldbus.Tag = (*Tag)(nil)

// String returns the normalized address.
func (t *Tag) String() string { return t.normalized }

// Segments returns a copy of the path segments.
func (t *Tag) Segments() []Segment {
	out := make([]Segment, len(t.segments))
	for i, seg := range t.segments {
		out[i] = Segment{Name: seg.Name, Indices: slices.Clone(seg.Indices)}
	}

	return out
}

// DataType returns the declared data type, or 0 when the address declares none.
func (t *Tag) DataType() DataType { return t.dataType }

// Count returns the element count, 1 unless the address declares one.
func (t *Tag) Count() int { return t.count }

// ParseTag parses a CIP tag address. Errors are *fieldbus.AddressError.
func ParseTag(address string) (*Tag, error) {
	text := strings.TrimSpace(address)
	text = strings.TrimPrefix(text, "%")
	if text == "" {
		return nil, addrErr(address, "", "empty address")
	}

	tag := &Tag{count: 1}

	var scope string
	if len(text) > len(programPrefix) && strings.EqualFold(text[:len(programPrefix)], programPrefix) {
		dot := strings.IndexByte(text, '.')
		if dot < 0 {
			return nil, addrErr(address, text, "program scope without a tag")
		}
		name := text[len(programPrefix):dot]
		if reason := checkName(name); reason != "" {
			return nil, addrErr(address, text[:dot], reason)
		}
		scope = programPrefix + name
		if len(scope) > maxSymbolSize {
			return nil, addrErr(address, text[:dot], "program scope longer than 255 characters")
		}
		text = text[dot+1:]
	}

	parts := strings.Split(text, ":")
	if len(parts) > 3 {
		return nil, addrErr(address, parts[3], "too many ':' qualifiers")
	}

	if scope != "" {
		tag.segments = append(tag.segments, Segment{Name: scope})
	}
	for _, part := range strings.Split(parts[0], ".") {
		seg, err := parseSegment(address, part)
		if err != nil {
			return nil, err
		}
		tag.segments = append(tag.segments, seg)
	}

	qualifiers := parts[1:]
	if len(qualifiers) > 0 && !isDigits(qualifiers[0]) {
		dt, ok := ParseDataType(qualifiers[0])
		if !ok {
			return nil, addrErr(address, qualifiers[0], "unknown data type")
		}
		tag.dataType = dt
		qualifiers = qualifiers[1:]
	}
	if len(qualifiers) > 0 {
		n, err := strconv.Atoi(qualifiers[0])
		if err != nil || n < 1 || n > 65535 {
			return nil, addrErr(address, qualifiers[0], "element count out of range [1, 65535]")
		}
		tag.count = n
		qualifiers = qualifiers[1:]
	}
	if len(qualifiers) > 0 {
		return nil, addrErr(address, qualifiers[0], "unexpected qualifier")
	}

	tag.path = formatPath(tag.segments)
	if size := RequestPathSize(tag); size > maxPathSize {
		return nil, addrErr(address, tag.path, fmt.Sprintf("request path of %d bytes exceeds %d", size, maxPathSize))
	}
	tag.normalized = tag.path
	if tag.dataType != 0 {
		tag.normalized += ":" + tag.dataType.String()
	}
	if tag.count > 1 {
		tag.normalized += ":" + strconv.Itoa(tag.count)
	}

	return tag, nil
}

func parseSegment(address string, text string) (Segment, error) {
	name, rest, hasIndex := strings.Cut(text, "[")
	if reason := checkName(name); reason != "" {
		return Segment{}, addrErr(address, text, reason)
	}

	seg := Segment{Name: name}
	if !hasIndex {
		return seg, nil
	}

	inner, ok := strings.CutSuffix(rest, "]")
	if !ok || strings.ContainsAny(inner, "[]") {
		return Segment{}, addrErr(address, text, "unbalanced brackets")
	}

	items := strings.Split(inner, ",")
	if len(items) > maxIndices {
		return Segment{}, addrErr(address, text, "more than 3 array dimensions")
	}
	for _, item := range items {
		item = strings.TrimSpace(item)
		if !isDigits(item) {
			return Segment{}, addrErr(address, text, "array index must be a decimal number")
		}
		n, err := strconv.ParseUint(item, 10, 32)
		if err != nil {
			return Segment{}, addrErr(address, text, "array index out of range")
		}
		seg.Indices = append(seg.Indices, uint32(n))
	}

	return seg, nil
}

func checkName(name string) string {
	if name == "" {
		return "empty name"
	}
	if len(name) > maxSymbolSize {
		return "name longer than 255 characters"
	}

	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return "invalid character " + strconv.QuoteRune(rune(c))
		}
	}

	return ""
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}

	return true
}

func formatPath(segments []Segment) string {
	var sb strings.Builder
	for i, seg := range segments {
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(seg.Name)
		if len(seg.Indices) == 0 {
			continue
		}
		sb.WriteByte('[')
		for j, idx := range seg.Indices {
			if j > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.FormatUint(uint64(idx), 10))
		}
		sb.WriteByte(']')
	}

	return sb.String()
}

func addrErr(address string, segment string, reason string) *fieldbus.AddressError {
	return &fieldbus.AddressError{Address: address, Segment: segment, Reason: reason}
}

package eip

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodePath(t *testing.T) {
	tests := []struct {
		address string
		path    []byte
	}{
		{
			address: "x",
			path:    []byte{0x91, 0x01, 'x', 0x00},
		},
		{
			address: "ab.cd",
			path:    []byte{0x91, 0x02, 'a', 'b', 0x91, 0x02, 'c', 'd'},
		},
		{
			address: "a[5]",
			path:    []byte{0x91, 0x01, 'a', 0x00, 0x28, 0x05},
		},
		{
			address: "a[300]",
			path:    []byte{0x91, 0x01, 'a', 0x00, 0x29, 0x00, 0x2C, 0x01},
		},
		{
			address: "a[70000]",
			path:    []byte{0x91, 0x01, 'a', 0x00, 0x2A, 0x00, 0x70, 0x11, 0x01, 0x00},
		},
		{
			address: "a[1,256]",
			path:    []byte{0x91, 0x01, 'a', 0x00, 0x28, 0x01, 0x29, 0x00, 0x00, 0x01},
		},
		{
			address: "Program:P.t",
			path:    []byte{0x91, 0x09, 'P', 'r', 'o', 'g', 'r', 'a', 'm', ':', 'P', 0x00, 0x91, 0x01, 't', 0x00},
		},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			require := require.New(t)

			tag, err := ParseTag(tt.address)
			require.NoError(err)
			require.Equal(tt.path, EncodePath(tag))
			require.Equal(len(tt.path), RequestPathSize(tag))
		})
	}
}

func TestRequestPathSize_MatchesEncoding(t *testing.T) {
	addresses := []string{
		"a", "ab", "abc", "Motor.Speed", "Line_1.Cell[2].Robot[0,255,256].Axis[65535]",
		"Buffer[65536]", "Program:MainRoutine.Counters[4294967295]", "x.y.z:DINT:4",
	}

	for _, address := range addresses {
		tag, err := ParseTag(address)
		require.NoError(t, err)

		path := EncodePath(tag)
		require.Equal(t, len(path), RequestPathSize(tag), address)
		require.Zero(t, len(path)%2, "path of %s must be word aligned", address)
	}
}

func TestPathCache(t *testing.T) {
	require := require.New(t)

	cache, err := newPathCache(2)
	require.NoError(err)

	parse := func(address string) *Tag {
		tag, err := ParseTag(address)
		require.NoError(err)
		return tag
	}

	first := cache.encode(parse("Motor.Speed:REAL"))
	// type and count qualifiers do not change the path
	second := cache.encode(parse("%Motor.Speed:DINT:2"))
	require.Equal(first, second)
	require.Same(&first[0], &second[0])
	require.Equal(1, cache.len())

	cache.encode(parse("a"))
	cache.encode(parse("b"))
	require.Equal(2, cache.len())

	// evicted entries are rebuilt on demand
	require.Equal(EncodePath(parse("Motor.Speed")), cache.encode(parse("Motor.Speed")))
}

func TestNewPathCache_InvalidSize(t *testing.T) {
	_, err := newPathCache(0)
	require.Error(t, err)
}

package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCloneSlice(t *testing.T) {
	require := require.New(t)

	src := []byte{1, 2, 3}
	clone := CloneSlice(src)
	require.Equal(src, clone)

	clone[0] = 9
	require.Equal(byte(1), src[0])

	require.Nil(CloneSlice([]byte{}))
	require.Nil(CloneSlice[int](nil))
}

func TestPadEven(t *testing.T) {
	require := require.New(t)

	require.Equal(0, PadEven(0))
	require.Equal(2, PadEven(1))
	require.Equal(2, PadEven(2))
	require.Equal(10, PadEven(9))
}

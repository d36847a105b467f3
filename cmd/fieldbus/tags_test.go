package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-fieldbus/fieldbus"
)

func TestDecodeTagFile(t *testing.T) {
	require := require.New(t)

	reqs, err := decodeTagFile([]byte(`
tags:
  - name: speed
    address: "Motor.Speed:REAL"
  - address: "%Motor.Run:BOOL"
`))
	require.NoError(err)
	require.Equal([]fieldbus.TagRequest{
		{Name: "speed", Address: "Motor.Speed:REAL"},
		{Name: "%Motor.Run:BOOL", Address: "%Motor.Run:BOOL"},
	}, reqs)

	_, err = decodeTagFile([]byte("tags:\n  - name: x\n"))
	require.ErrorContains(err, "missing address")

	_, err = decodeTagFile([]byte("tags: [unclosed"))
	require.Error(err)
}

func TestLoadTagFile(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "tags.yaml")
	require.NoError(os.WriteFile(path, []byte("tags:\n  - {name: n, address: x}\n"), 0o600))

	reqs, err := loadTagFile(path)
	require.NoError(err)
	require.Equal([]fieldbus.TagRequest{{Name: "n", Address: "x"}}, reqs)

	_, err = loadTagFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(err)
}

func TestParseTagArgs(t *testing.T) {
	require := require.New(t)

	reqs, err := parseTagArgs([]string{"speed=Motor.Speed:REAL", "Motor.Run", " n = x "})
	require.NoError(err)
	require.Equal([]fieldbus.TagRequest{
		{Name: "speed", Address: "Motor.Speed:REAL"},
		{Name: "Motor.Run", Address: "Motor.Run"},
		{Name: "n", Address: "x"},
	}, reqs)

	for _, bad := range []string{"=x", "speed=", ""} {
		_, err := parseTagArgs([]string{bad})
		require.Error(err, bad)
	}
}

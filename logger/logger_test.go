package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require := require.New(t)

	tests := []struct {
		name     string
		expected Level
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"", InfoLevel},
		{"warning", WarnLevel},
		{" error ", ErrorLevel},
		{"fatal", FatalLevel},
	}
	for _, tt := range tests {
		level, err := ParseLevel(tt.name)
		require.NoError(err, tt.name)
		require.Equal(tt.expected, level, tt.name)
	}

	_, err := ParseLevel("verbose")
	require.Error(err)
	require.Equal("warn", WarnLevel.String())
}

func TestSlogLogger_JSON(t *testing.T) {
	require := require.New(t)
	t.Setenv("ENV", "")

	var buf bytes.Buffer
	l := NewSlogWithWriter(&buf, InfoLevel, false)

	l.Debug("hidden")
	require.Zero(buf.Len())

	l.With("conn", "eip:tcp://plc").Info("connected", "session", 7)

	var record map[string]any
	require.NoError(json.Unmarshal(buf.Bytes(), &record))
	require.Equal("connected", record["msg"])
	require.Equal("eip:tcp://plc", record["conn"])
	require.InDelta(7, record["session"], 0)
	require.Contains(record, "ts")
}

func TestSlogLogger_SetLevelSharedWithChild(t *testing.T) {
	require := require.New(t)
	t.Setenv("ENV", "")

	var buf bytes.Buffer
	l := NewSlogWithWriter(&buf, ErrorLevel, false)
	child := l.With("k", "v")

	child.Warn("dropped")
	require.Zero(buf.Len())

	l.SetLevel(DebugLevel)
	require.Equal(DebugLevel, child.Level())

	child.Debug("kept")
	require.Contains(buf.String(), "kept")
}

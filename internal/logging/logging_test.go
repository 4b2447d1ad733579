package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"DEBUG", DebugLevel},
		{"info", InfoLevel},
		{"warn", WarnLevel},
		{"warning", WarnLevel},
		{"  error  ", ErrorLevel},
		{"", InfoLevel},
		{"bogus", InfoLevel},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ParseLevel(tt.in), "input %q", tt.in)
	}
}

func TestInitWritesOneJSONObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, Output: &buf})
	defer Init(Config{Level: InfoLevel})

	Info().Str("component", "proxy").Msg("first")
	Warn().Msg("second")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var record map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &record))
		require.Contains(t, record, "level")
		require.Contains(t, record, "time")
		require.Contains(t, record, "message")
	}
	require.Contains(t, lines[0], `"component":"proxy"`)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, Output: &buf})
	defer Init(Config{Level: InfoLevel})

	Debug().Msg("dropped")
	Info().Msg("dropped")
	Warn().Msg("kept")
	Error().Msg("kept")

	out := buf.String()
	require.NotContains(t, out, "dropped")
	require.Equal(t, 2, strings.Count(out, "kept"))
}

func TestPrettyOutputIsNotJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf, Pretty: true})
	defer Init(Config{Level: InfoLevel})

	Info().Str("key", "value").Msg("hello")

	out := buf.String()
	require.Contains(t, out, "hello")
	var record map[string]any
	require.Error(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &record))
}

func TestInitNilOutputDefaultsSafely(t *testing.T) {
	require.NotPanics(t, func() {
		Init(Config{Level: InfoLevel})
		Info().Msg("to stderr")
		Init(Config{Level: InfoLevel})
	})
}

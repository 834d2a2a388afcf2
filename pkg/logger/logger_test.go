package logger

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"DEBUG":   DEBUG,
		"info":    INFO,
		"warn":    WARN,
		"warning": WARN,
		"error":   ERROR,
		"fatal":   FATAL,
		"":        INFO,
		"bogus":   INFO,
		" Error ": ERROR,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "input %q", in)
	}
}

func TestSetLevel(t *testing.T) {
	old := GetLevel()
	defer SetLevel(old)

	SetLevel(ERROR)
	assert.Equal(t, ERROR, GetLevel())
}

func TestFileLogging(t *testing.T) {
	old := GetLevel()
	defer SetLevel(old)
	SetLevel(DEBUG)

	path := filepath.Join(t.TempDir(), "test.log")
	require.NoError(t, EnableFileLogging(path))
	defer DisableFileLogging()

	InfoCF("testcomp", "hello from test", map[string]any{"key": "value"})
	DebugC("testcomp", "debug line")

	DisableFileLogging()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []LogEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e LogEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.Len(t, entries, 2)

	assert.Equal(t, "INFO", entries[0].Level)
	assert.Equal(t, "testcomp", entries[0].Component)
	assert.Equal(t, "hello from test", entries[0].Message)
	assert.Equal(t, "value", entries[0].Fields["key"])
	assert.Equal(t, "DEBUG", entries[1].Level)
}

func TestLevelFiltersFileOutput(t *testing.T) {
	old := GetLevel()
	defer SetLevel(old)
	SetLevel(WARN)

	path := filepath.Join(t.TempDir(), "filtered.log")
	require.NoError(t, EnableFileLogging(path))
	defer DisableFileLogging()

	Info("should be dropped")
	Warn("should be kept")

	DisableFileLogging()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "should be dropped")
	assert.Contains(t, string(data), "should be kept")
}

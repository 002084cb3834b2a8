// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), "line: %s", line)
		out = append(out, entry)
	}
	return out
}

// =====================================================
// Level Handling
// =====================================================

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		" error ": LevelError,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

func TestLogger_filtersBelowMinLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "shown", entries[0]["message"])
	assert.Equal(t, "warning", entries[0]["level"])
}

func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelError)
	assert.Equal(t, LevelError, l.Level())

	l.SetLevel(LevelDebug)
	assert.Equal(t, LevelDebug, l.Level())

	l.Debug("now visible")
	assert.Len(t, decodeLines(t, &buf), 1)
}

// =====================================================
// Structured Context
// =====================================================

func TestLogger_mergesContextMaps(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug)

	l.Info("sync completed",
		map[string]interface{}{"synced": 3},
		map[string]interface{}{"failed": 1},
		nil,
	)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, float64(3), entries[0]["synced"])
	assert.Equal(t, float64(1), entries[0]["failed"])
	assert.NotEmpty(t, entries[0]["timestamp"])
}

func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo)

	l.ErrorWithCode("refresh failed", "AUTHENTICATION_ERROR", errors.New("401"),
		map[string]interface{}{"entry_id": "e1"})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "AUTHENTICATION_ERROR", entries[0]["code"])
	assert.Equal(t, "401", entries[0]["error"])
	assert.Equal(t, "e1", entries[0]["entry_id"])
}

func TestLogger_ErrorWithoutErr(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo)

	l.Error("no cause", nil)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	_, hasErr := entries[0]["error"]
	assert.False(t, hasErr)
}

// =====================================================
// Global Logger and File Output
// =====================================================

func TestSetGlobal(t *testing.T) {
	var buf bytes.Buffer
	SetGlobal(New(&buf, LevelDebug))

	Info("global message", map[string]interface{}{"k": "v"})
	Debug("debug message")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "global message", entries[0]["message"])
}

func TestNewFromOptions_file(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.log")
	l := NewFromOptions(Options{Level: LevelInfo, File: path, MaxSizeMB: 1, MaxBackups: 1})

	l.Info("to file")

	assert.FileExists(t, path)
}

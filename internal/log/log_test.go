package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLines(t *testing.T, f func()) []map[string]any {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(nopWriter{}) })

	f()

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestErrorIncludesErrAndFields(t *testing.T) {
	SetLevel(LevelInfo)
	lines := captureLines(t, func() {
		Error("fetch failed", errors.New("boom"), "id", "cal-1", "status", 404)
	})

	require.Len(t, lines, 1)
	assert.Equal(t, "error", lines[0]["level"])
	assert.Equal(t, "boom", lines[0]["error"])
	assert.Equal(t, "cal-1", lines[0]["id"])
	assert.Equal(t, float64(404), lines[0]["status"])
	assert.Equal(t, "calhub", lines[0]["service"])
	assert.Equal(t, "fetch failed", lines[0]["message"])
}

func TestLevelFiltering(t *testing.T) {
	SetLevel(LevelError)
	t.Cleanup(func() { SetLevel(LevelInfo) })

	lines := captureLines(t, func() {
		Debug("hidden")
		Info("hidden too")
		Error("shown", nil)
	})

	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["message"])
}

func TestOddKeyValuesAreTolerated(t *testing.T) {
	SetLevel(LevelInfo)
	lines := captureLines(t, func() {
		Info("odd", "key", "value", "dangling")
	})

	require.Len(t, lines, 1)
	assert.Equal(t, "value", lines[0]["key"])
	_, ok := lines[0]["dangling"]
	assert.False(t, ok)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelError, ParseLevel(" ERROR "))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}

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

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "input %q", in)
	}
}

func TestJSONOutputCarriesKeyValues(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, LevelDebug, "json")
	t.Cleanup(func() { Configure(nil, LevelInfo, "console") })

	Error("fetch failed", errors.New("boom"), "id", "work", "status", 503, "dangling")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "error", rec["level"])
	assert.Equal(t, "fetch failed", rec["message"])
	assert.Equal(t, "boom", rec["error"])
	assert.Equal(t, "work", rec["id"])
	assert.EqualValues(t, 503, rec["status"])
	assert.NotContains(t, rec, "dangling")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, LevelWarn, "json")
	t.Cleanup(func() { Configure(nil, LevelInfo, "console") })

	Debug("hidden")
	Info("hidden too")
	Warn("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"shown"`)
}

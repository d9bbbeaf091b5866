package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New("info", "json", &buf)

	logger.Debug("hidden")
	logger.Info("record applied", "subscription", "pds", "position", int64(42), "ok", true, "took", 2*time.Second)
	logger.Warn("decode failed", "error", errors.New("bad frame"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)

	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "record applied", lines[0]["message"])
	assert.Equal(t, "pds", lines[0]["subscription"])
	assert.Equal(t, float64(42), lines[0]["position"])
	assert.Equal(t, true, lines[0]["ok"])
	assert.Equal(t, "2s", lines[0]["took"])
	assert.Contains(t, lines[0], "time")

	assert.Equal(t, "warn", lines[1]["level"])
	assert.Equal(t, "bad frame", lines[1]["error"])
}

func TestWithAttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := New("debug", "json", &buf).
		With("subscription", "a").
		WithGroup("apply").
		With("kind", "post_created")

	logger.Debug("applied", slog.Group("cursor", "position", 7))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "a", lines[0]["subscription"])
	assert.Equal(t, "post_created", lines[0]["apply.kind"])
	assert.Equal(t, float64(7), lines[0]["apply.cursor.position"])
}

func TestEnabled(t *testing.T) {
	logger := New("warn", "json", &bytes.Buffer{})
	ctx := context.Background()
	assert.False(t, logger.Enabled(ctx, slog.LevelInfo))
	assert.True(t, logger.Enabled(ctx, slog.LevelWarn))
	assert.True(t, logger.Enabled(ctx, slog.LevelError))
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	New("info", "console", &buf).Info("hello", "subscription", "pds")
	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "subscription=pds")
}

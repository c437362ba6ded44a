// ABOUTME: Tests for the colorized slog handler
// ABOUTME: Checks level filtering and attribute rendering

package main

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestColorHandler(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	logger.With("component", "registry").WithGroup("conn").Info("admitted", "id", "c1", "role", "agent")
	logger.Warn("slow", slog.Group("queue", "pending", 3))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF admitted component=registry conn.id=c1 conn.role=agent")
	assert.Contains(t, out, "WRN slow queue.pending=3")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("nonsense"))
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "redis://***@cache:6379/0", redactURL("redis://user:pw@cache:6379/0"))
	assert.Equal(t, "redis://cache:6379/0", redactURL("redis://cache:6379/0"))
}

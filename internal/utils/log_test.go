package utils

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogInterceptorPrefixesLines(t *testing.T) {
	var out bytes.Buffer
	li := NewLogInterceptor(&out)
	li.now = func() time.Time { return time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC) }

	n, err := li.Write([]byte("first\nsec"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	_, err = li.Write([]byte("ond\r\nthird"))
	require.NoError(t, err)
	require.NoError(t, li.Close())
	require.NoError(t, li.Close())

	assert.Equal(t,
		"line=1 time=2026-10-01T12:00:00Z first\n"+
			"line=2 time=2026-10-01T12:00:00Z second\n"+
			"line=3 time=2026-10-01T12:00:00Z third\n",
		out.String())
}

func TestMultiLogHandlerRespectsLevels(t *testing.T) {
	var debug, warn bytes.Buffer
	h := NewMultiLogHandler(
		slog.NewTextHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&warn, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)
	logger := slog.New(h).With("container", "box").WithGroup("sync")

	logger.Debug("materialize", "path", "a.txt")
	logger.Warn("conflict", "path", "b.txt")

	assert.Equal(t, 2, strings.Count(debug.String(), "\n"))
	assert.Contains(t, debug.String(), "container=box sync.path=a.txt")
	assert.Equal(t, 1, strings.Count(warn.String(), "\n"))
	assert.Contains(t, warn.String(), "sync.path=b.txt")
	assert.False(t, h.Enabled(context.Background(), slog.LevelDebug-1))
}

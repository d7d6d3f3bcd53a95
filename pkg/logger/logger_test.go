package logger

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_WritesThroughZerolog(t *testing.T) {
	var buf bytes.Buffer
	l := New(zerolog.New(&buf).Level(zerolog.InfoLevel))

	l.Debug("hidden")
	assert.Zero(t, buf.Len())

	l.With("service", "camera-manager").WithGroup("event").Warn("service failed",
		"restarts", 2,
		"err", errors.New("boom"),
		slog.Bool("fatal", false),
	)

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "warn", got["level"])
	assert.Equal(t, "service failed", got["message"])
	assert.Equal(t, "camera-manager", got["service"])
	assert.EqualValues(t, 2, got["event.restarts"])
	assert.Equal(t, "boom", got["event.err"])
	assert.Equal(t, false, got["event.fatal"])
}

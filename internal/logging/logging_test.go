package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"info":  slog.LevelInfo,
		"DEBUG": slog.LevelDebug,
		" warn": slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := parseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := parseLevel("loud")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, LevelWarn, FormatJSON)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "program", "db")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"program":"db"`)

	_, err = New(&buf, LevelInfo, "xml")
	assert.Error(t, err)
}

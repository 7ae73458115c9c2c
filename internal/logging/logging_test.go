package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want slog.Level
	}{
		{"default", Config{}, slog.LevelInfo},
		{"one verbose", Config{Verbose: 1}, slog.LevelDebug},
		{"floor", Config{Verbose: 3}, slog.LevelDebug},
		{"quiet", Config{Quiet: 1}, slog.LevelWarn},
		{"ceiling", Config{Quiet: 5}, slog.LevelError},
		{"configured", Config{Level: "warn", Verbose: 1}, slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Level(tt.cfg))
		})
	}
}

func TestNewHandlerJSON(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, Config{Format: "json"}))
	log.Debug("hidden")
	log.Info("shown", "id", "abc")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"id":"abc"`)
}

func TestSetupFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "run.log")
	closer, err := Setup(Config{File: path})
	require.NoError(t, err)
	slog.Info("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestRunID(t *testing.T) {
	id := GenerateRunID()
	ctx := WithRunID(context.Background(), id)
	assert.Equal(t, id, RunID(ctx))
	assert.Empty(t, RunID(context.Background()))
}

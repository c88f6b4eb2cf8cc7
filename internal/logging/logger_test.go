package logging

import (
	"errors"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesFileAndHistory(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(&Config{LogDir: dir, Level: LevelDebug, MaxHistory: 3})
	require.NoError(t, err)
	defer logger.Close()

	logger.Debug("test", "one", nil)
	logger.Warn("test", "two", map[string]interface{}{"b": 2, "a": 1})
	logger.Error("test", "three", errors.New("boom"), nil)

	history := logger.GetHistory(0)
	require.Len(t, history, 3, "history is capped at MaxHistory")
	assert.Equal(t, "one", history[0].Message)
	assert.Equal(t, "a=1, b=2", history[1].Data)
	assert.Equal(t, "error", history[2].Level)
	assert.Contains(t, history[2].Data, "error=boom")

	info, err := os.Stat(logger.GetLogPath())
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestGetHistory_Limit(t *testing.T) {
	logger, err := New(&Config{LogDir: t.TempDir(), Level: LevelDebug, MaxHistory: 10})
	require.NoError(t, err)
	defer logger.Close()

	logger.Info("test", "a", nil)
	logger.Info("test", "b", nil)

	last := logger.GetHistory(1)
	require.Len(t, last, 1)
	assert.Equal(t, "b", last[0].Message)
}

func TestSetLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	tests := []struct {
		in   LogLevel
		want zerolog.Level
	}{
		{LevelDebug, zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{LevelError, zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			SetLevel(tt.in)
			assert.Equal(t, tt.want, zerolog.GlobalLevel())
		})
	}
}

func TestHistory_CapturesComponentLoggers(t *testing.T) {
	logger, err := New(&Config{LogDir: t.TempDir(), Level: LevelInfo, MaxHistory: 10})
	require.NoError(t, err)
	defer logger.Close()

	gw := logger.Component("gateway")
	gw.Info().Str("op", "stats").Int("status", 200).Msg("Request done")
	gw.Debug().Msg("below level")

	last := logger.GetHistory(1)
	require.Len(t, last, 1)
	assert.Equal(t, "gateway", last[0].Component)
	assert.Equal(t, "info", last[0].Level)
	assert.Equal(t, "Request done", last[0].Message)
	assert.Equal(t, "op=stats, status=200", last[0].Data)
}

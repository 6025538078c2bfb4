package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"mvpforge/internal/config"
)

func TestNewHonoursLevel(t *testing.T) {
	logger, err := New(config.LogConfig{Level: "warn", Format: "json"}, false)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestVerboseForcesDebug(t *testing.T) {
	logger, err := New(config.LogConfig{Level: "error", Format: "console"}, true)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestRejectsUnknownLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud"}, false)
	assert.Error(t, err)
}

package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerIsNeverNil(t *testing.T) {
	require.NotNil(t, Logger)
	// Must be usable before Initialize is ever called.
	Logger.Debugw("pre-init log", "ok", true)
}

func TestInitializeConsole(t *testing.T) {
	err := Initialize(false)
	require.NoError(t, err)
	assert.False(t, JSONOutput)
	Logger.Infow("console logger ready")
}

func TestInitializeJSON(t *testing.T) {
	err := Initialize(true)
	require.NoError(t, err)
	assert.True(t, JSONOutput)
	Logger.Infow("json logger ready")
}

func TestLevelFromEnv(t *testing.T) {
	t.Setenv("QUARRY_LOG_LEVEL", "debug")
	assert.Equal(t, "debug", levelFromEnv().String())
	t.Setenv("QUARRY_LOG_LEVEL", "warn")
	assert.Equal(t, "warn", levelFromEnv().String())
	t.Setenv("QUARRY_LOG_LEVEL", "")
	assert.Equal(t, "info", levelFromEnv().String())
}

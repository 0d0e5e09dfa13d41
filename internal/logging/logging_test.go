package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("console logger", func(t *testing.T) {
		logger, err := New("debug", "console", "")
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(0), "info enabled at debug level")
		_ = logger.Sync()
	})

	t.Run("file sink", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "labkit.log")
		logger, err := New("info", "json", file)
		require.NoError(t, err)
		logger.Info("hello from the test")
		_ = logger.Sync()

		data, err := os.ReadFile(file)
		require.NoError(t, err)
		assert.Contains(t, string(data), "hello from the test")
	})

	t.Run("invalid level", func(t *testing.T) {
		_, err := New("shout", "console", "")
		assert.Error(t, err)
	})
}

func TestNop(t *testing.T) {
	assert.NotNil(t, Nop())
}

package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		level       string
		wantDebug   bool
	}{
		{name: "production default", environment: "production", wantDebug: false},
		{name: "development debug", environment: "development", level: "DEBUG", wantDebug: true},
		{name: "warn", environment: "development", level: "warn", wantDebug: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.environment, tt.level)
			require.NoError(t, err)
			require.NotNil(t, logger)
			assert.Equal(t, tt.wantDebug, logger.Core().Enabled(zap.DebugLevel))
			assert.True(t, logger.Core().Enabled(zap.ErrorLevel))
		})
	}
}

func TestNewWarnSkipsInfo(t *testing.T) {
	logger, err := New("production", "warn")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel), "Expected info to be disabled at warn level")
}

func TestNewInvalidLevel(t *testing.T) {
	_, err := New("production", "chatty")
	assert.Error(t, err)
}

package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/hongminglow/sampledeck-billing/internal/config"
)

func TestNewFollowsConfigEnvironment(t *testing.T) {
	dev, err := New(config.Config{Env: "development"}.Development())
	require.NoError(t, err)
	assert.True(t, dev.Core().Enabled(zapcore.DebugLevel))

	prod, err := New(config.Config{Env: "production"}.Development())
	require.NoError(t, err)
	assert.False(t, prod.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, prod.Core().Enabled(zapcore.InfoLevel))
}

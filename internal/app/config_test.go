package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.StateBackend)
	assert.Equal(t, uint64(1337), cfg.ChainID)
	assert.False(t, cfg.IsProduction())
	assert.Positive(t, cfg.ReceiptTimeout)
}

func TestLoadConfigRejectsUnknownBackend(t *testing.T) {
	t.Setenv("STATE_BACKEND", "sqlite")
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state backend")
}

func TestLoadConfigRequiresOperatorInProduction(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("OPERATOR_KEY", "")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("OPERATOR_KEY", "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}

func TestLogLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", logLevel(&Config{LogLevel: "debug"}).String())
	assert.Equal(t, "WARN", logLevel(&Config{LogLevel: "warning"}).String())
	assert.Equal(t, "INFO", logLevel(nil).String())
}

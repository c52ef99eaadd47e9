package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/markus-barta/carrelay/internal/auth"
	"github.com/markus-barta/carrelay/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortOf(t *testing.T) {
	assert.Equal(t, 3001, portOf(":3001"))
	assert.Equal(t, 8080, portOf("0.0.0.0:8080"))
	assert.Equal(t, 0, portOf("garbage"))
}

func TestNewLogger_FileOutput(t *testing.T) {
	cfg := config.Default()
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"
	cfg.LogFile = filepath.Join(t.TempDir(), "relay.log")

	log := newLogger(cfg)
	assert.Equal(t, zerolog.WarnLevel, log.GetLevel())

	log.Info().Msg("filtered")
	log.Warn().Msg("kept")

	data, err := os.ReadFile(cfg.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"kept"`)
	assert.NotContains(t, string(data), "filtered")
}

func TestNewLogger_BadLevelFallsBackToInfo(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "loud"
	assert.Equal(t, zerolog.InfoLevel, newLogger(cfg).GetLevel())
}

func TestPrintDeviceTokenHash(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printDeviceTokenHash(&out, "car-secret"))

	hash := strings.TrimSpace(out.String())
	gate := auth.NewDeviceGate(hash)
	assert.True(t, gate.Allow("car-secret"))
	assert.False(t, gate.Allow("other"))
}

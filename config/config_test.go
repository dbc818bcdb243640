package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestConfig(t *testing.T) {
	rawConfig := `---
listener: localhost:8080
data-dir: /var/lib/pulselog
record-width: 8
index-width: 8
timestamp-width: 4
resolutions: [1m, 15m, 1h]
max-gap: 48h
max-request-bars: 500
client-api-key: browser-secret
logger:
  level: debug
database:
  path: /var/lib/pulselog/sessions
sources:
  - name: sources.sensor
    listener: ":4000"
    api-key: sensor-secret
    auth-timeout: 5s
  - name: sources.kafka
    disabled: true
    brokers: localhost:9092
    topic: timestamps`
	cfg, err := NewConfigFromStr([]byte(rawConfig))
	require.NoError(t, err)
	require.Equal(t, "localhost:8080", cfg.Listener)
	require.Equal(t, "/var/lib/pulselog", cfg.DataDir)
	require.Equal(t, uint64(8), cfg.RecordWidth)
	require.Equal(t, uint64(8), cfg.IndexWidth)
	require.Equal(t, uint64(4), cfg.TimestampWidth)
	require.Equal(t, []uint64{60000, 900000, 3600000}, cfg.ResolutionWidths())
	require.Equal(t, uint64(500), cfg.MaxRequestBars)
	require.Equal(t, uint64(48*3600*1000), cfg.MaxGapWidth())
	require.Equal(t, "browser-secret", cfg.ClientAPIKey)
	require.Equal(t, zapcore.DebugLevel, cfg.Logger.Level)
	require.Equal(t, "/var/lib/pulselog/sessions", cfg.Database.Path)

	require.Len(t, cfg.Sources, 2)
	require.Equal(t, "sources.sensor", cfg.Sources[0].Name)
	require.False(t, cfg.Sources[0].Disabled)
	require.Equal(t, "sensor-secret", cfg.Sources[0].Config["api-key"])
	require.Equal(t, "5s", cfg.Sources[0].Config["auth-timeout"])
	require.NotContains(t, cfg.Sources[0].Config, "name")
	require.True(t, cfg.Sources[1].Disabled)
	require.NotContains(t, cfg.Sources[1].Config, "disabled")

	enabled := cfg.EnabledSources()
	require.Len(t, enabled, 1)
	require.Equal(t, "sources.sensor", enabled[0].Name)
}

func TestConfigDefaults(t *testing.T) {
	t.Setenv(envSensorAPIKey, "from-env")
	cfg, err := NewConfigFromStr([]byte("---\n"))
	require.NoError(t, err)
	require.Equal(t, "localhost:4711", cfg.Listener)
	require.Equal(t, uint64(4), cfg.RecordWidth)
	require.Equal(t, uint64(4), cfg.IndexWidth)
	require.Equal(t, uint64(4), cfg.TimestampWidth)
	require.Equal(t, []time.Duration{5 * time.Minute, time.Hour, 24 * time.Hour}, cfg.Resolutions)
	require.Equal(t, uint64(1000), cfg.MaxRequestBars)
	require.Equal(t, 7*24*time.Hour, cfg.MaxGap)
	require.Equal(t, zapcore.InfoLevel, cfg.Logger.Level)

	require.Len(t, cfg.Sources, 1)
	require.Equal(t, SensorSource, cfg.Sources[0].Name)
	require.Equal(t, "from-env", cfg.Sources[0].Config["api-key"])
}

func TestConfigEnvOverridesFile(t *testing.T) {
	t.Setenv(envClientAPIKey, "env-client")
	t.Setenv(envSensorAPIKey, "env-sensor")
	cfg, err := NewConfigFromStr([]byte(`---
client-api-key: file-client
sources:
  - name: sources.sensor
    api-key: file-sensor`))
	require.NoError(t, err)
	require.Equal(t, "env-client", cfg.ClientAPIKey)
	require.Equal(t, "env-sensor", cfg.Sources[0].Config["api-key"])
}

func TestConfigValidation(t *testing.T) {
	for name, raw := range map[string]string{
		"record width":       "record-width: 3\nsources: [{name: sources.kafka}]",
		"index width":        "index-width: 16\nsources: [{name: sources.kafka}]",
		"sub-ms resolution":  "resolutions: [500us]\nsources: [{name: sources.kafka}]",
		"negative gap":       "max-gap: -1h\nsources: [{name: sources.kafka}]",
		"two sources":        "sources: [{name: sources.kafka}, {name: sources.sensor, api-key: k}]",
		"sensor without key": "sources: [{name: sources.sensor}]",
		"unnamed source":     "sources: [{disabled: true}]",
		"disabled not bool":  "sources: [{name: sources.kafka, disabled: maybe}]",
	} {
		_, err := NewConfigFromStr([]byte(raw))
		require.Error(t, err, name)
	}
}

func TestNewConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listener: \":9999\"\nsources: [{name: sources.kafka, topic: t}]\n"), 0o644))

	cfg, err := NewConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.Listener)

	_, err = NewConfig(dir)
	require.Error(t, err)

	_, err = NewConfig(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

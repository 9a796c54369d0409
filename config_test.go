package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{"LIBRARY_DB", "LIBRARY_LOG_LEVEL", "LIBRARY_SWEEP_INTERVAL", "LIBRARY_KAFKA_BROKERS"} {
		t.Setenv(key, "")
	}
	cfg := loadConfig()
	assert.Equal(t, "library.db", cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.Empty(t, cfg.KafkaBrokers)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("LIBRARY_DB", "/tmp/lend.db")
	t.Setenv("LIBRARY_SWEEP_INTERVAL", "90")
	t.Setenv("LIBRARY_STORE_TIMEOUT", "250ms")
	t.Setenv("LIBRARY_KAFKA_BROKERS", "k1:9092, k2:9092,,")

	cfg := loadConfig()
	assert.Equal(t, "/tmp/lend.db", cfg.DBPath)
	assert.Equal(t, 90*time.Second, cfg.SweepInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.StoreTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}

func TestConfigValidate(t *testing.T) {
	valid := Config{
		DBPath:        "x.db",
		LogLevel:      "debug",
		LogFormat:     "json",
		SweepInterval: time.Minute,
		StoreTimeout:  time.Second,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty path", func(c *Config) { c.DBPath = " " }},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }},
		{"short interval", func(c *Config) { c.SweepInterval = time.Millisecond }},
		{"zero timeout", func(c *Config) { c.StoreTimeout = 0 }},
		{"brokers without topic", func(c *Config) { c.KafkaBrokers = []string{"k:9092"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"library-lending/library"
)

// Config holds process settings. Environment variables provide defaults and
// command-line flags override them.
type Config struct {
	DBPath        string
	LogLevel      string
	LogFormat     string
	SweepInterval time.Duration
	StoreTimeout  time.Duration
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	JSON          bool
}

func loadConfig() Config {
	return Config{
		DBPath:        getEnv("LIBRARY_DB", "library.db"),
		LogLevel:      getEnv("LIBRARY_LOG_LEVEL", "info"),
		LogFormat:     getEnv("LIBRARY_LOG_FORMAT", "text"),
		SweepInterval: getEnvDuration("LIBRARY_SWEEP_INTERVAL", library.DefaultSweepInterval),
		StoreTimeout:  getEnvDuration("LIBRARY_STORE_TIMEOUT", library.DefaultStoreTimeout),
		MetricsAddr:   getEnv("LIBRARY_METRICS_ADDR", ":9464"),
		KafkaBrokers:  splitList(getEnv("LIBRARY_KAFKA_BROKERS", "")),
		KafkaTopic:    getEnv("LIBRARY_KAFKA_TOPIC", "library.overdue"),
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("database path is required")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	if c.SweepInterval < time.Second {
		return fmt.Errorf("sweep interval %s is shorter than one second", c.SweepInterval)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store timeout must be positive")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("kafka topic is required when brokers are set")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

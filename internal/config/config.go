// Package config holds the viper configuration singleton for the engine
// and the CLI. Call Initialize once at startup; components read through
// the typed accessors rather than touching viper directly.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton.
// Should be called once at application startup.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	// Explicitly locate config.yaml so a stray config.json is never
	// picked up. Precedence: project .parquedb/config.yaml >
	// ~/.config/parquedb/config.yaml > ~/.parquedb/config.yaml
	configFileSet := false

	// 1. Walk up from CWD to find the project .parquedb/config.yaml,
	//    so commands work from subdirectories.
	cwd, err := os.Getwd()
	if err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".parquedb", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}

	// 2. User config directory.
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "parquedb", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// 3. Home directory.
	if !configFileSet {
		if homeDir, err := os.UserHomeDir(); err == nil {
			configPath := filepath.Join(homeDir, ".parquedb", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// Environment variables take precedence over the config file.
	// E.g. PQ_JSON, PQ_QUIET, PQ_DATA_DIR.
	v.SetEnvPrefix("PQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Operational variables recognized without the PQ_ prefix, bound
	// explicitly for compatibility with existing deployments.
	_ = v.BindEnv("max-retries", "MAX_RETRIES")
	_ = v.BindEnv("flush-threshold", "FLUSH_THRESHOLD")
	_ = v.BindEnv("compression", "COMPRESSION")
	_ = v.BindEnv("raw-events-prefix", "RAW_EVENTS_PREFIX")
	_ = v.BindEnv("parquet-prefix", "PARQUET_PREFIX")

	v.SetDefault("max-retries", 3)
	v.SetDefault("flush-threshold", 1000)
	v.SetDefault("compression", "lz4")
	v.SetDefault("raw-events-prefix", "raw-events")
	v.SetDefault("parquet-prefix", "logs/workers")

	// CLI flags.
	v.SetDefault("json", false)
	v.SetDefault("quiet", false)
	v.SetDefault("pretty", false)
	v.SetDefault("data-dir", "")
	v.SetDefault("actor", "")

	// Engine tunables.
	v.SetDefault("max-buffered-events", 100)
	v.SetDefault("auto-snapshot-threshold", 100)
	v.SetDefault("max-cached-entities", 10000)
	v.SetDefault("cache-ttl", "5m")
	v.SetDefault("default-concurrency", 4)
	v.SetDefault("retention", "24h")
	v.SetDefault("max-inbound", 1000)
	v.SetDefault("text-fallback-scan", false)

	// Index tunables.
	v.SetDefault("bloom-fpr", 0.01)
	v.SetDefault("fts.min-word-length", 2)
	v.SetDefault("fts.max-word-length", 40)
	v.SetDefault("fts.k1", 1.2)
	v.SetDefault("fts.b", 0.75)
	v.SetDefault("fts.stopwords", true)
	v.SetDefault("fts.stemming", false)

	// Compaction tunables.
	v.SetDefault("compaction.window-max-events", 1000)
	v.SetDefault("compaction.window-max-age", "30s")
	v.SetDefault("compaction.heartbeat-timeout", "60s")

	// Circuit breaker tunables.
	v.SetDefault("breaker.failure-threshold", 5)
	v.SetDefault("breaker.reset-timeout", "30s")
	v.SetDefault("breaker.call-timeout", "10s")

	// Log rotation.
	v.SetDefault("log.max-size-mb", 20)
	v.SetDefault("log.max-backups", 3)
	v.SetDefault("log.max-age-days", 14)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return err
		}
	}
	return nil
}

func ensure() *viper.Viper {
	if v == nil {
		_ = Initialize()
	}
	return v
}

// GetString returns a string config value.
func GetString(key string) string { return ensure().GetString(key) }

// GetInt returns an int config value.
func GetInt(key string) int { return ensure().GetInt(key) }

// GetBool returns a bool config value.
func GetBool(key string) bool { return ensure().GetBool(key) }

// GetFloat returns a float config value.
func GetFloat(key string) float64 { return ensure().GetFloat64(key) }

// GetDuration returns a duration config value.
func GetDuration(key string) time.Duration { return ensure().GetDuration(key) }

// Set overrides a config value. Used by CLI flag binding and tests.
func Set(key string, value any) { ensure().Set(key, value) }

// Reset discards the singleton so tests can re-initialize cleanly.
func Reset() { v = nil }

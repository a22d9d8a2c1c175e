// Package config loads the portal configuration from environment variables and
// the per-coin pool configurations from TOML files.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Portal holds the process-wide configuration shared by the master and every
// worker process. It is serialized to JSON for the worker handoff.
type Portal struct {
	// Service identification
	ServiceName string `json:"service_name"`
	Version     string `json:"version"`
	Environment string `json:"environment"`

	// Redis holds the round ledger and is required
	RedisURL      string        `json:"redis_url"`
	RedisPoolSize int           `json:"redis_pool_size"`
	RedisTimeout  time.Duration `json:"redis_timeout"`

	// Optional sinks, an empty URL or broker list disables them
	PostgresURL  string   `json:"postgres_url"`
	InfluxURL    string   `json:"influx_url"`
	InfluxToken  string   `json:"influx_token"`
	InfluxOrg    string   `json:"influx_org"`
	InfluxBucket string   `json:"influx_bucket"`
	KafkaBrokers []string `json:"kafka_brokers"`
	KafkaGroupID string   `json:"kafka_group_id"`

	// Clustering
	Forks         string        `json:"forks"`
	RespawnDelay  time.Duration `json:"respawn_delay"`
	SpawnInterval time.Duration `json:"spawn_interval"`

	PoolConfigDir string `json:"pool_config_dir"`
	MetricsAddr   string `json:"metrics_addr"`

	// Settings are cloned into every pool config that does not set them
	Settings Settings `json:"settings"`

	// Logging
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}

// Settings are pool behaviours with portal-wide defaults
type Settings struct {
	Banning           Banning       `toml:"banning" json:"banning"`
	ConnectionTimeout time.Duration `toml:"connection_timeout" json:"connection_timeout"`
}

// Banning controls invalid-share IP banning in the stratum engine
type Banning struct {
	Enabled        bool          `toml:"enabled" json:"enabled"`
	Time           time.Duration `toml:"time" json:"time"`
	InvalidPercent float64       `toml:"invalid_percent" json:"invalid_percent"`
	CheckThreshold int           `toml:"check_threshold" json:"check_threshold"`
	PurgeInterval  time.Duration `toml:"purge_interval" json:"purge_interval"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Portal, error) {
	cfg := &Portal{
		ServiceName: getEnv("SERVICE_NAME", "poolportal"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),

		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisPoolSize: getEnvInt("REDIS_POOL_SIZE", 20),
		RedisTimeout:  getEnvDuration("REDIS_TIMEOUT", 3*time.Second),

		PostgresURL:  getEnv("POSTGRES_URL", ""),
		InfluxURL:    getEnv("INFLUX_URL", ""),
		InfluxToken:  getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:    getEnv("INFLUX_ORG", "pool"),
		InfluxBucket: getEnv("INFLUX_BUCKET", "mining"),
		KafkaBrokers: getEnvSlice("KAFKA_BROKERS", nil),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "poolportal"),

		Forks:         getEnv("CLUSTERING_FORKS", "auto"),
		RespawnDelay:  getEnvDuration("RESPAWN_DELAY", 2*time.Second),
		SpawnInterval: getEnvDuration("SPAWN_INTERVAL", 250*time.Millisecond),

		PoolConfigDir: getEnv("POOL_CONFIG_DIR", "configs"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9100"),

		Settings: Settings{
			Banning: Banning{
				Enabled:        getEnvBool("BANNING_ENABLED", true),
				Time:           getEnvDuration("BANNING_TIME", 10*time.Minute),
				InvalidPercent: getEnvFloat("BANNING_INVALID_PERCENT", 50),
				CheckThreshold: getEnvInt("BANNING_CHECK_THRESHOLD", 500),
				PurgeInterval:  getEnvDuration("BANNING_PURGE_INTERVAL", 5*time.Minute),
			},
			ConnectionTimeout: getEnvDuration("CONNECTION_TIMEOUT", 10*time.Minute),
		},

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// ForkCount resolves CLUSTERING_FORKS. "auto" (or empty) means one fork per CPU.
func (c *Portal) ForkCount() (int, error) {
	switch strings.ToLower(strings.TrimSpace(c.Forks)) {
	case "", "auto":
		return runtime.NumCPU(), nil
	}
	n, err := strconv.Atoi(c.Forks)
	if err != nil {
		return 0, fmt.Errorf("CLUSTERING_FORKS must be \"auto\" or an integer, got %q", c.Forks)
	}
	if n < 1 {
		return 0, fmt.Errorf("CLUSTERING_FORKS must be at least 1, got %d", n)
	}
	return n, nil
}

func (c *Portal) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL cannot be empty")
	}

	if _, err := c.ForkCount(); err != nil {
		return err
	}

	if c.RespawnDelay <= 0 {
		return fmt.Errorf("RESPAWN_DELAY must be positive")
	}

	if c.SpawnInterval < 0 {
		return fmt.Errorf("SPAWN_INTERVAL cannot be negative")
	}

	b := c.Settings.Banning
	if b.InvalidPercent < 0 || b.InvalidPercent > 100 {
		return fmt.Errorf("BANNING_INVALID_PERCENT must be between 0 and 100")
	}
	if b.Enabled && b.CheckThreshold <= 0 {
		return fmt.Errorf("BANNING_CHECK_THRESHOLD must be positive when banning is enabled")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the dispatch server.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Backends   BackendsConfig
	Routing    RoutingConfig
	Supervisor SupervisorConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// BackendsConfig describes the two execution backends' intake APIs.
// IntakeTimeout bounds the synchronous submit call so a slow backend
// cannot stall the dispatch loop; it is unrelated to a job's own
// timeout_seconds.
type BackendsConfig struct {
	LegacyURL     string
	NewURL        string
	IntakeTimeout time.Duration
}

// RoutingConfig names the feature flag consulted per submission to pick
// between the new and legacy backend.
type RoutingConfig struct {
	Flag string
}

type SupervisorConfig struct {
	SweepInterval    time.Duration
	DispatchInterval time.Duration
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	DispatchBatch    int
}

// Load reads configuration from environment variables and returns a
// validated Config. Returns an error with a descriptive message if any
// required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("JOBDISPATCH_PORT", 8080),
			Env:  envString("JOBDISPATCH_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Backends: BackendsConfig{
			LegacyURL:     os.Getenv("BACKEND_LEGACY_URL"),
			NewURL:        os.Getenv("BACKEND_NEW_URL"),
			IntakeTimeout: envDuration("BACKEND_INTAKE_TIMEOUT", 5*time.Second),
		},
		Routing: RoutingConfig{
			Flag: envString("ROUTING_FLAG", "new-backend-enabled"),
		},
		Supervisor: SupervisorConfig{
			SweepInterval:    envDuration("SUPERVISOR_SWEEP_INTERVAL", 10*time.Second),
			DispatchInterval: envDuration("DISPATCH_INTERVAL", 1*time.Second),
			BackoffBase:      envDuration("RETRY_BACKOFF_BASE", 5*time.Second),
			BackoffCap:       envDuration("RETRY_BACKOFF_CAP", 5*time.Minute),
			DispatchBatch:    envInt("DISPATCH_BATCH_SIZE", 50),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Backends.LegacyURL == "" {
		return fmt.Errorf("BACKEND_LEGACY_URL is required")
	}
	if c.Backends.NewURL == "" {
		return fmt.Errorf("BACKEND_NEW_URL is required")
	}
	for _, u := range []string{c.Backends.LegacyURL, c.Backends.NewURL} {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("backend URL must start with http:// or https://, got %q", u)
		}
	}

	if c.Supervisor.BackoffBase <= 0 {
		return fmt.Errorf("RETRY_BACKOFF_BASE must be positive")
	}
	if c.Supervisor.BackoffCap < c.Supervisor.BackoffBase {
		return fmt.Errorf("RETRY_BACKOFF_CAP must be >= RETRY_BACKOFF_BASE")
	}
	if c.Supervisor.DispatchBatch <= 0 {
		return fmt.Errorf("DISPATCH_BATCH_SIZE must be positive")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

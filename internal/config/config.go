package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Storage backends
const (
	StorageRedis  = "redis"
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

// Config holds all configuration for the conductor
type Config struct {
	// Server configuration
	HTTPPort int    `env:"CONDUCTOR_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"CONDUCTOR_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Storage selects where executions and endpoints are persisted
	Storage StorageConfig

	// Redis configuration
	Redis RedisConfig

	// Dispatch pool configuration
	Workers WorkerConfig

	// Worker service resolution
	Resolver ResolverConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// StorageConfig holds persistence configuration
type StorageConfig struct {
	Backend    string        `env:"STORAGE_BACKEND" envDefault:"redis"`
	SQLitePath string        `env:"SQLITE_PATH" envDefault:"conductor.db"`
	TTL        time.Duration `env:"STORAGE_TTL" envDefault:"168h"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`

	// Event streams
	StreamGroup  string `env:"REDIS_STREAM_GROUP" envDefault:"conductor"`
	StreamMaxLen int64  `env:"REDIS_STREAM_MAXLEN" envDefault:"10000"`
}

// WorkerConfig holds dispatch pool configuration
type WorkerConfig struct {
	PoolSize            int           `env:"WORKER_POOL_SIZE" envDefault:"5"`
	HealthCheckInterval time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
	ProbeTimeout        time.Duration `env:"WORKER_PROBE_TIMEOUT" envDefault:"5s"`
	ServiceTTL          time.Duration `env:"WORKER_SERVICE_TTL" envDefault:"90s"`
}

// ResolverConfig holds worker service resolution settings
type ResolverConfig struct {
	RetryCount  int           `env:"RESOLVER_RETRY_COUNT" envDefault:"5"`
	RetryPeriod time.Duration `env:"RESOLVER_RETRY_PERIOD" envDefault:"2s"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	ExecutionTimeout time.Duration `env:"TIMEOUT_EXECUTION" envDefault:"0s"` // 0 disables
	RPCCallTimeout   time.Duration `env:"TIMEOUT_RPC_CALL" envDefault:"60s"`
	ShutdownTimeout  time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}
	if c.HTTPPort == c.GRPCPort {
		return fmt.Errorf("HTTP and gRPC ports must differ: %d", c.HTTPPort)
	}

	switch c.Storage.Backend {
	case StorageRedis:
	case StorageSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for the sqlite backend")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("unsupported storage backend: %s (must be redis, sqlite, or memory)", c.Storage.Backend)
	}

	// The worker registry and event streams always live in Redis
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}
	if c.Workers.ServiceTTL <= 0 {
		return fmt.Errorf("worker service TTL must be positive")
	}

	if c.Resolver.RetryCount < 1 {
		return fmt.Errorf("resolver retry count must be at least 1")
	}
	if c.Resolver.RetryPeriod < 0 {
		return fmt.Errorf("resolver retry period cannot be negative")
	}

	if c.Timeouts.ExecutionTimeout < 0 {
		return fmt.Errorf("execution timeout cannot be negative")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}

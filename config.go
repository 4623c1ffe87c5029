package conductor

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type (
	// Config collects the tunable knobs of an App. Zero values fall back
	// to the defaults below
	Config struct {
		CacheSize          int           `env:"CONDUCTOR_CACHE_SIZE"`
		CacheTTL           time.Duration `env:"CONDUCTOR_CACHE_TTL"`
		PublishLimit       int64         `env:"CONDUCTOR_PUBLISH_LIMIT"`
		MaxParamBytes      int           `env:"CONDUCTOR_MAX_PARAM_BYTES"`
		RequireUserContext bool          `env:"CONDUCTOR_REQUIRE_USER"`
		ShutdownTimeout    time.Duration `env:"CONDUCTOR_SHUTDOWN_TIMEOUT"`

		Redis    RedisConfig    `envPrefix:"CONDUCTOR_REDIS_"`
		Bolt     BoltConfig     `envPrefix:"CONDUCTOR_BOLT_"`
		Postgres PostgresConfig `envPrefix:"CONDUCTOR_POSTGRES_"`
	}

	// RedisConfig configures the Redis backend
	RedisConfig struct {
		Endpoint string `env:"ENDPOINT"`
		Password string `env:"PASSWORD"`
		Database int    `env:"DATABASE"`
		Prefix   string `env:"PREFIX"`
	}

	// BoltConfig configures the Bolt backend
	BoltConfig struct {
		Path string `env:"PATH"`
	}

	// PostgresConfig configures the Postgres backend
	PostgresConfig struct {
		DSN   string `env:"DSN"`
		Table string `env:"TABLE"`
	}
)

const (
	DefaultCacheSize       = 4096
	DefaultCacheTTL        = 5 * time.Minute
	DefaultPublishLimit    = int64(100)
	DefaultMaxParamBytes   = 1 << 20
	DefaultShutdownTimeout = 10 * time.Second

	DefaultRedisEndpoint = "localhost:6379"
	DefaultRedisPrefix   = "conductor"
	DefaultBoltPath      = "conductor.db"
	DefaultPostgresTable = "entities"
)

// DefaultConfig returns a Config populated with the package defaults
func DefaultConfig() *Config {
	return &Config{
		CacheSize:       DefaultCacheSize,
		CacheTTL:        DefaultCacheTTL,
		PublishLimit:    DefaultPublishLimit,
		MaxParamBytes:   DefaultMaxParamBytes,
		ShutdownTimeout: DefaultShutdownTimeout,
		Redis: RedisConfig{
			Endpoint: DefaultRedisEndpoint,
			Prefix:   DefaultRedisPrefix,
		},
		Bolt: BoltConfig{
			Path: DefaultBoltPath,
		},
		Postgres: PostgresConfig{
			Table: DefaultPostgresTable,
		},
	}
}

// ConfigFromEnv returns the defaults overlaid with any CONDUCTOR_*
// environment variables
func ConfigFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

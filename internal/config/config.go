// Package config loads service configuration from file and environment.
// Precedence: defaults < config file < BETLINK_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/betlink/betlinkd/internal/cache"
	"github.com/betlink/betlinkd/internal/events"
	"github.com/betlink/betlinkd/internal/storage/relationaldb"
)

const envPrefix = "BETLINK"

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig        `mapstructure:"server"`
	Database relationaldb.Config `mapstructure:"database"`
	Cache    CacheConfig         `mapstructure:"cache"`
	Events   EventsConfig        `mapstructure:"events"`
	Security SecurityConfig      `mapstructure:"security"`
	AML      AMLConfig           `mapstructure:"aml"`
	Logging  LoggingConfig       `mapstructure:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	ListenAddress   string        `mapstructure:"listen_address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// CacheConfig selects and configures the cache backend.
type CacheConfig struct {
	Backend string            `mapstructure:"backend"` // memory or redis
	Size    int               `mapstructure:"size"`    // memory backend bound
	Redis   cache.RedisConfig `mapstructure:"redis"`
}

// EventsConfig sizes the bus and locates the dead-letter journal.
type EventsConfig struct {
	Bus        events.Config `mapstructure:"bus"`
	JournalDir string        `mapstructure:"journal_dir"`
}

// SecurityConfig carries the secrets and limits of the auth pipeline.
type SecurityConfig struct {
	EncryptionKey        string   `mapstructure:"encryption_key"`         // base64, 256-bit
	RateLimit            int64    `mapstructure:"rate_limit"`             // requests per partner per minute
	AllowedIPEnforcement bool     `mapstructure:"allowed_ip_enforcement"` // disable only in closed networks
	AuthExcludePaths     []string `mapstructure:"auth_exclude_paths"`     // path prefixes served without auth
}

// AMLConfig overrides analyzer defaults.
type AMLConfig struct {
	// LargeValueThresholds replaces the built-in per-currency reporting
	// thresholds for the currencies it names.
	LargeValueThresholds map[string]float64 `mapstructure:"large_value_thresholds"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
}

// Load reads configuration. path may be empty; environment variables alone
// can configure the service (BETLINK_DATABASE_HOST, BETLINK_SERVER_LISTEN_ADDRESS, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// Viper lowercases map keys; currency codes are canonically upper.
	if len(cfg.AML.LargeValueThresholds) > 0 {
		normalized := make(map[string]float64, len(cfg.AML.LargeValueThresholds))
		for currency, threshold := range cfg.AML.LargeValueThresholds {
			normalized[strings.ToUpper(currency)] = threshold
		}
		cfg.AML.LargeValueThresholds = normalized
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_address", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.request_timeout", "5s")
	v.SetDefault("server.shutdown_timeout", "20s")

	db := relationaldb.DefaultConfig()
	v.SetDefault("database.host", db.Host)
	v.SetDefault("database.port", db.Port)
	v.SetDefault("database.database", db.Database)
	v.SetDefault("database.username", db.Username)
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", db.SSLMode)
	v.SetDefault("database.max_open_conns", db.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", db.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", db.ConnMaxLifetime.String())
	v.SetDefault("database.conn_max_idle_time", db.ConnMaxIdleTime.String())
	v.SetDefault("database.connect_timeout", db.ConnectTimeout.String())

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.size", 65536)
	v.SetDefault("cache.redis.address", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)

	bus := events.DefaultConfig()
	v.SetDefault("events.bus.workers", bus.Workers)
	v.SetDefault("events.bus.queue_size", bus.QueueSize)
	v.SetDefault("events.bus.publish_timeout", bus.PublishTimeout.String())
	v.SetDefault("events.journal_dir", "data/eventlog")

	v.SetDefault("security.encryption_key", "")
	v.SetDefault("security.rate_limit", 100)
	v.SetDefault("security.allowed_ip_enforcement", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks the configuration for startup-blocking mistakes.
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be positive")
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database configuration: %w", err)
	}
	switch c.Cache.Backend {
	case "memory":
		if c.Cache.Size <= 0 {
			return fmt.Errorf("cache.size must be positive for the memory backend")
		}
	case "redis":
		if c.Cache.Redis.Address == "" {
			return fmt.Errorf("cache.redis.address is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Security.EncryptionKey == "" {
		return fmt.Errorf("security.encryption_key is required; generate one with the keygen command")
	}
	if c.Events.JournalDir == "" {
		return fmt.Errorf("events.journal_dir is required")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown logging format %q", c.Logging.Format)
	}
	return nil
}

package relationaldb

import (
	"fmt"
	"time"
)

// Config holds connection settings for the relational store.
type Config struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// DefaultConfig returns sensible pool defaults for a single service instance.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            5432,
		Database:        "betlink",
		Username:        "betlink",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnectTimeout:  5 * time.Second,
	}
}

// Validate checks the configuration before a connection attempt.
func (c *Config) Validate() error {
	if c.Host == "" {
		return NewConfigurationError("validate", "database host is required", nil)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return NewConfigurationError("validate", fmt.Sprintf("invalid database port %d", c.Port), nil)
	}
	if c.Database == "" {
		return NewConfigurationError("validate", "database name is required", nil)
	}
	if c.Username == "" {
		return NewConfigurationError("validate", "database username is required", nil)
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return NewConfigurationError("validate", "max idle connections cannot exceed max open connections", nil)
	}
	return nil
}

// ConnectionString builds the lib/pq DSN.
func (c *Config) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s connect_timeout=%d",
		c.Host, c.Port, c.Database, c.Username, c.Password, c.SSLMode,
		int(c.ConnectTimeout.Seconds()),
	)
}

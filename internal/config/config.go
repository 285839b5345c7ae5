// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (KEEPSAKE_* and DATABASE_URL)
//  2. Config file (~/.keepsake/config.yaml)
//  3. Default values
//
// Security: passwords are never logged; MarshalJSON masks sensitive fields.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Sentinel errors for configuration validation, checked with errors.Is().
var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidPoolSize indicates the connection pool size is out of range.
	ErrInvalidPoolSize = errors.New("invalid pool size")
)

const (
	// DefaultPostgresPort is the standard PostgreSQL port.
	DefaultPostgresPort = 5432

	// DefaultPoolMaxConns is the default maximum pool size.
	DefaultPoolMaxConns = 10

	// MaxPoolConns is the absolute maximum pool size to guard against
	// exhausting database connection slots.
	MaxPoolConns = 100
)

// Config stores application configuration.
// SECURITY: sensitive fields are masked in MarshalJSON(). When adding new
// sensitive fields (passwords, tokens), update MarshalJSON.
type Config struct {
	// PostgreSQL connection settings
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"-"`
	PostgresDBName   string `mapstructure:"postgres_dbname" json:"postgres_dbname"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode" json:"postgres_sslmode"`

	// PostgresSchema is an optional schema qualifier. Empty means the
	// default (public) schema; otherwise applied via search_path.
	PostgresSchema string `mapstructure:"postgres_schema" json:"postgres_schema"`

	// PoolMaxConns bounds the shared connection pool.
	PoolMaxConns int `mapstructure:"pool_max_conns" json:"pool_max_conns"`

	// Logging
	LogLevel string `mapstructure:"log_level" json:"log_level"` // "debug", "info", "warn", "error"
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`
}

// MarshalJSON masks sensitive fields so the config can be logged safely.
func (c *Config) MarshalJSON() ([]byte, error) {
	type alias Config // avoid recursion
	masked := alias(*c)
	if masked.PostgresPassword != "" {
		masked.PostgresPassword = "***"
	}
	return json.Marshal(masked)
}

// Load reads configuration from file, environment, and defaults.
//
// The config file is optional; a missing file falls back to defaults plus
// environment overrides. DATABASE_URL, when set, overrides the individual
// postgres_* values.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir, err := configDir(); err == nil {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("KEEPSAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Missing config file is fine: defaults + env take over.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// DATABASE_URL takes priority over individual settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", DefaultPostgresPort)
	v.SetDefault("postgres_user", "keepsake")
	v.SetDefault("postgres_password", "")
	v.SetDefault("postgres_dbname", "keepsake")
	v.SetDefault("postgres_sslmode", "disable")
	v.SetDefault("postgres_schema", "")
	v.SetDefault("pool_max_conns", DefaultPoolMaxConns)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// configDir returns the directory holding the config file (~/.keepsake).
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".keepsake"), nil
}

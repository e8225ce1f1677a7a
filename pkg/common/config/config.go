// Package config loads application configuration from YAML files and
// environment variables (KPATH_ prefix) via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kpath-enterprise/kpath/pkg/common/cache"
)

// APIConfig defines the HTTP server configuration.
type APIConfig struct {
	ListenAddress  string        `mapstructure:"listen_address"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	EnableCORS     bool          `mapstructure:"enable_cors"`
}

// DatabaseConfig defines the catalog store connection.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// EmbeddingConfig selects and configures the embedder.
type EmbeddingConfig struct {
	// Provider is "openai" for a remote encoder or "tfidf" for the
	// statistical fallback. Empty means: prefer remote when an endpoint
	// is configured, otherwise fall back.
	Provider  string `mapstructure:"provider"`
	Endpoint  string `mapstructure:"endpoint"`
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	Dimension int    `mapstructure:"dimension"`
}

// ArtifactsConfig locates persisted model and index files.
type ArtifactsConfig struct {
	Dir string `mapstructure:"dir"`
}

// AuthConfig configures authentication.
type AuthConfig struct {
	JWTSecret        string        `mapstructure:"jwt_secret"`
	JWTExpiration    time.Duration `mapstructure:"jwt_expiration"`
	DefaultRateLimit int           `mapstructure:"default_rate_limit"`
}

// SearchConfig tunes the query planner.
type SearchConfig struct {
	WorkflowsEnabled bool `mapstructure:"workflows_enabled"`
}

// Config holds the complete application configuration.
type Config struct {
	Environment string            `mapstructure:"environment"`
	API         APIConfig         `mapstructure:"api"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Cache       cache.RedisConfig `mapstructure:"cache"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding"`
	Artifacts   ArtifactsConfig   `mapstructure:"artifacts"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Search      SearchConfig      `mapstructure:"search"`
	LogLevel    string            `mapstructure:"log_level"`
}

// Load reads configuration from the given file (optional) and the
// environment, applying defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("KPATH")
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "INFO")

	v.SetDefault("api.listen_address", ":8000")
	v.SetDefault("api.read_timeout", 30*time.Second)
	v.SetDefault("api.write_timeout", 60*time.Second)
	v.SetDefault("api.idle_timeout", 120*time.Second)
	v.SetDefault("api.request_timeout", 30*time.Second)

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.migrate_on_start", true)

	v.SetDefault("embedding.model", "all-MiniLM-L6-v2")
	v.SetDefault("embedding.dimension", 384)

	v.SetDefault("artifacts.dir", "./data")

	v.SetDefault("auth.jwt_expiration", 24*time.Hour)
	v.SetDefault("auth.default_rate_limit", 1000)

	v.SetDefault("search.workflows_enabled", true)
}

// Validate checks the configuration for fatal problems.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive")
	}
	if c.Auth.DefaultRateLimit <= 0 {
		return fmt.Errorf("auth.default_rate_limit must be positive")
	}
	return nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultSimilarity is the fuzzy-name threshold used when DEDUP_SIMILARITY
// is not set.
const DefaultSimilarity = 80

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir   string        `mapstructure:"MIGRATIONS_DIR"`
	Similarity      int           `mapstructure:"DEDUP_SIMILARITY"`
	LockTimeout     time.Duration `mapstructure:"DEDUP_LOCK_TIMEOUT"`
	AuthIssuer      string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience    string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL     string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey  string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
}

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"DEDUP_SIMILARITY", "DEDUP_LOCK_TIMEOUT",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "SHUTDOWN_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("DEDUP_SIMILARITY", DefaultSimilarity)
	v.SetDefault("DEDUP_LOCK_TIMEOUT", "5s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")

	// Bind explicitly so Unmarshal sees env-only values.
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate rejects configurations the service cannot run safely with.
// Outside development the API needs either a signing key or a JWKS source,
// since the merge endpoint deletes patient rows.
func (c *Config) Validate() error {
	if c.Similarity < 0 || c.Similarity > 100 {
		return fmt.Errorf("DEDUP_SIMILARITY must be between 0 and 100, got %d", c.Similarity)
	}
	if c.LockTimeout < 0 {
		return fmt.Errorf("DEDUP_LOCK_TIMEOUT must not be negative, got %s", c.LockTimeout)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when ENV=%q", c.Env)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}
	return nil
}

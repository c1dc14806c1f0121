/*
Package config loads service configuration.

SOURCES (later wins):
  1. Defaults below
  2. Optional YAML file named by LEDGER_CONFIG
  3. .env in the working directory (loaded into the environment)
  4. Environment variables

KEYS:
  PORT, DB_PATH, IS_PRODUCTION, JWT_SECRET, JWT_ISSUER, SEED_FILE,
  RATE_LIMIT ("<limit>-<S|M|H|D>", e.g. "100-M"), AUTO_LOCK_ENABLED,
  AUTO_LOCK_GRACE_DAYS, AUTO_LOCK_INTERVAL, CORS_ORIGINS
*/
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const insecureDevSecret = "dev-only-secret-change-me"

// Config holds application configuration.
type Config struct {
	Port         string `mapstructure:"PORT" validate:"required,numeric"`
	DBPath       string `mapstructure:"DB_PATH" validate:"required"`
	IsProduction bool   `mapstructure:"IS_PRODUCTION"`

	JWTSecret string `mapstructure:"JWT_SECRET" validate:"required,min=16"`
	JWTIssuer string `mapstructure:"JWT_ISSUER"`

	// SeedFile is a YAML seed applied at startup. Empty applies the
	// built-in default chart.
	SeedFile  string `mapstructure:"SEED_FILE"`
	RateLimit string `mapstructure:"RATE_LIMIT" validate:"required"`

	AutoLockEnabled   bool          `mapstructure:"AUTO_LOCK_ENABLED"`
	AutoLockGraceDays int           `mapstructure:"AUTO_LOCK_GRACE_DAYS" validate:"gte=0"`
	AutoLockInterval  time.Duration `mapstructure:"AUTO_LOCK_INTERVAL" validate:"gt=0"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_PATH", "./data/ledger.db")
	v.SetDefault("IS_PRODUCTION", false)
	v.SetDefault("JWT_SECRET", insecureDevSecret)
	v.SetDefault("JWT_ISSUER", "school-ledger")
	v.SetDefault("SEED_FILE", "")
	v.SetDefault("RATE_LIMIT", "300-M")
	v.SetDefault("AUTO_LOCK_ENABLED", true)
	v.SetDefault("AUTO_LOCK_GRACE_DAYS", 15)
	v.SetDefault("AUTO_LOCK_INTERVAL", "1h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
}

// Load reads configuration from defaults, an optional file, .env and the
// environment, then validates it.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := v.GetString("LEDGER_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.JWTSecret == insecureDevSecret {
		if cfg.IsProduction {
			return nil, errors.New("invalid configuration: JWT_SECRET must be set in production")
		}
		slog.Warn("JWT_SECRET not set, using the insecure development secret")
	}
	return &cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

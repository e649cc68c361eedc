// Package config loads creditd configuration from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shopworks/creditcore/pkg/logger"
)

// Config is the full creditd configuration.
type Config struct {
	Server    ServerConfig         `yaml:"server"`
	Database  DatabaseConfig       `yaml:"database"`
	Logging   logger.LoggingConfig `yaml:"logging"`
	Auth      AuthConfig           `yaml:"auth"`
	Webhook   WebhookConfig        `yaml:"webhook"`
	Rewards   RewardsConfig        `yaml:"rewards"`
	Sweeper   SweeperConfig        `yaml:"sweeper"`
	RateLimit RateLimitConfig      `yaml:"rate_limit"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	// Driver selects the store backend: "postgres" or "memory".
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type AuthConfig struct {
	// JWTSecret verifies bearer tokens issued by the identity service.
	JWTSecret string `yaml:"jwt_secret"`
}

type WebhookConfig struct {
	// Secret is the HMAC key shared with the payment provider.
	Secret string `yaml:"secret"`
}

type RewardsConfig struct {
	// Percent of the order amount granted to the inviter, 0..100.
	Percent int64 `yaml:"percent"`
}

type SweeperConfig struct {
	// Schedule is a cron expression; empty disables the sweeper.
	Schedule string `yaml:"schedule"`
	// PendingTTL is how long an order may stay pending before it fails.
	PendingTTL time.Duration `yaml:"pending_ttl"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "memory",
			MaxOpenConns:    20,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Rewards: RewardsConfig{Percent: 10},
		Sweeper: SweeperConfig{
			Schedule:   "@every 1m",
			PendingTTL: 30 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
		},
	}
}

// Load reads the config file (CREDITCORE_CONFIG or config/creditcore.yaml),
// falling back to defaults when the file is absent, then applies environment
// overrides.
func Load() (Config, error) {
	path := os.Getenv("CREDITCORE_CONFIG")
	if path == "" {
		path = filepath.Join("config", "creditcore.yaml")
	}
	return LoadFromPath(path)
}

// LoadFromPath reads configuration from an explicit file path.
func LoadFromPath(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) //nolint:gosec
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults + env only
	default:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CREDITCORE_ADDR_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("REWARD_PERCENT"); v != "" {
		if pct, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Rewards.Percent = pct
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	if c.Database.Driver != "memory" && c.Database.Driver != "postgres" {
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("config: postgres driver requires a dsn")
	}
	if c.Rewards.Percent < 0 || c.Rewards.Percent > 100 {
		return fmt.Errorf("config: reward percent %d out of range", c.Rewards.Percent)
	}
	return nil
}

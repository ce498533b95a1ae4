// Package config loads service configuration from an optional YAML file with
// environment-variable overrides, so container deployments can run file-less.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr      string    `yaml:"addr"`
	Database  Database  `yaml:"database"`
	Redis     Redis     `yaml:"redis"`
	Auth      Auth      `yaml:"auth"`
	Webhooks  Webhooks  `yaml:"webhooks"`
	RateLimit RateLimit `yaml:"rate_limit"`
}

type Database struct {
	URL     string `yaml:"url"`
	Migrate bool   `yaml:"migrate"`
}

type Redis struct {
	URL string `yaml:"url"`
}

type Auth struct {
	Mode        string `yaml:"mode"` // dev, hmac, jwks
	HMACSecret  string `yaml:"hmac_secret"`
	JWKSURL     string `yaml:"jwks_url"`
	TenantClaim string `yaml:"tenant_claim"`
	RoleClaim   string `yaml:"role_claim"`
	UserClaim   string `yaml:"user_claim"`
}

type Webhooks struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Default returns the built-in configuration before file or env overrides.
func Default() *Config {
	return &Config{
		Addr:      ":8080",
		Database:  Database{Migrate: true},
		Auth:      Auth{Mode: "dev", TenantClaim: "tenant", RoleClaim: "role", UserClaim: "sub"},
		Webhooks:  Webhooks{PollInterval: time.Second},
		RateLimit: RateLimit{RPS: 10, Burst: 30},
	}
}

// Load reads path (when non-empty) over the defaults, then applies env
// overrides. A missing explicit path is an error; an empty path is not.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if cfg.Webhooks.PollInterval <= 0 {
		cfg.Webhooks.PollInterval = time.Second
	}
	return cfg, nil
}

// applyEnv keeps the env knobs the service has always honored.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Addr = ":" + v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("DB_MIGRATE"); v != "" {
		c.Database.Migrate = v != "false"
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("AUTH_MODE"); v != "" {
		c.Auth.Mode = v
	}
	if v := os.Getenv("AUTH_HMAC_SECRET"); v != "" {
		c.Auth.HMACSecret = v
	}
	if v := os.Getenv("AUTH_JWKS_URL"); v != "" {
		c.Auth.JWKSURL = v
	}
	if v := os.Getenv("RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.RateLimit.RPS = f
		}
	}
	if v := os.Getenv("RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.RateLimit.Burst = n
		}
	}
	if v := os.Getenv("WEBHOOK_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Webhooks.PollInterval = d
		}
	}
}

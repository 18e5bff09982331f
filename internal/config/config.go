// Package config loads service configuration from the environment, with an
// optional YAML file overlay for local development.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the credit service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" env:"SERVER_HOST,default=0.0.0.0"`
	Port            int           `yaml:"port" env:"SERVER_PORT,default=8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT,default=15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT,default=30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT,default=10s"`
	CORSOrigins     string        `yaml:"cors_origins" env:"SERVER_CORS_ORIGINS,default=*"`
	AuditLogPath    string        `yaml:"audit_log_path" env:"SERVER_AUDIT_LOG_PATH"`
}

type DatabaseConfig struct {
	Driver          string `yaml:"driver" env:"DATABASE_DRIVER,default=postgres"`
	DSN             string `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS,default=10"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME,default=300"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REDIS_DB,default=0"`
	TTL      time.Duration `yaml:"ttl" env:"REDIS_BALANCE_TTL,default=30s"`
}

type AuthConfig struct {
	// APITokens is a comma-separated list of bearer tokens accepted by the API.
	APITokens string `yaml:"api_tokens" env:"AUTH_API_TOKENS"`
	// AdminTokens grants access to the audit and plan-management endpoints.
	AdminTokens string `yaml:"admin_tokens" env:"AUTH_ADMIN_TOKENS"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second" env:"RATE_LIMIT_RPS,default=50"`
	Burst             int `yaml:"burst" env:"RATE_LIMIT_BURST,default=100"`
}

type SweeperConfig struct {
	// Schedules use robfig/cron syntax, including the @every form.
	ExpirySchedule    string        `yaml:"expiry_schedule" env:"SWEEPER_EXPIRY_SCHEDULE,default=@every 1m"`
	QuoteSchedule     string        `yaml:"quote_schedule" env:"SWEEPER_QUOTE_SCHEDULE,default=@every 5m"`
	PurgeSchedule     string        `yaml:"purge_schedule" env:"SWEEPER_PURGE_SCHEDULE,default=@every 1h"`
	IdempotencyMaxAge time.Duration `yaml:"idempotency_max_age" env:"SWEEPER_IDEMPOTENCY_MAX_AGE,default=72h"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL,default=info"`
	Format string `yaml:"format" env:"LOG_FORMAT,default=json"`
}

// Load reads .env when present, then the environment, then applies an
// optional YAML overlay named by CONFIG_FILE.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		// envdecode fails when no required fields exist; all our fields carry
		// defaults or are optional, so only structural errors surface here.
		if err != envdecode.ErrNoTargetFieldsAreSet {
			return nil, fmt.Errorf("decode environment: %w", err)
		}
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate limit requests_per_second must be positive")
	}
	return nil
}

// APITokenList splits the configured API tokens.
func (c *Config) APITokenList() []string {
	return splitTokens(c.Auth.APITokens)
}

// AdminTokenList splits the configured admin tokens.
func (c *Config) AdminTokenList() []string {
	return splitTokens(c.Auth.AdminTokens)
}

// CORSOriginList splits the configured CORS origins.
func (c *Config) CORSOriginList() []string {
	return splitTokens(c.Server.CORSOrigins)
}

func splitTokens(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

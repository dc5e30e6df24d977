/*
Package config loads runtime configuration from the environment.

PURPOSE:
  One Config struct for the server binary. An optional .env file in the
  working directory is loaded first; real environment variables win.

VARIABLES:
  APP_ADDR, APP_READ_TIMEOUT, APP_WRITE_TIMEOUT, APP_SHUTDOWN_TIMEOUT
  LOG_FORMAT (json|text), LOG_LEVEL
  DB_DRIVER (sqlite|postgres), SQLITE_PATH, PG_DSN
  LOCK_BACKEND (memory|redis), REDIS_ADDR, LOCK_TTL
  RATE_LIMIT_PER_MINUTE, CORS_ORIGINS, CURRENCY

SEE ALSO:
  - cmd/server/main.go: The only caller
*/
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	LockMemory = "memory"
	LockRedis  = "redis"
)

// Config holds runtime configuration for the server.
type Config struct {
	Addr            string        `envconfig:"APP_ADDR" default:":8080"`
	ReadTimeout     time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `envconfig:"APP_SHUTDOWN_TIMEOUT" default:"30s"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	DBDriver   string `envconfig:"DB_DRIVER" default:"sqlite"`
	SQLitePath string `envconfig:"SQLITE_PATH" default:"debt.db"`
	PGDSN      string `envconfig:"PG_DSN"`

	LockBackend string        `envconfig:"LOCK_BACKEND" default:"memory"`
	RedisAddr   string        `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	LockTTL     time.Duration `envconfig:"LOCK_TTL" default:"30s"`

	RateLimitPerMinute int      `envconfig:"RATE_LIMIT_PER_MINUTE" default:"300"`
	CORSOrigins        []string `envconfig:"CORS_ORIGINS" default:"*"`
	Currency           string   `envconfig:"CURRENCY" default:"GHS"`
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	c.DBDriver = strings.ToLower(strings.TrimSpace(c.DBDriver))
	c.LockBackend = strings.ToLower(strings.TrimSpace(c.LockBackend))
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))

	switch c.DBDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("config: SQLITE_PATH must be set for the sqlite driver")
		}
	case DriverPostgres:
		if c.PGDSN == "" {
			return errors.New("config: PG_DSN must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown DB_DRIVER %q", c.DBDriver)
	}

	switch c.LockBackend {
	case LockMemory:
	case LockRedis:
		if c.RedisAddr == "" {
			return errors.New("config: REDIS_ADDR must be set for the redis lock backend")
		}
	default:
		return fmt.Errorf("config: unknown LOCK_BACKEND %q", c.LockBackend)
	}

	if c.Currency == "" {
		return errors.New("config: CURRENCY must not be empty")
	}
	if c.RateLimitPerMinute < 0 {
		return errors.New("config: RATE_LIMIT_PER_MINUTE must not be negative")
	}
	return nil
}

// NewLogger builds the process logger from LOG_FORMAT and LOG_LEVEL.
func (c *Config) NewLogger(out io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)

	switch strings.ToLower(c.LogFormat) {
	case "json", "":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "pretty":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("config: unknown LOG_FORMAT %q", c.LogFormat)
	}

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger.SetLevel(level)
	return logger, nil
}

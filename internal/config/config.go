// Package config loads the process configuration from a YAML file.
// ${VAR} references are expanded from the environment first, and a .env
// file in the working directory is loaded into the environment when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	ModeInline = "inline"
	ModePool   = "pool"
	ModeRedis  = "redis"
)

type AppConfig struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Storage  StorageConfig  `yaml:"storage"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Auth     AuthConfig     `yaml:"auth"`
	Exchange ExchangeConfig `yaml:"exchange"`
}

type HTTPConfig struct {
	Addr           string        `yaml:"addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	OrderRate      float64       `yaml:"order_rate"`
	OrderBurst     int           `yaml:"order_burst"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"database_url"`
	// Isolation is the transaction isolation level for PostgreSQL.
	Isolation      string        `yaml:"isolation"`
	MaxConns       int32         `yaml:"max_conns"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Migrations     string        `yaml:"migrations"`
	AutoMigrate    bool          `yaml:"auto_migrate"`
}

type DispatchConfig struct {
	Mode        string `yaml:"mode"`
	Workers     int    `yaml:"workers"`
	Buffer      int    `yaml:"buffer"`
	MaxAttempts int    `yaml:"max_attempts"`
	RedisURL    string `yaml:"redis_url"`
	Queue       string `yaml:"queue"`
	// EmbeddedWorkers makes the server drain the redis queue itself.
	EmbeddedWorkers bool `yaml:"embedded_workers"`
}

type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	BcryptCost int           `yaml:"bcrypt_cost"`
}

type ExchangeConfig struct {
	QuoteTicker          string        `yaml:"quote_ticker"`
	MaxRetries           uint64        `yaml:"max_retries"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
}

// Load reads filePath, falling back to $CONFIG_FILE. With neither set the
// defaults are returned.
func Load(filePath string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if len(filePath) == 0 {
		filePath = os.Getenv("CONFIG_FILE")
	}

	cfg := &AppConfig{}
	if filePath != "" {
		configBytes, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", filePath, err)
		}
		cfg, err = Parse(configBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", filePath, err)
		}
	} else {
		cfg.setDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse expands environment references in data and decodes it, filling
// unset fields with defaults.
func Parse(data []byte) (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	return cfg, nil
}

func (c *AppConfig) setDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.RequestTimeout == 0 {
		c.HTTP.RequestTimeout = 30 * time.Second
	}
	if c.HTTP.OrderRate > 0 && c.HTTP.OrderBurst == 0 {
		c.HTTP.OrderBurst = int(c.HTTP.OrderRate) + 1
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverPostgres
	}
	if c.Storage.Migrations == "" {
		c.Storage.Migrations = "file://migrations"
	}
	if c.Storage.ConnectTimeout == 0 {
		c.Storage.ConnectTimeout = 30 * time.Second
	}
	if c.Dispatch.Mode == "" {
		c.Dispatch.Mode = ModeInline
	}
	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = 4
	}
	if c.Dispatch.Buffer == 0 {
		c.Dispatch.Buffer = 1024
	}
	if c.Dispatch.MaxAttempts == 0 {
		c.Dispatch.MaxAttempts = 5
	}
	if c.Dispatch.Queue == "" {
		c.Dispatch.Queue = "exchange:match"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.Exchange.QuoteTicker == "" {
		c.Exchange.QuoteTicker = "RUB"
	}
	c.Exchange.QuoteTicker = strings.ToUpper(c.Exchange.QuoteTicker)
	if c.Exchange.MaxRetries == 0 {
		c.Exchange.MaxRetries = 5
	}
	if c.Exchange.RetryInitialInterval == 0 {
		c.Exchange.RetryInitialInterval = 10 * time.Millisecond
	}
}

// Validate rejects unknown drivers and modes and missing connection
// settings or secrets.
func (c *AppConfig) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("storage.database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}

	switch c.Dispatch.Mode {
	case ModeInline, ModePool:
	case ModeRedis:
		if c.Dispatch.RedisURL == "" {
			return errors.New("dispatch.redis_url is required for the redis mode")
		}
	default:
		return fmt.Errorf("unknown dispatch.mode %q", c.Dispatch.Mode)
	}
	if c.Dispatch.Workers < 0 || c.Dispatch.MaxAttempts < 0 {
		return errors.New("dispatch.workers and dispatch.max_attempts must not be negative")
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	return nil
}

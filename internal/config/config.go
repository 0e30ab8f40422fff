package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/podushkina/taskrelay/internal/tracing"
)

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type Config struct {
	ServerPort string `yaml:"server_port"`
	Backend    string `yaml:"backend"`
	DBPath     string `yaml:"db_path"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	WorkerCount  int           `yaml:"worker_count"`
	MaxRetries   int           `yaml:"max_retries"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	PollInterval time.Duration `yaml:"poll_interval"`

	DeliveryURL     string        `yaml:"delivery_url"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`

	Tracing tracing.TracerConfig `yaml:"tracing"`
}

func Default() *Config {
	return &Config{
		ServerPort:      "8080",
		Backend:         BackendSQLite,
		DBPath:          "tasks.db",
		RedisAddr:       "localhost:6379",
		WorkerCount:     3,
		MaxRetries:      3,
		BaseDelay:       500 * time.Millisecond,
		PollInterval:    500 * time.Millisecond,
		DeliveryTimeout: 10 * time.Second,
		LogLevel:        "info",
		LogFormat:       "console",
		Tracing: tracing.TracerConfig{
			Endpoint:    "localhost:4318",
			Environment: "development",
		},
	}
}

// Load builds the config from defaults, then the YAML file at path (if any),
// then a .env file in the working directory (if any), then the environment.
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

	// godotenv never overrides variables already set in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg.ServerPort = getEnv("SERVER_PORT", cfg.ServerPort)
	cfg.Backend = getEnv("BACKEND", cfg.Backend)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.WorkerCount = getEnvInt("WORKER_COUNT", cfg.WorkerCount)
	cfg.MaxRetries = getEnvInt("MAX_RETRIES", cfg.MaxRetries)
	cfg.BaseDelay = getEnvDuration("BASE_DELAY", cfg.BaseDelay)
	cfg.PollInterval = getEnvDuration("POLL_INTERVAL", cfg.PollInterval)
	cfg.DeliveryURL = getEnv("DELIVERY_URL", cfg.DeliveryURL)
	cfg.DeliveryTimeout = getEnvDuration("DELIVERY_TIMEOUT", cfg.DeliveryTimeout)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)
	cfg.Tracing.Enabled = getEnvBool("TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.Endpoint = getEnv("TRACING_ENDPOINT", cfg.Tracing.Endpoint)
	cfg.Tracing.Environment = getEnv("ENVIRONMENT", cfg.Tracing.Environment)

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("db_path is required for the sqlite backend"))
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.WorkerCount < 1 {
		errs = append(errs, fmt.Errorf("worker_count must be at least 1, got %d", c.WorkerCount))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries))
	}
	if c.BaseDelay < 0 {
		errs = append(errs, fmt.Errorf("base_delay must not be negative, got %s", c.BaseDelay))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing endpoint is required when tracing is enabled"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

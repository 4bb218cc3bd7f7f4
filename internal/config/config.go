// Package config assembles the server configuration from defaults, an
// optional YAML file, an optional .env file and environment variables, in
// that order of precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config holds every tunable of the pigeon server.
type Config struct {
	ListenAddr     string        `yaml:"listen_addr"`
	WorkerPoolSize int           `yaml:"worker_pool_size"`
	MaxConnections int           `yaml:"max_connections"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AuthTimeout    time.Duration `yaml:"auth_timeout"`

	Store       string `yaml:"store"` // memory | postgres
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"` // empty = no presence mirror, no rate limits
	NATSURL     string `yaml:"nats_url"`   // empty = in-process fan-out only

	JWTSecret  string        `yaml:"jwt_secret"`
	SessionTTL time.Duration `yaml:"session_ttl"`

	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json | console
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		WorkerPoolSize:  256,
		MaxConnections:  100000,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		AuthTimeout:     10 * time.Second,
		Store:           StorePostgres,
		SessionTTL:      7 * 24 * time.Hour,
		CleanupInterval: time.Minute,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// Load reads .env (if present), CONFIG_FILE (if set) and the process
// environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	return LoadFrom(os.Getenv)
}

// LoadFrom is Load with an explicit environment lookup.
func LoadFrom(getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()

	if path := getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	strs := map[string]*string{
		"LISTEN_ADDR":  &cfg.ListenAddr,
		"STORE":        &cfg.Store,
		"DATABASE_URL": &cfg.DatabaseURL,
		"REDIS_ADDR":   &cfg.RedisAddr,
		"NATS_URL":     &cfg.NATSURL,
		"JWT_SECRET":   &cfg.JWTSecret,
		"LOG_LEVEL":    &cfg.LogLevel,
		"LOG_FORMAT":   &cfg.LogFormat,
	}
	for key, dst := range strs {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"WORKER_POOL_SIZE": &cfg.WorkerPoolSize,
		"MAX_CONNECTIONS":  &cfg.MaxConnections,
	}
	for key, dst := range ints {
		v := getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("config: %s must be a positive integer, got %q", key, v)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"READ_TIMEOUT":     &cfg.ReadTimeout,
		"WRITE_TIMEOUT":    &cfg.WriteTimeout,
		"AUTH_TIMEOUT":     &cfg.AuthTimeout,
		"SESSION_TTL":      &cfg.SessionTTL,
		"CLEANUP_INTERVAL": &cfg.CleanupInterval,
	}
	for key, dst := range durations {
		v := getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = d
	}
	return nil
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required when STORE=postgres")
		}
	default:
		return fmt.Errorf("config: unknown store %q", c.Store)
	}
	if len(c.JWTSecret) < 16 {
		return errors.New("config: JWT_SECRET must be at least 16 bytes")
	}
	if c.SessionTTL <= 0 {
		return errors.New("config: SESSION_TTL must be positive")
	}
	return nil
}

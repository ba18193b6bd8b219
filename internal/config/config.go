// Package config loads the sync engine's configuration from an optional
// YAML file plus environment variables, mirroring the teacher's
// load-file-then-env layering.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP RPC surface.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls the authoritative Postgres store.
type DatabaseConfig struct {
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifeSecs int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// RedisConfig controls the cache layer.
type RedisConfig struct {
	Addr     string `json:"addr" env:"REDIS_ADDR"`
	Password string `json:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" env:"REDIS_DB"`
}

// LoggingConfig controls log verbosity and format.
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL"`
	Format string `json:"format" env:"LOG_FORMAT"`
	Output string `json:"output" env:"LOG_OUTPUT"`
}

// AuthConfig controls bearer-token verification.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" env:"AUTH_JWT_SECRET"`
	Audience  string `json:"audience" env:"AUTH_AUDIENCE"`
}

// SyncConfig controls the event-sourced sync engine's tunables from spec §6.
type SyncConfig struct {
	UndoWindowSeconds int `json:"undo_window_seconds" env:"UNDO_WINDOW_SECONDS"`
	MaxSnapshots      int `json:"max_snapshots" env:"MAX_SNAPSHOTS"`
	SyncBatchLimit    int `json:"sync_batch_limit" env:"SYNC_BATCH_LIMIT"`
	BroadcastBuffer   int `json:"broadcast_buffer" env:"BROADCAST_BUFFER"`
}

// RateLimitConfig controls the per-IP request limiter on the RPC surface.
type RateLimitConfig struct {
	Requests int `json:"requests" env:"RATE_LIMIT_REQUESTS"`
	WindowS  int `json:"window_seconds" env:"RATE_LIMIT_WINDOW"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Redis     RedisConfig     `json:"redis"`
	Logging   LoggingConfig   `json:"logging"`
	Auth      AuthConfig      `json:"auth"`
	Sync      SyncConfig      `json:"sync"`
	RateLimit RateLimitConfig `json:"rate_limit"`
}

// New returns a Config populated with the defaults named throughout spec §6.
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifeSecs: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		Sync: SyncConfig{
			UndoWindowSeconds: 5,
			MaxSnapshots:      5,
			SyncBatchLimit:    1000,
			BroadcastBuffer:   100,
		},
		RateLimit: RateLimitConfig{Requests: 0, WindowS: 60},
	}
}

// Load loads configuration from an optional file then environment
// variables, environment taking precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("decode environment config: %w", err)
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. SAGA_BACKEND_BASE_URL.
const EnvPrefix = "SAGA_"

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level" env:"LEVEL"`       // trace|debug|info|warn|error
	Format   string `yaml:"format" env:"FORMAT"`     // json|console
	Sampling bool   `yaml:"sampling" env:"SAMPLING"` // enable sampling in prod
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	Issuer    string `yaml:"issuer" env:"ISSUER"`
}

type BackendConfig struct {
	BaseURL     string        `yaml:"base_url" env:"BASE_URL"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
	AccessToken string        `yaml:"access_token" env:"ACCESS_TOKEN"`
	// Noop serves balance and entitlements from memory instead of calling BaseURL.
	Noop bool `yaml:"noop" env:"NOOP"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver" env:"DRIVER"` // sqlite|postgres|redis
	SQLitePath  string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	PostgresURL string `yaml:"postgres_url" env:"POSTGRES_URL"`
}

type RedisConfig struct {
	URL      string        `yaml:"url" env:"URL"`
	Password string        `yaml:"password" env:"PASSWORD"`
	DB       int           `yaml:"db" env:"DB"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
	// Debounce shares the resume debounce window across replicas.
	Debounce bool `yaml:"debounce" env:"DEBOUNCE"`
}

type SagaConfig struct {
	ExpiryWindow      time.Duration `yaml:"expiry_window" env:"EXPIRY_WINDOW"`
	ReconcileAttempts int           `yaml:"reconcile_attempts" env:"RECONCILE_ATTEMPTS"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval" env:"RECONCILE_INTERVAL"`
	PrecheckAttempts  int           `yaml:"precheck_attempts" env:"PRECHECK_ATTEMPTS"`
	PrecheckBackoff   time.Duration `yaml:"precheck_backoff" env:"PRECHECK_BACKOFF"`
	DebounceWindow    time.Duration `yaml:"debounce_window" env:"DEBOUNCE_WINDOW"`
	ReturnURL         string        `yaml:"return_url" env:"RETURN_URL"`
	SweepInterval     time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	Retention         time.Duration `yaml:"retention" env:"RETENTION"`
	StartupWorkers    int           `yaml:"startup_workers" env:"STARTUP_WORKERS"`
}

type TelegramConfig struct {
	Token string `yaml:"token" env:"TOKEN"`
	// ChatIDs links marketplace user ids to Telegram chats.
	ChatIDs map[string]int64 `yaml:"chat_ids" env:"CHAT_IDS"`
}

type NotifyConfig struct {
	Locale   string         `yaml:"locale" env:"LOCALE"`
	Inbox    int            `yaml:"inbox_size" env:"INBOX_SIZE"`
	Telegram TelegramConfig `yaml:"telegram" envPrefix:"TELEGRAM_"`
}

type Config struct {
	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`
	HTTP    HTTPConfig    `yaml:"http" envPrefix:"HTTP_"`
	Auth    AuthConfig    `yaml:"auth" envPrefix:"AUTH_"`
	Backend BackendConfig `yaml:"backend" envPrefix:"BACKEND_"`
	Store   StoreConfig   `yaml:"store" envPrefix:"STORE_"`
	Redis   RedisConfig   `yaml:"redis" envPrefix:"REDIS_"`
	Saga    SagaConfig    `yaml:"saga" envPrefix:"SAGA_"`
	Notify  NotifyConfig  `yaml:"notify" envPrefix:"NOTIFY_"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the YAML file at path (a missing file is fine when the
// environment carries the settings), overlays SAGA_* variables, applies
// defaults and validates.
func LoadConfig(path string, dev bool) (*Config, error) {
	var b []byte
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			b = raw
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, err
	}
	cfg.Runtime.Dev = dev
	return cfg, nil
}

// Parse builds a Config from YAML bytes plus the process environment.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if len(b) > 0 {
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	cfg.HTTP.ReadTimeout = orDuration(cfg.HTTP.ReadTimeout, 10*time.Second)
	cfg.HTTP.WriteTimeout = orDuration(cfg.HTTP.WriteTimeout, 60*time.Second)
	cfg.HTTP.ShutdownTimeout = orDuration(cfg.HTTP.ShutdownTimeout, 15*time.Second)

	cfg.Backend.Timeout = orDuration(cfg.Backend.Timeout, 15*time.Second)

	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = "purchase_intents.db"
	}
	cfg.Redis.TTL = normalizeTTL(cfg.Redis.TTL)

	cfg.Saga.ExpiryWindow = orDuration(cfg.Saga.ExpiryWindow, 30*time.Minute)
	cfg.Saga.ReconcileInterval = orDuration(cfg.Saga.ReconcileInterval, time.Second)
	cfg.Saga.PrecheckBackoff = orDuration(cfg.Saga.PrecheckBackoff, 500*time.Millisecond)
	cfg.Saga.DebounceWindow = orDuration(cfg.Saga.DebounceWindow, 2*time.Second)
	cfg.Saga.SweepInterval = orDuration(cfg.Saga.SweepInterval, time.Minute)
	cfg.Saga.Retention = orDuration(cfg.Saga.Retention, 24*time.Hour)
	if cfg.Saga.ReconcileAttempts <= 0 {
		cfg.Saga.ReconcileAttempts = 5
	}
	if cfg.Saga.PrecheckAttempts <= 0 {
		cfg.Saga.PrecheckAttempts = 3
	}
	if cfg.Saga.StartupWorkers <= 0 {
		cfg.Saga.StartupWorkers = 4
	}
	if cfg.Saga.ReturnURL == "" {
		host := cfg.HTTP.Addr
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		cfg.Saga.ReturnURL = "http://" + host + "/api/v1/payment/return"
	}

	if cfg.Notify.Locale == "" {
		cfg.Notify.Locale = "en"
	}
	if cfg.Notify.Inbox <= 0 {
		cfg.Notify.Inbox = 32
	}
}

func validate(cfg *Config) error {
	if cfg.Backend.BaseURL == "" && !cfg.Backend.Noop {
		return errors.New("backend.base_url is required (or backend.noop)")
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	switch cfg.Store.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Store.PostgresURL == "" {
			return errors.New("store.postgres_url is required for the postgres driver")
		}
	case "redis":
		if cfg.Redis.URL == "" {
			return errors.New("redis.url is required for the redis driver")
		}
	default:
		return fmt.Errorf("store.driver %q is not one of sqlite|postgres|redis", cfg.Store.Driver)
	}
	if cfg.Redis.Debounce && cfg.Redis.URL == "" {
		return errors.New("redis.url is required when redis.debounce is enabled")
	}
	return nil
}

func orDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func normalizeTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}

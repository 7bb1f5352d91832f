// Package config loads server configuration from flags, the environment and
// an optional config file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"

	BusRedis = "redis"
	BusNATS  = "nats"
	BusLocal = "local"

	ModeFallback = "fallback"
	ModeStrict   = "strict"
)

type Config struct {
	Addr     string `mapstructure:"ADDR"`
	RedisURL string `mapstructure:"REDIS_URL"`

	// SessionStore is memory or redis. Every other shared structure lives
	// in Redis regardless.
	SessionStore string `mapstructure:"SESSION_STORE"`
	SessionMode  string `mapstructure:"SESSION_MODE"`

	SessionTTL      time.Duration `mapstructure:"SESSION_TTL"`
	MessageTTL      time.Duration `mapstructure:"MESSAGE_TTL"`
	PresenceTTL     time.Duration `mapstructure:"PRESENCE_TTL"`
	GracePeriod     time.Duration `mapstructure:"GRACE_PERIOD"`
	DeliveryTimeout time.Duration `mapstructure:"DELIVERY_TIMEOUT"`

	EncryptionEnabled bool `mapstructure:"ENCRYPTION_ENABLED"`

	Bus     string `mapstructure:"BUS"`
	NATSURL string `mapstructure:"NATS_URL"`

	// TenantDBDriver is sqlite3 or postgres. An empty DSN disables the
	// tenant registry and any tenant key is accepted.
	TenantDBDriver string `mapstructure:"TENANT_DB_DRIVER"`
	TenantDBDSN    string `mapstructure:"TENANT_DB_DSN"`
	// TenantSeed is a comma-separated list of key=name pairs.
	TenantSeed string `mapstructure:"TENANT_SEED"`

	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `mapstructure:"OTEL_SERVICE_NAME"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("ADDR", ":8080")
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("SESSION_STORE", StoreRedis)
	v.SetDefault("SESSION_MODE", ModeFallback)
	v.SetDefault("SESSION_TTL", "24h")
	v.SetDefault("MESSAGE_TTL", "720h")
	v.SetDefault("PRESENCE_TTL", "5m")
	v.SetDefault("GRACE_PERIOD", "30s")
	v.SetDefault("DELIVERY_TIMEOUT", "2s")
	v.SetDefault("ENCRYPTION_ENABLED", true)
	v.SetDefault("BUS", BusRedis)
	v.SetDefault("NATS_URL", "nats://localhost:4222")
	v.SetDefault("TENANT_DB_DRIVER", "sqlite3")
	v.SetDefault("TENANT_DB_DSN", "")
	v.SetDefault("TENANT_SEED", "")
	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_SERVICE_NAME", "realtime-server")
}

// Load parses args (without the program name), then layers flags over the
// environment over the config file over defaults. Without --config a .env
// file in the working directory is read if present.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("realtime-server", pflag.ContinueOnError)
	fs.String("addr", ":8080", "http service address")
	configFile := fs.String("config", "", "path to a config file (env, yaml, json or toml)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	defaults(v)
	if err := v.BindPFlag("ADDR", fs.Lookup("addr")); err != nil {
		return nil, err
	}

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", *configFile, err)
		}
	} else {
		v.SetConfigFile(".env")
		v.SetConfigType("env")
		_ = v.ReadInConfig()
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("config: ADDR must be set")
	}
	if c.RedisURL == "" {
		return errors.New("config: REDIS_URL must be set")
	}
	switch c.SessionStore {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("config: SESSION_STORE must be %s or %s, got %q", StoreMemory, StoreRedis, c.SessionStore)
	}
	switch c.SessionMode {
	case ModeFallback, ModeStrict:
	default:
		return fmt.Errorf("config: SESSION_MODE must be %s or %s, got %q", ModeFallback, ModeStrict, c.SessionMode)
	}
	switch c.Bus {
	case BusRedis, BusLocal:
	case BusNATS:
		if c.NATSURL == "" {
			return errors.New("config: NATS_URL must be set when BUS=nats")
		}
	default:
		return fmt.Errorf("config: BUS must be redis, nats or local, got %q", c.Bus)
	}
	if c.TenantDBDSN != "" && c.TenantDBDriver != "sqlite3" && c.TenantDBDriver != "postgres" {
		return fmt.Errorf("config: TENANT_DB_DRIVER must be sqlite3 or postgres, got %q", c.TenantDBDriver)
	}
	for name, d := range map[string]time.Duration{
		"SESSION_TTL":      c.SessionTTL,
		"MESSAGE_TTL":      c.MessageTTL,
		"PRESENCE_TTL":     c.PresenceTTL,
		"GRACE_PERIOD":     c.GracePeriod,
		"DELIVERY_TIMEOUT": c.DeliveryTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}
	return nil
}

// Origins returns the allowed websocket origins. An empty list allows any
// origin.
func (c *Config) Origins() []string {
	if c.AllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

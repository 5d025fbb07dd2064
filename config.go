package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Transport   TransportConfig   `mapstructure:"transport"`
	History     HistoryConfig     `mapstructure:"history"`
	Presence    PresenceConfig    `mapstructure:"presence"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Uploads     UploadsConfig     `mapstructure:"uploads"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Address        string `mapstructure:"address"`
	AllowedOrigins string `mapstructure:"allowed_origins"`
	Banner         string `mapstructure:"banner"`
	InboundBuffer  int    `mapstructure:"inbound_buffer"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	HashCost  int           `mapstructure:"hash_cost"`
}

type TransportConfig struct {
	SendBuffer    int           `mapstructure:"send_buffer"`
	MaxFrameBytes int64         `mapstructure:"max_frame_bytes"`
	FrameRate     float64       `mapstructure:"frame_rate"`
	FrameBurst    int           `mapstructure:"frame_burst"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"` // 0 disables the reaper
}

type HistoryConfig struct {
	Capacity int `mapstructure:"capacity"`
}

type PresenceConfig struct {
	Scope string `mapstructure:"scope"` // "global" or "scoped"
}

type PersistenceConfig struct {
	Driver        string        `mapstructure:"driver"` // "memory", "sqlite" or "pebble"
	Path          string        `mapstructure:"path"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type UploadsConfig struct {
	Dir     string `mapstructure:"dir"`
	BaseURL string `mapstructure:"base_url"`
	MaxSize int64  `mapstructure:"max_size"`
}

type WebhookConfig struct {
	URL     string `mapstructure:"url"`
	Channel string `mapstructure:"channel"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

const (
	minHistoryCapacity = 100
	maxHistoryCapacity = 500
)

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":3001")
	v.SetDefault("server.allowed_origins", "*")
	v.SetDefault("server.banner", "Ruscord Server")
	v.SetDefault("server.inbound_buffer", 1024)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "72h")
	v.SetDefault("auth.hash_cost", bcrypt.DefaultCost)

	v.SetDefault("transport.send_buffer", 256)
	v.SetDefault("transport.max_frame_bytes", 8<<20)
	v.SetDefault("transport.frame_rate", 20.0)
	v.SetDefault("transport.frame_burst", 40)
	v.SetDefault("transport.idle_timeout", "0s")

	v.SetDefault("history.capacity", minHistoryCapacity)
	v.SetDefault("presence.scope", "global")

	v.SetDefault("persistence.driver", "sqlite")
	v.SetDefault("persistence.path", "./data/ruscord.db")
	v.SetDefault("persistence.flush_interval", "30s")

	v.SetDefault("uploads.dir", "./uploads/profile-pictures")
	v.SetDefault("uploads.base_url", "http://localhost:3001/uploads/profile-pictures")
	v.SetDefault("uploads.max_size", 3*1024*1024)

	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.channel", "general")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// loadConfig reads .env, then an optional config file, then RUSCORD_* env vars.
func loadConfig(fileName string) (*Config, error) {
	_ = godotenv.Load(".env")

	v := viper.New()
	setConfigDefaults(v)

	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("RUSCORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.History.Capacity < minHistoryCapacity || c.History.Capacity > maxHistoryCapacity {
		return fmt.Errorf("history.capacity must be between %d and %d, got %d",
			minHistoryCapacity, maxHistoryCapacity, c.History.Capacity)
	}
	switch c.Presence.Scope {
	case presenceScopeGlobal, presenceScopeScoped:
	default:
		return fmt.Errorf("presence.scope must be %q or %q, got %q",
			presenceScopeGlobal, presenceScopeScoped, c.Presence.Scope)
	}
	switch c.Persistence.Driver {
	case "memory", "sqlite", "pebble":
	default:
		return fmt.Errorf("unknown persistence.driver %q", c.Persistence.Driver)
	}
	if c.Persistence.FlushInterval <= 0 {
		return errors.New("persistence.flush_interval must be positive")
	}
	if c.Auth.HashCost < bcrypt.MinCost || c.Auth.HashCost > bcrypt.MaxCost {
		return fmt.Errorf("auth.hash_cost out of range: %d", c.Auth.HashCost)
	}
	if c.Transport.SendBuffer <= 0 || c.Server.InboundBuffer <= 0 {
		return errors.New("transport.send_buffer and server.inbound_buffer must be positive")
	}
	if c.Transport.IdleTimeout < 0 {
		return errors.New("transport.idle_timeout must not be negative")
	}
	return nil
}

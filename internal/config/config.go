package config

import (
	"fmt"
	"time"
)

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type IdentityConfig struct {
	UserID string `mapstructure:"user_id" validate:"required"`
	Token  string `mapstructure:"token" validate:"required"`
}

type TransportConfig struct {
	URL                  string  `mapstructure:"url" validate:"required,url"`
	PingIntervalSeconds  int     `mapstructure:"ping_interval_seconds" validate:"gt=0"`
	WriteDeadlineSeconds int     `mapstructure:"write_deadline_seconds" validate:"gt=0"`
	MaxMessageSizeBytes  int64   `mapstructure:"max_message_size_bytes" validate:"gt=0"`
	ReconnectMaxSeconds  int     `mapstructure:"reconnect_max_seconds" validate:"gt=0"`
	EmitRatePerSec       float64 `mapstructure:"emit_rate_per_sec" validate:"gt=0"`
	EmitBurst            int     `mapstructure:"emit_burst" validate:"gt=0"`
}

type APIConfig struct {
	BaseURL                string `mapstructure:"base_url" validate:"required,url"`
	TimeoutSeconds         int    `mapstructure:"timeout_seconds" validate:"gt=0"`
	RetryMaxElapsedSeconds int    `mapstructure:"retry_max_elapsed_seconds" validate:"gte=0"`
	BreakerMaxFailures     uint32 `mapstructure:"breaker_max_failures" validate:"gt=0"`
	BreakerTimeoutSeconds  int    `mapstructure:"breaker_timeout_seconds" validate:"gt=0"`
}

type SyncConfig struct {
	TypingTimeoutMS       int  `mapstructure:"typing_timeout_ms" validate:"gt=0"`
	TypingIdleMS          int  `mapstructure:"typing_idle_ms" validate:"gt=0"`
	TypingSweepMS         int  `mapstructure:"typing_sweep_ms" validate:"gt=0"`
	ConfirmTimeoutSeconds int  `mapstructure:"confirm_timeout_seconds" validate:"gt=0"`
	HistoryPageSize       int  `mapstructure:"history_page_size" validate:"gt=0,lte=500"`
	AutoMarkRead          bool `mapstructure:"auto_mark_read"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type KafkaConfig struct {
	Brokers          []string `mapstructure:"brokers"`
	TopicMessageSent string   `mapstructure:"topic_message_sent"`
	TopicMessageRead string   `mapstructure:"topic_message_read"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type RelayConfig struct {
	Port            int         `mapstructure:"port" validate:"gt=0,lte=65535"`
	JWTSecret       string      `mapstructure:"jwt_secret" validate:"required"`
	RateLimitPerSec int         `mapstructure:"rate_limit_per_sec" validate:"gt=0"`
	Users           []string    `mapstructure:"users"`
	Presence        string      `mapstructure:"presence" validate:"oneof=memory redis"`
	Publisher       string      `mapstructure:"publisher" validate:"oneof=none kafka nats"`
	Redis           RedisConfig `mapstructure:"redis"`
	Kafka           KafkaConfig `mapstructure:"kafka"`
	NATS            NATSConfig  `mapstructure:"nats"`
}

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Log       LogConfig       `mapstructure:"log"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Transport TransportConfig `mapstructure:"transport"`
	API       APIConfig       `mapstructure:"api"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Relay     RelayConfig     `mapstructure:"relay"`

	// derived
	PingInterval    time.Duration `mapstructure:"-"`
	WriteDeadline   time.Duration `mapstructure:"-"`
	ReconnectMax    time.Duration `mapstructure:"-"`
	RequestTimeout  time.Duration `mapstructure:"-"`
	RetryMaxElapsed time.Duration `mapstructure:"-"`
	BreakerTimeout  time.Duration `mapstructure:"-"`
	TypingTimeout   time.Duration `mapstructure:"-"`
	TypingIdle      time.Duration `mapstructure:"-"`
	TypingSweep     time.Duration `mapstructure:"-"`
	ConfirmTimeout  time.Duration `mapstructure:"-"`
}

func (r RelayConfig) PortString() string { return fmt.Sprintf("%d", r.Port) }

func (c *Config) derive() {
	c.PingInterval = time.Duration(c.Transport.PingIntervalSeconds) * time.Second
	c.WriteDeadline = time.Duration(c.Transport.WriteDeadlineSeconds) * time.Second
	c.ReconnectMax = time.Duration(c.Transport.ReconnectMaxSeconds) * time.Second
	c.RequestTimeout = time.Duration(c.API.TimeoutSeconds) * time.Second
	c.RetryMaxElapsed = time.Duration(c.API.RetryMaxElapsedSeconds) * time.Second
	c.BreakerTimeout = time.Duration(c.API.BreakerTimeoutSeconds) * time.Second
	c.TypingTimeout = time.Duration(c.Sync.TypingTimeoutMS) * time.Millisecond
	c.TypingIdle = time.Duration(c.Sync.TypingIdleMS) * time.Millisecond
	c.TypingSweep = time.Duration(c.Sync.TypingSweepMS) * time.Millisecond
	c.ConfirmTimeout = time.Duration(c.Sync.ConfirmTimeoutSeconds) * time.Second
}

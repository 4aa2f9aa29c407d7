package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "CHATSYNC"

var validate = validator.New()

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "production")
	v.SetDefault("log.level", "info")

	v.SetDefault("identity.user_id", "")
	v.SetDefault("identity.token", "")

	v.SetDefault("transport.url", "ws://localhost:8086/v1/ws")
	v.SetDefault("transport.ping_interval_seconds", 25)
	v.SetDefault("transport.write_deadline_seconds", 10)
	v.SetDefault("transport.max_message_size_bytes", 65536)
	v.SetDefault("transport.reconnect_max_seconds", 30)
	v.SetDefault("transport.emit_rate_per_sec", 20)
	v.SetDefault("transport.emit_burst", 20)

	v.SetDefault("api.base_url", "http://localhost:8086")
	v.SetDefault("api.timeout_seconds", 10)
	v.SetDefault("api.retry_max_elapsed_seconds", 15)
	v.SetDefault("api.breaker_max_failures", 5)
	v.SetDefault("api.breaker_timeout_seconds", 30)

	v.SetDefault("sync.typing_timeout_ms", 3000)
	v.SetDefault("sync.typing_idle_ms", 1500)
	v.SetDefault("sync.typing_sweep_ms", 500)
	v.SetDefault("sync.confirm_timeout_seconds", 10)
	v.SetDefault("sync.history_page_size", 50)
	v.SetDefault("sync.auto_mark_read", true)

	v.SetDefault("relay.port", 8086)
	v.SetDefault("relay.jwt_secret", "")
	v.SetDefault("relay.rate_limit_per_sec", 20)
	v.SetDefault("relay.users", []string{})
	v.SetDefault("relay.presence", "memory")
	v.SetDefault("relay.publisher", "none")
	v.SetDefault("relay.redis.addr", "localhost:6379")
	v.SetDefault("relay.redis.password", "")
	v.SetDefault("relay.redis.db", 0)
	v.SetDefault("relay.redis.prefix", "chatsync")
	v.SetDefault("relay.kafka.brokers", []string{})
	v.SetDefault("relay.kafka.topic_message_sent", "message.sent")
	v.SetDefault("relay.kafka.topic_message_read", "message.read")
	v.SetDefault("relay.nats.url", "nats://localhost:4222")
}

// Load reads an optional config file plus CHATSYNC_* environment overrides
// (a .env file in the working directory is loaded first when present).
// Nested keys map to env names with dots replaced by underscores, e.g.
// CHATSYNC_TRANSPORT_URL.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	c.derive()
	return &c, nil
}

// ValidateClient checks the sections the chatsync client needs.
func (c *Config) ValidateClient() error {
	for _, s := range []any{c.Identity, c.Transport, c.API, c.Sync} {
		if err := validate.Struct(s); err != nil {
			return fmt.Errorf("invalid client config: %w", err)
		}
	}
	return nil
}

// ValidateRelay checks the sections the development relay needs.
func (c *Config) ValidateRelay() error {
	if err := validate.Struct(c.Relay); err != nil {
		return fmt.Errorf("invalid relay config: %w", err)
	}
	if c.Relay.Presence == "redis" && !strings.Contains(c.Relay.Redis.Addr, ":") {
		return fmt.Errorf("invalid relay config: redis.addr %q must be host:port", c.Relay.Redis.Addr)
	}
	switch c.Relay.Publisher {
	case "kafka":
		if len(c.Relay.Kafka.Brokers) == 0 {
			return errors.New("invalid relay config: kafka.brokers missing")
		}
	case "nats":
		if c.Relay.NATS.URL == "" {
			return errors.New("invalid relay config: nats.url missing")
		}
	}
	return nil
}

// Package config loads billsyncd configuration from billsync.yml, a .env
// file and BILLSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

// EnvPrefix prefixes environment overrides, e.g. BILLSYNC_SERVER_ADDR.
const EnvPrefix = "BILLSYNC"

// Config is the service configuration.
type Config struct {
	Server  ServerConfig   `mapstructure:"server"`
	Log     LogConfig      `mapstructure:"log"`
	Storage StorageConfig  `mapstructure:"storage"`
	Stripe  StripeConfig   `mapstructure:"stripe"`
	Engine  EngineConfig   `mapstructure:"engine"`
	AMQP    AMQPConfig     `mapstructure:"amqp"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
	Tenants []TenantConfig `mapstructure:"tenants" validate:"dive"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
	// Router selects the HTTP stack the webhook route is mounted on.
	Router          string        `mapstructure:"router" validate:"oneof=chi http gin echo fiber"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level   string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format  string `mapstructure:"format" validate:"oneof=json console"`
	Backend string `mapstructure:"backend" validate:"oneof=zerolog zap"`
}

type StorageConfig struct {
	Store     string          `mapstructure:"store" validate:"oneof=memory postgres"`
	Locker    string          `mapstructure:"locker" validate:"oneof=memory redis firestore"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Firestore FirestoreConfig `mapstructure:"firestore"`
}

type PostgresConfig struct {
	DSN         string `mapstructure:"dsn" validate:"required_if=Enabled true"`
	MaxConns    int32  `mapstructure:"max_conns" validate:"gte=0"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
	Enabled     bool   `mapstructure:"-"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string `mapstructure:"key_prefix"`
	Enabled   bool   `mapstructure:"-"`
}

type FirestoreConfig struct {
	ProjectID  string `mapstructure:"project_id" validate:"required_if=Enabled true"`
	Collection string `mapstructure:"collection"`
	Enabled    bool   `mapstructure:"-"`
}

type StripeConfig struct {
	APIURL          string        `mapstructure:"api_url" validate:"omitempty,url"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
	RateLimit       int           `mapstructure:"rate_limit" validate:"gte=0"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" validate:"gte=0"`
}

type EngineConfig struct {
	LockPolicy      string        `mapstructure:"lock_policy" validate:"oneof=fail_open fail_closed"`
	IdempotencyTTL  time.Duration `mapstructure:"idempotency_ttl"`
	MutationLockTTL time.Duration `mapstructure:"mutation_lock_ttl"`
	HandoffTTL      time.Duration `mapstructure:"handoff_ttl"`
}

// AMQPConfig enables downstream notifications when URL is set.
type AMQPConfig struct {
	URL      string `mapstructure:"url" validate:"omitempty,url"`
	Exchange string `mapstructure:"exchange"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// TenantConfig is one processor account a webhook route can address.
type TenantConfig struct {
	OrgID                   string `mapstructure:"org_id" validate:"required"`
	Slug                    string `mapstructure:"slug"`
	Env                     string `mapstructure:"env" validate:"oneof=live sandbox test"`
	APIKey                  string `mapstructure:"api_key" validate:"required"`
	WebhookSecret           string `mapstructure:"webhook_secret" validate:"required"`
	ScheduleDefaultOnCancel bool   `mapstructure:"schedule_default_on_cancel"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.router", "chi")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.backend", "zerolog")

	v.SetDefault("storage.store", "memory")
	v.SetDefault("storage.locker", "memory")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.postgres.auto_migrate", true)
	v.SetDefault("storage.redis.addr", "")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", "billsync:")
	v.SetDefault("storage.firestore.project_id", "")
	v.SetDefault("storage.firestore.collection", "billsync_locks")

	v.SetDefault("stripe.api_url", "")
	v.SetDefault("stripe.breaker_failures", 5)
	v.SetDefault("stripe.breaker_timeout", 30*time.Second)
	v.SetDefault("stripe.rate_limit", 100)
	v.SetDefault("stripe.max_body_bytes", 256<<10)

	v.SetDefault("engine.lock_policy", "fail_closed")
	v.SetDefault("engine.idempotency_ttl", 5*time.Minute)
	v.SetDefault("engine.mutation_lock_ttl", 10*time.Second)
	v.SetDefault("engine.handoff_ttl", 24*time.Hour)

	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "billsync.notifications")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "billsync")
}

// Load reads configuration. An empty path searches billsync.yml in the
// working directory and /etc/billsync; a missing file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("billsync")
		v.SetConfigType("yml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/billsync")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the backends the selections require.
func (c *Config) Validate() error {
	c.Storage.Postgres.Enabled = c.Storage.Store == "postgres"
	c.Storage.Redis.Enabled = c.Storage.Locker == "redis"
	c.Storage.Firestore.Enabled = c.Storage.Locker == "firestore"

	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		env, _ := billsync.ParseEnv(t.Env)
		key := t.OrgID + "/" + string(env)
		if seen[key] {
			return fmt.Errorf("invalid config: duplicate tenant %s", key)
		}
		seen[key] = true
	}
	return nil
}

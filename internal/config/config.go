// Package config loads and validates ingestion service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/content-ingest/internal/ingest"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig            `mapstructure:"server"`
	Auth       AuthConfig              `mapstructure:"auth"`
	Logging    LoggingConfig           `mapstructure:"logging"`
	Database   DatabaseConfig          `mapstructure:"database"`
	Redis      RedisConfig             `mapstructure:"redis"`
	Consumer   ConsumerConfig          `mapstructure:"consumer"`
	RateLimit  RateLimitConfig         `mapstructure:"ratelimit"`
	Producer   ProducerConfig          `mapstructure:"producer"`
	Rules      RulesConfig             `mapstructure:"rules"`
	HTTP       HTTPConfig              `mapstructure:"http"`
	Sources    map[string]SourceConfig `mapstructure:"sources"`
	DeadLetter DeadLetterConfig        `mapstructure:"deadletter"`
	PubSub     PubSubConfig            `mapstructure:"pubsub"`
	Tracing    TracingConfig           `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DatabaseConfig controls access to Postgres. An empty DSN selects in-memory stores.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig locates the Redis instance backing the shared rate limiter.
type RedisConfig struct {
	URL       string `mapstructure:"url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// ConsumerConfig governs the worker pool, leases and retries.
type ConsumerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Workers          int           `mapstructure:"workers"`
	BatchSize        int           `mapstructure:"batch_size"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	LeaseTimeout     time.Duration `mapstructure:"lease_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	MaxRetries       int           `mapstructure:"max_retries"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	ThrottleCooldown time.Duration `mapstructure:"throttle_cooldown"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
}

// RateLimitConfig selects the limiter backend and its per-source budgets.
type RateLimitConfig struct {
	Backend        string                       `mapstructure:"backend"`
	AcquireTimeout time.Duration                `mapstructure:"acquire_timeout"`
	DefaultRPS     float64                      `mapstructure:"default_rps"`
	DefaultBurst   int                          `mapstructure:"default_burst"`
	Sources        map[string]SourceLimitConfig `mapstructure:"sources"`
}

// SourceLimitConfig overrides the default budget for one source.
type SourceLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// ProducerConfig controls scheduled discovery of target keys.
type ProducerConfig struct {
	Enabled    bool                      `mapstructure:"enabled"`
	BatchSize  int                       `mapstructure:"batch_size"`
	RunOnStart bool                      `mapstructure:"run_on_start"`
	Schedules  map[string]ScheduleConfig `mapstructure:"schedules"`
}

// ScheduleConfig is the cron entry of one job type.
type ScheduleConfig struct {
	Cron     string `mapstructure:"cron"`
	Priority int    `mapstructure:"priority"`
}

// RulesConfig points at an optional directory of mapping rules overlaying the built-ins.
type RulesConfig struct {
	Dir string `mapstructure:"dir"`
}

// HTTPConfig configures the shared outbound HTTP client.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	MaxIdleConns   int    `mapstructure:"max_idle_conns"`
}

// SourceConfig describes a JSON catalog API for one job type.
type SourceConfig struct {
	ListURL     string            `mapstructure:"list_url"`
	ListPath    string            `mapstructure:"list_path"`
	DetailURL   string            `mapstructure:"detail_url"`
	DetailPath  string            `mapstructure:"detail_path"`
	SuccessPath string            `mapstructure:"success_path"`
	Headers     map[string]string `mapstructure:"headers"`
}

// DeadLetterConfig sets where payloads failing validation are archived.
type DeadLetterConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for content event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TracingConfig controls OpenTelemetry sampling.
type TracingConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("redis.key_prefix", "ingest:ratelimit")
	v.SetDefault("consumer.enabled", true)
	v.SetDefault("consumer.workers", 4)
	v.SetDefault("consumer.batch_size", 10)
	v.SetDefault("consumer.poll_interval", 5*time.Second)
	v.SetDefault("consumer.lease_timeout", 15*time.Minute)
	v.SetDefault("consumer.sweep_interval", time.Minute)
	v.SetDefault("consumer.max_retries", 5)
	v.SetDefault("consumer.backoff_base", 30*time.Second)
	v.SetDefault("consumer.backoff_max", 30*time.Minute)
	v.SetDefault("consumer.throttle_cooldown", 5*time.Minute)
	v.SetDefault("consumer.fetch_timeout", 30*time.Second)
	v.SetDefault("ratelimit.backend", "local")
	v.SetDefault("ratelimit.acquire_timeout", 30*time.Second)
	v.SetDefault("ratelimit.default_rps", 1.0)
	v.SetDefault("ratelimit.default_burst", 1)
	v.SetDefault("ratelimit.sources.steam.rps", 1.0)
	v.SetDefault("ratelimit.sources.steam.burst", 1)
	v.SetDefault("producer.enabled", true)
	v.SetDefault("producer.batch_size", 500)
	v.SetDefault("producer.run_on_start", false)
	v.SetDefault("producer.schedules.steam_game.cron", "@every 24h")
	v.SetDefault("producer.schedules.steam_game.priority", 100)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.user_agent", "content-ingest/0.1")
	v.SetDefault("http.max_idle_conns", 100)
	v.SetDefault("sources.steam_game.list_url", "https://api.steampowered.com/ISteamApps/GetAppList/v2/")
	v.SetDefault("sources.steam_game.list_path", "applist.apps[].appid")
	v.SetDefault("sources.steam_game.detail_url", "https://store.steampowered.com/api/appdetails?appids={id}")
	v.SetDefault("sources.steam_game.detail_path", "{id}.data")
	v.SetDefault("sources.steam_game.success_path", "{id}.success")
	v.SetDefault("deadletter.backend", "memory")
	v.SetDefault("deadletter.base_dir", "deadletter")
	v.SetDefault("deadletter.prefix", "deadletter")
	v.SetDefault("pubsub.topic_name", "content-upserted")
	v.SetDefault("tracing.service_name", "content-ingest")
	v.SetDefault("tracing.sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits.
//
//nolint:gocyclo // Flat list of independent checks.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Consumer.Workers <= 0 {
		return fmt.Errorf("consumer.workers must be > 0")
	}
	if c.Consumer.BatchSize <= 0 {
		return fmt.Errorf("consumer.batch_size must be > 0")
	}
	if c.Consumer.PollInterval <= 0 || c.Consumer.SweepInterval <= 0 {
		return fmt.Errorf("consumer.poll_interval and consumer.sweep_interval must be > 0")
	}
	if c.Consumer.LeaseTimeout <= c.Consumer.FetchTimeout {
		return fmt.Errorf("consumer.lease_timeout must exceed consumer.fetch_timeout")
	}
	if c.Consumer.MaxRetries <= 0 {
		return fmt.Errorf("consumer.max_retries must be > 0")
	}
	if c.Consumer.BackoffBase <= 0 || c.Consumer.BackoffMax < c.Consumer.BackoffBase {
		return fmt.Errorf("consumer.backoff_base must be > 0 and <= consumer.backoff_max")
	}
	switch c.RateLimit.Backend {
	case "local":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url must be set when ratelimit.backend is redis")
		}
	default:
		return fmt.Errorf("ratelimit.backend must be local or redis, got %q", c.RateLimit.Backend)
	}
	if c.RateLimit.AcquireTimeout <= 0 {
		return fmt.Errorf("ratelimit.acquire_timeout must be > 0")
	}
	// A batch is worked serially under one lease, so the lease must cover the
	// worst case of every job waiting on the limiter and then the fetch.
	if budget := time.Duration(c.Consumer.BatchSize) * (c.RateLimit.AcquireTimeout + c.Consumer.FetchTimeout); c.Consumer.LeaseTimeout < budget {
		return fmt.Errorf("consumer.lease_timeout must be at least consumer.batch_size * (ratelimit.acquire_timeout + consumer.fetch_timeout) = %s", budget)
	}
	if c.Producer.BatchSize <= 0 {
		return fmt.Errorf("producer.batch_size must be > 0")
	}
	for name, sched := range c.Producer.Schedules {
		if _, err := ingest.ParseJobType(name); err != nil {
			return fmt.Errorf("producer.schedules.%s: %w", name, err)
		}
		if strings.TrimSpace(sched.Cron) == "" {
			return fmt.Errorf("producer.schedules.%s.cron must be set", name)
		}
	}
	for name, src := range c.Sources {
		if _, err := ingest.ParseJobType(name); err != nil {
			return fmt.Errorf("sources.%s: %w", name, err)
		}
		if src.DetailURL == "" {
			return fmt.Errorf("sources.%s.detail_url must be set", name)
		}
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	switch c.DeadLetter.Backend {
	case "memory", "local":
	case "gcs":
		if c.DeadLetter.Bucket == "" {
			return fmt.Errorf("deadletter.bucket must be set when deadletter.backend is gcs")
		}
	default:
		return fmt.Errorf("deadletter.backend must be memory, local or gcs, got %q", c.DeadLetter.Backend)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}

// HTTPTimeout converts the outbound HTTP timeout into a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// Source returns the catalog configuration for jobType.
func (c Config) Source(jobType ingest.JobType) (SourceConfig, bool) {
	src, ok := c.Sources[strings.ToLower(string(jobType))]
	return src, ok
}

// Schedules returns the configured producer schedules keyed by job type.
func (c Config) Schedules() map[ingest.JobType]ScheduleConfig {
	out := make(map[ingest.JobType]ScheduleConfig, len(c.Producer.Schedules))
	for name, sched := range c.Producer.Schedules {
		jt, err := ingest.ParseJobType(name)
		if err != nil {
			continue
		}
		out[jt] = sched
	}
	return out
}

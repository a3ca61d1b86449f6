// Copyright 2025 James Ross
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Platform is one of the supported scrape targets.
type Platform string

const (
	Instagram Platform = "instagram"
	TikTok    Platform = "tiktok"
	YouTube   Platform = "youtube"
	Twitter   Platform = "twitter"
	LinkedIn  Platform = "linkedin"
)

// AllPlatforms is the fixed set of platforms the gateway dispatches to.
var AllPlatforms = []Platform{Instagram, TikTok, YouTube, Twitter, LinkedIn}

// PlatformConfig holds the per-platform knobs described in spec §6:
// <P>_RATE_WINDOW_MS, <P>_RATE_MAX_REQUESTS, <P>_API_KEY, <P>_TIMEOUT_MS.
type PlatformConfig struct {
	RateWindowMs    int64         `mapstructure:"rate_window_ms"`
	RateMaxRequests int64         `mapstructure:"rate_max_requests"`
	APIKey          string        `mapstructure:"api_key"`
	Timeout         time.Duration `mapstructure:"timeout_ms"`
	ActorID         string        `mapstructure:"actor_id"`
}

// Encryption configures the symmetric key used to hash/compare secrets.
type Encryption struct {
	Algorithm string `mapstructure:"algorithm"`
	SecretKey string `mapstructure:"secret_key"`
}

// Retry mirrors the retry executor parameters in spec §4.3.
type Retry struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialDelay      time.Duration `mapstructure:"initial_delay_ms"`
	MaxDelay          time.Duration `mapstructure:"max_delay_ms"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	Jitter            bool          `mapstructure:"jitter"`
}

// Datastore is the durable store backing creator records.
type Datastore struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Redis configures the durable queue / rate-limit backend.
type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Queue configures the named job queues of spec §4.6.
type Queue struct {
	Concurrency      int           `mapstructure:"concurrency"`
	MaxRetries       int           `mapstructure:"max_retries"`
	DelayOnFailureMs time.Duration `mapstructure:"delay_on_failure_ms"`
	RemoveOnComplete int           `mapstructure:"remove_on_complete"`
	RemoveOnFail     int           `mapstructure:"remove_on_fail"`
}

// CircuitBreaker configures the per-downstream breaker of spec §4.2.
type CircuitBreaker struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	HalfOpenSuccess  int           `mapstructure:"half_open_success"`
}

// Webhook configures ingress signature validation (spec §4.9).
type Webhook struct {
	Secrets     map[string]string `mapstructure:"secrets"` // provider -> secret
	Environment string            `mapstructure:"environment"`
	MaxAttempts int               `mapstructure:"max_attempts"`
}

// ActorClient configures the remote actor runner HTTP client (spec §4.7).
type ActorClient struct {
	BaseURL      string        `mapstructure:"base_url"`
	Token        string        `mapstructure:"token"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxWaitSecs  int           `mapstructure:"max_wait_secs"`
}

// Tracing configures the optional OTLP exporter.
type Tracing struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

// Observability configures logging, metrics, and tracing.
type Observability struct {
	MetricsPort int     `mapstructure:"metrics_port"`
	LogLevel    string  `mapstructure:"log_level"`
	Tracing     Tracing `mapstructure:"tracing"`
}

// Gateway configures the HTTP admission layer (spec §4.5).
type Gateway struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CORSEnabled    bool          `mapstructure:"cors_enabled"`
}

// Alerts configures the optional NATS JetStream alert bus (SPEC_FULL.md's
// AlertEvent entity). Empty URL disables it.
type Alerts struct {
	NatsURL string `mapstructure:"nats_url"`
	Prefix  string `mapstructure:"prefix"`
}

// Analytics configures the optional ClickHouse stage-timing export
// (SPEC_FULL.md's analytics component). Empty DSN disables it.
type Analytics struct {
	DSN      string `mapstructure:"dsn"`
	Database string `mapstructure:"database"`
}

// Config is the root configuration, loaded with an API_GATEWAY_ env prefix
// (spec §6). Only the per-platform API keys also fall back to unprefixed
// env vars; every other setting reads the prefixed vars alone.
type Config struct {
	Environment    string                      `mapstructure:"environment"`
	Redis          Redis                       `mapstructure:"redis"`
	Platforms      map[Platform]PlatformConfig `mapstructure:"platforms"`
	Encryption     Encryption                  `mapstructure:"encryption"`
	Retry          Retry                       `mapstructure:"retry"`
	Datastore      Datastore                   `mapstructure:"datastore"`
	Queue          Queue                       `mapstructure:"queue"`
	CircuitBreaker CircuitBreaker              `mapstructure:"circuit_breaker"`
	Webhook        Webhook                     `mapstructure:"webhook"`
	ActorClient    ActorClient                 `mapstructure:"actor_client"`
	Observability  Observability               `mapstructure:"observability"`
	Gateway        Gateway                     `mapstructure:"gateway"`
	Alerts         Alerts                      `mapstructure:"alerts"`
	Analytics      Analytics                   `mapstructure:"analytics"`
}

func defaultConfig() *Config {
	platforms := map[Platform]PlatformConfig{}
	for _, p := range AllPlatforms {
		platforms[p] = PlatformConfig{
			RateWindowMs:    60_000,
			RateMaxRequests: 30,
			Timeout:         30 * time.Second,
		}
	}
	return &Config{
		Environment: "development",
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Platforms: platforms,
		Encryption: Encryption{
			Algorithm: "sha256",
			SecretKey: "",
		},
		Retry: Retry{
			MaxAttempts:       3,
			InitialDelay:      1 * time.Second,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 2,
			Jitter:            true,
		},
		Datastore: Datastore{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Queue: Queue{
			Concurrency:      8,
			MaxRetries:       3,
			DelayOnFailureMs: 1 * time.Second,
			RemoveOnComplete: 1000,
			RemoveOnFail:     5000,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			HalfOpenSuccess:  3,
		},
		Webhook: Webhook{
			Secrets:     map[string]string{},
			Environment: "development",
			MaxAttempts: 3,
		},
		ActorClient: ActorClient{
			Timeout:      120 * time.Second,
			PollInterval: 10 * time.Second,
			MaxWaitSecs:  600,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     Tracing{Enabled: false, SamplingStrategy: "probabilistic", SamplingRate: 0.1},
		},
		Gateway: Gateway{
			ListenAddr:     ":8080",
			RequestTimeout: 30 * time.Second,
			CORSEnabled:    true,
		},
		Alerts: Alerts{
			Prefix: "orchestrator",
		},
		Analytics: Analytics{
			Database: "orchestrator",
		},
	}
}

// Load reads configuration from a YAML file (a missing file leaves the
// defaults in place), applies the API_GATEWAY_ env prefix, falls back to
// unprefixed env vars for per-platform API keys only, and validates the
// result.
func Load(path string) (*Config, error) {
	v := viper.New()
	def := defaultConfig()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("API_GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, def)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyUnprefixedFallback(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("environment", def.Environment)
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("encryption.algorithm", def.Encryption.Algorithm)
	v.SetDefault("encryption.secret_key", def.Encryption.SecretKey)

	v.SetDefault("retry.max_attempts", def.Retry.MaxAttempts)
	v.SetDefault("retry.initial_delay_ms", def.Retry.InitialDelay)
	v.SetDefault("retry.max_delay_ms", def.Retry.MaxDelay)
	v.SetDefault("retry.backoff_multiplier", def.Retry.BackoffMultiplier)
	v.SetDefault("retry.jitter", def.Retry.Jitter)

	v.SetDefault("datastore.max_open_conns", def.Datastore.MaxOpenConns)
	v.SetDefault("datastore.max_idle_conns", def.Datastore.MaxIdleConns)
	v.SetDefault("datastore.conn_max_lifetime", def.Datastore.ConnMaxLifetime)

	v.SetDefault("queue.concurrency", def.Queue.Concurrency)
	v.SetDefault("queue.max_retries", def.Queue.MaxRetries)
	v.SetDefault("queue.delay_on_failure_ms", def.Queue.DelayOnFailureMs)
	v.SetDefault("queue.remove_on_complete", def.Queue.RemoveOnComplete)
	v.SetDefault("queue.remove_on_fail", def.Queue.RemoveOnFail)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.reset_timeout", def.CircuitBreaker.ResetTimeout)
	v.SetDefault("circuit_breaker.half_open_success", def.CircuitBreaker.HalfOpenSuccess)

	v.SetDefault("webhook.environment", def.Webhook.Environment)
	v.SetDefault("webhook.max_attempts", def.Webhook.MaxAttempts)

	v.SetDefault("actor_client.timeout", def.ActorClient.Timeout)
	v.SetDefault("actor_client.poll_interval", def.ActorClient.PollInterval)
	v.SetDefault("actor_client.max_wait_secs", def.ActorClient.MaxWaitSecs)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.sampling_strategy", def.Observability.Tracing.SamplingStrategy)
	v.SetDefault("observability.tracing.sampling_rate", def.Observability.Tracing.SamplingRate)

	v.SetDefault("gateway.listen_addr", def.Gateway.ListenAddr)
	v.SetDefault("gateway.request_timeout", def.Gateway.RequestTimeout)
	v.SetDefault("gateway.cors_enabled", def.Gateway.CORSEnabled)

	v.SetDefault("alerts.prefix", def.Alerts.Prefix)
	v.SetDefault("analytics.database", def.Analytics.Database)

	for p, pc := range def.Platforms {
		key := "platforms." + string(p)
		v.SetDefault(key+".rate_window_ms", pc.RateWindowMs)
		v.SetDefault(key+".rate_max_requests", pc.RateMaxRequests)
		v.SetDefault(key+".timeout_ms", pc.Timeout)
	}
}

// applyUnprefixedFallback fills per-platform env overrides that viper's
// automatic env binding misses because the platform name is a map key
// rather than a struct field (e.g. TIKTOK_API_KEY).
func applyUnprefixedFallback(cfg *Config) {
	for _, p := range AllPlatforms {
		pc := cfg.Platforms[p]
		prefix := strings.ToUpper(string(p))
		if v, ok := os.LookupEnv("API_GATEWAY_" + prefix + "_API_KEY"); ok && v != "" {
			pc.APIKey = v
		} else if v, ok := os.LookupEnv(prefix + "_API_KEY"); ok && v != "" {
			pc.APIKey = v
		}
		cfg.Platforms[p] = pc
	}
}

// Validate checks config invariants and fails fast on violation (spec §6).
func Validate(cfg *Config) error {
	if len(cfg.Encryption.SecretKey) > 0 && len(cfg.Encryption.SecretKey) < 32 {
		return fmt.Errorf("encryption.secret_key must be >= 32 chars")
	}
	if cfg.Environment != "development" && (cfg.Encryption.SecretKey == "" || cfg.Encryption.SecretKey == "default") {
		return fmt.Errorf("encryption.secret_key must be set to a non-default value outside development")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if cfg.Retry.BackoffMultiplier <= 1 {
		return fmt.Errorf("retry.backoff_multiplier must be > 1")
	}
	if cfg.Retry.MaxDelay <= cfg.Retry.InitialDelay {
		return fmt.Errorf("retry.max_delay_ms must be > retry.initial_delay_ms")
	}
	if cfg.Queue.Concurrency < 1 {
		return fmt.Errorf("queue.concurrency must be >= 1")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Webhook.Environment != "development" {
		for provider, secret := range cfg.Webhook.Secrets {
			if secret == "" {
				return fmt.Errorf("webhook.secrets[%s] must be set outside development", provider)
			}
		}
	}
	for p := range cfg.Platforms {
		found := false
		for _, ap := range AllPlatforms {
			if ap == p {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unknown platform %q in config", p)
		}
	}
	return nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "GRAVITY"

	DriverLocal  = "local"
	DriverRedis  = "redis"
	DriverMemory = "memory"
	DriverAsynq  = "asynq"

	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabaseDSN       = "gravity-collab.db"
	defaultLogLevel          = "info"
	defaultAuthIssuer        = "tauth"
	defaultCookieName        = "app_session"
	defaultThreshold         = 24 * time.Hour
	defaultLeaseTTL          = 60 * time.Second
	defaultReadBatch         = 500
	defaultBatchBudget       = 10 * time.Second
	defaultSweepBatchSize    = 100
	defaultSweepDelayWindow  = time.Hour
	defaultSweepInterval     = time.Hour
	defaultHeartbeatInterval = time.Second
	defaultPresenceTimeout   = 10 * time.Second
	defaultWorkerConcurrency = 20
)

// AppConfig captures runtime configuration for every entrypoint.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabaseDriver string
	DatabaseDSN    string
	RedisAddresses []string
	BusDriver      string
	LockDriver     string
	QueueDriver    string
	LogLevel       string

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string

	CompactionThreshold   time.Duration
	CompactionLeaseTTL    time.Duration
	CompactionReadBatch   int
	CompactionBatchBudget time.Duration
	CompactionTrimLog     bool

	SweepBatchSize   int
	SweepDelayWindow time.Duration
	// SweepInterval is how often a worker sweeps on its own; zero disables it.
	SweepInterval    time.Duration

	SessionHeartbeatInterval time.Duration
	SessionPresenceTimeout   time.Duration

	WorkerConcurrency int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("redis.addresses", []string{})
	configViper.SetDefault("bus.driver", DriverLocal)
	configViper.SetDefault("lock.driver", DriverLocal)
	configViper.SetDefault("queue.driver", DriverMemory)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("compaction.threshold", defaultThreshold)
	configViper.SetDefault("compaction.lease_ttl", defaultLeaseTTL)
	configViper.SetDefault("compaction.read_batch", defaultReadBatch)
	configViper.SetDefault("compaction.batch_budget", defaultBatchBudget)
	configViper.SetDefault("compaction.trim_log", false)
	configViper.SetDefault("sweep.batch_size", defaultSweepBatchSize)
	configViper.SetDefault("sweep.delay_window", defaultSweepDelayWindow)
	configViper.SetDefault("sweep.interval", defaultSweepInterval)
	configViper.SetDefault("session.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("session.presence_timeout", defaultPresenceTimeout)
	configViper.SetDefault("worker.concurrency", defaultWorkerConcurrency)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		RedisAddresses: splitList(configViper.GetStringSlice("redis.addresses")),
		BusDriver:      strings.ToLower(strings.TrimSpace(configViper.GetString("bus.driver"))),
		LockDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("lock.driver"))),
		QueueDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("queue.driver"))),
		LogLevel:       configViper.GetString("log.level"),

		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthCookieName:    configViper.GetString("auth.cookie_name"),

		CompactionThreshold:   configViper.GetDuration("compaction.threshold"),
		CompactionLeaseTTL:    configViper.GetDuration("compaction.lease_ttl"),
		CompactionReadBatch:   configViper.GetInt("compaction.read_batch"),
		CompactionBatchBudget: configViper.GetDuration("compaction.batch_budget"),
		CompactionTrimLog:     configViper.GetBool("compaction.trim_log"),

		SweepBatchSize:   configViper.GetInt("sweep.batch_size"),
		SweepDelayWindow: configViper.GetDuration("sweep.delay_window"),
		SweepInterval:    configViper.GetDuration("sweep.interval"),

		SessionHeartbeatInterval: configViper.GetDuration("session.heartbeat_interval"),
		SessionPresenceTimeout:   configViper.GetDuration("session.presence_timeout"),

		WorkerConcurrency: configViper.GetInt("worker.concurrency"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if err := validateDriver("bus.driver", c.BusDriver, DriverLocal, DriverRedis); err != nil {
		return err
	}
	if err := validateDriver("lock.driver", c.LockDriver, DriverLocal, DriverRedis); err != nil {
		return err
	}
	if err := validateDriver("queue.driver", c.QueueDriver, DriverMemory, DriverAsynq); err != nil {
		return err
	}
	if c.NeedsRedis() && len(c.RedisAddresses) == 0 {
		return fmt.Errorf("redis.addresses is required for the redis-backed drivers")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}

	durations := []struct {
		key   string
		value time.Duration
	}{
		{"compaction.threshold", c.CompactionThreshold},
		{"compaction.lease_ttl", c.CompactionLeaseTTL},
		{"compaction.batch_budget", c.CompactionBatchBudget},
		{"session.heartbeat_interval", c.SessionHeartbeatInterval},
		{"session.presence_timeout", c.SessionPresenceTimeout},
	}
	for _, duration := range durations {
		if duration.value <= 0 {
			return fmt.Errorf("%s must be positive", duration.key)
		}
	}
	if c.SweepDelayWindow < 0 {
		return fmt.Errorf("sweep.delay_window must not be negative")
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("sweep.interval must not be negative")
	}
	if c.CompactionLeaseTTL <= c.CompactionBatchBudget {
		return fmt.Errorf("compaction.lease_ttl (%s) must exceed compaction.batch_budget (%s)", c.CompactionLeaseTTL, c.CompactionBatchBudget)
	}
	if c.SessionPresenceTimeout <= c.SessionHeartbeatInterval {
		return fmt.Errorf("session.presence_timeout must exceed session.heartbeat_interval")
	}

	counts := []struct {
		key   string
		value int
	}{
		{"compaction.read_batch", c.CompactionReadBatch},
		{"sweep.batch_size", c.SweepBatchSize},
		{"worker.concurrency", c.WorkerConcurrency},
	}
	for _, count := range counts {
		if count.value <= 0 {
			return fmt.Errorf("%s must be positive", count.key)
		}
	}
	return nil
}

// ValidateServe checks what only the HTTP entrypoint needs.
func (c AppConfig) ValidateServe() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	return nil
}

// NeedsRedis reports whether any selected driver talks to Redis.
func (c AppConfig) NeedsRedis() bool {
	return c.BusDriver == DriverRedis || c.LockDriver == DriverRedis || c.QueueDriver == DriverAsynq
}

func validateDriver(key, value string, allowed ...string) error {
	for _, candidate := range allowed {
		if value == candidate {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value)
}

// splitList accepts both real lists and comma separated environment values.
func splitList(values []string) []string {
	var items []string
	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				items = append(items, trimmed)
			}
		}
	}
	return items
}

// Package config provides configuration loading for the ledger service.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the ledger service
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	NATS           NATSConfig           `mapstructure:"nats"`
	Redis          RedisConfig          `mapstructure:"redis"`
	OpenSearch     OpenSearchConfig     `mapstructure:"opensearch"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Listener       ListenerConfig       `mapstructure:"listener"`
	Processor      ProcessorConfig      `mapstructure:"processor"`
	Projection     ProjectionConfig     `mapstructure:"projection"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Scheduler      SchedulerConfig      `mapstructure:"scheduler"`
	Auth           AuthConfig           `mapstructure:"auth"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	// CORSOrigins enables CORS for the listed origins ("*.example.com" allowed).
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// DatabaseConfig holds PostgreSQL configuration. With Driver "memory" the
// service runs on the in-memory store.
type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// ConnString builds a postgres:// URL.
func (p PostgresConfig) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     "/" + p.Database,
		RawQuery: "sslmode=" + url.QueryEscape(p.SSLMode),
	}
	return u.String()
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Enabled       bool          `mapstructure:"enabled"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Token         string        `mapstructure:"token"`
}

// RedisConfig holds Redis configuration for the cross-replica run lock
type RedisConfig struct {
	URL     string        `mapstructure:"url"`
	Enabled bool          `mapstructure:"enabled"`
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// OpenSearchConfig holds the read-model mirror settings
type OpenSearchConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Insecure bool   `mapstructure:"insecure"`
	Index    string `mapstructure:"index"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ListenerConfig holds chain stream consumption settings
type ListenerConfig struct {
	Source         string        `mapstructure:"source"`
	Stream         string        `mapstructure:"stream"`
	FilterSubject  string        `mapstructure:"filter_subject"`
	AckWait        time.Duration `mapstructure:"ack_wait"`
	MaxDeliver     int           `mapstructure:"max_deliver"`
	NakDelay       time.Duration `mapstructure:"nak_delay"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// ProcessorConfig holds event processing settings
type ProcessorConfig struct {
	MaxConflictRetries int `mapstructure:"max_conflict_retries"`
	ReprocessBatch     int `mapstructure:"reprocess_batch"`
	MaxAttempts        int `mapstructure:"max_attempts"`
}

// ProjectionConfig holds read-model refresh settings
type ProjectionConfig struct {
	Async     bool `mapstructure:"async"`
	QueueSize int  `mapstructure:"queue_size"`
}

// ReconciliationConfig holds detection settings
type ReconciliationConfig struct {
	StuckThreshold time.Duration `mapstructure:"stuck_threshold"`
}

// SchedulerConfig holds the cadence of background jobs
type SchedulerConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	FullInterval      time.Duration `mapstructure:"full_interval"`
	QuickInterval     time.Duration `mapstructure:"quick_interval"`
	RefreshInterval   time.Duration `mapstructure:"refresh_interval"`
	ReprocessInterval time.Duration `mapstructure:"reprocess_interval"`
}

// AuthConfig holds the admin bearer-token settings. An empty secret disables
// verification.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	AdminRole string `mapstructure:"admin_role"`
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "arena")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "arena_ledger")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.postgres.max_conns", 25)
	v.SetDefault("database.postgres.min_conns", 2)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", true)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.lock_ttl", "15m")

	v.SetDefault("opensearch.enabled", false)
	v.SetDefault("opensearch.url", "https://localhost:9200")
	v.SetDefault("opensearch.username", "admin")
	v.SetDefault("opensearch.password", "")
	v.SetDefault("opensearch.insecure", true)
	v.SetDefault("opensearch.index", "arena-read-model")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("listener.source", "chain")
	v.SetDefault("listener.stream", "CHAIN_EVENTS")
	v.SetDefault("listener.filter_subject", "chain.events.>")
	v.SetDefault("listener.ack_wait", "30s")
	v.SetDefault("listener.max_deliver", -1)
	v.SetDefault("listener.nak_delay", "5s")
	v.SetDefault("listener.initial_backoff", "500ms")
	v.SetDefault("listener.max_backoff", "30s")

	v.SetDefault("processor.max_conflict_retries", 3)
	v.SetDefault("processor.reprocess_batch", 100)
	v.SetDefault("processor.max_attempts", 10)

	v.SetDefault("projection.async", false)
	v.SetDefault("projection.queue_size", 1024)

	v.SetDefault("reconciliation.stuck_threshold", "24h")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.full_interval", "1h")
	v.SetDefault("scheduler.quick_interval", "5m")
	v.SetDefault("scheduler.refresh_interval", "10m")
	v.SetDefault("scheduler.reprocess_interval", "1m")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.admin_role", "admin")

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/arena/ledger")
	}

	// Environment variables override (LEDGER_SERVER_PORT, etc.)
	v.SetEnvPrefix("LEDGER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config - ignore file not found for defaults
	if err := v.ReadInConfig(); err != nil {
		// Only fail if a specific config path was given
		if configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Reconciliation.StuckThreshold <= 0 {
		return fmt.Errorf("reconciliation.stuck_threshold must be positive")
	}
	for name, d := range map[string]time.Duration{
		"scheduler.full_interval":      c.Scheduler.FullInterval,
		"scheduler.quick_interval":     c.Scheduler.QuickInterval,
		"scheduler.refresh_interval":   c.Scheduler.RefreshInterval,
		"scheduler.reprocess_interval": c.Scheduler.ReprocessInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

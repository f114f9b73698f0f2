// Package config provides configuration management for the enrichment service.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SSL mode constants for database connections.
const (
	// SSLModeDisable disables SSL (use only for local development).
	SSLModeDisable = "disable"
	// SSLModeRequire requires SSL but does not verify certificates.
	SSLModeRequire = "require"
	// SSLModeVerifyCA verifies the server certificate against a CA.
	SSLModeVerifyCA = "verify-ca"
	// SSLModeVerifyFull verifies the server certificate and hostname.
	SSLModeVerifyFull = "verify-full"
)

// Config holds all configuration for the enrichment service.
type Config struct {
	// Server contains HTTP server settings.
	Server ServerConfig `mapstructure:"server"`
	// Database contains PostgreSQL connection settings.
	Database DatabaseConfig `mapstructure:"database"`
	// Logging contains structured logging settings.
	Logging LoggingConfig `mapstructure:"logging"`
	// Metrics contains Prometheus metrics exposure settings.
	Metrics MetricsConfig `mapstructure:"metrics"`
	// Kafka contains event channel and job dispatch settings.
	Kafka KafkaConfig `mapstructure:"kafka"`
	// Engine contains job engine tuning parameters.
	Engine EngineConfig `mapstructure:"engine"`
	// Embedding contains embedding provider settings.
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	// Biblio contains bibliographic source API configurations.
	Biblio BiblioConfig `mapstructure:"biblio"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Host is the address to bind the server to (default: 0.0.0.0).
	Host string `mapstructure:"host"`
	// HTTPPort is the HTTP server port (default: 8080).
	HTTPPort int `mapstructure:"http_port"`
	// MetricsPort is the metrics server port (default: 9091).
	MetricsPort int `mapstructure:"metrics_port"`
	// ReadTimeout is the maximum duration for reading request body.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the maximum duration for writing response.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	// Host is the PostgreSQL server hostname.
	Host string `mapstructure:"host"`
	// Port is the PostgreSQL server port (default: 5432).
	Port int `mapstructure:"port"`
	// User is the database username.
	User string `mapstructure:"user"`
	// Password is the database password (use environment variable in production).
	Password string `mapstructure:"password"`
	// Name is the database name.
	Name string `mapstructure:"name"`
	// SSLMode controls SSL connection security (require, verify-ca, verify-full, disable).
	SSLMode string `mapstructure:"ssl_mode"`
	// MaxConns is the maximum number of connections in the pool (default: 25).
	MaxConns int32 `mapstructure:"max_conns"`
	// MinConns is the minimum number of connections to keep open (default: 5).
	MinConns int32 `mapstructure:"min_conns"`
	// MaxConnLifetime is the maximum lifetime of a connection before it's closed.
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// MaxConnIdleTime is the maximum time a connection can be idle before it's closed.
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	// HealthCheckPeriod is the interval between health checks of idle connections.
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	// ConnectTimeout is the maximum time to wait for a connection.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// MigrationPath is the path to migration files (relative or absolute).
	MigrationPath string `mapstructure:"migration_path"`
	// MigrationAutoRun enables automatic migration on startup (default: false).
	MigrationAutoRun bool `mapstructure:"migration_auto_run"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level (trace, debug, info, warn, error, fatal, panic).
	Level string `mapstructure:"level"`
	// Format is the log format (json, console).
	Format string `mapstructure:"format"`
	// Output is the log output destination (stdout, stderr).
	Output string `mapstructure:"output"`
	// AddSource adds source file and line to log output.
	AddSource bool `mapstructure:"add_source"`
	// TimeFormat is the timestamp format.
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled enables metrics collection and exposure.
	Enabled bool `mapstructure:"enabled"`
	// Path is the HTTP path for metrics endpoint.
	Path string `mapstructure:"path"`
}

// KafkaConfig holds Kafka settings for the event channel and job dispatch.
type KafkaConfig struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string `mapstructure:"brokers"`
	// EventsTopic is the topic progress events are published to,
	// keyed by project id.
	EventsTopic string `mapstructure:"events_topic"`
	// DispatchTopic is the topic the worker consumes job dispatch messages from.
	DispatchTopic string `mapstructure:"dispatch_topic"`
	// DispatchGroupID is the consumer group for dispatch consumption.
	DispatchGroupID string `mapstructure:"dispatch_group_id"`
	// BatchSize is the maximum number of messages to batch before sending.
	BatchSize int `mapstructure:"batch_size"`
	// BatchTimeout is the maximum time to wait for a batch to fill before sending.
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// EngineConfig holds job engine tuning parameters.
type EngineConfig struct {
	// BatchSize is the maximum number of work items per external call.
	BatchSize int `mapstructure:"batch_size"`
	// Concurrency is the maximum number of batches in flight at once.
	Concurrency int `mapstructure:"concurrency"`
	// GroupDelay is the pause between concurrent batch groups.
	GroupDelay time.Duration `mapstructure:"group_delay"`
	// StaggerOffset spreads batch starts within a group to avoid burst traffic.
	StaggerOffset time.Duration `mapstructure:"stagger_offset"`
	// MaxJobDuration is the hard ceiling on total job runtime.
	MaxJobDuration time.Duration `mapstructure:"max_job_duration"`
	// StallThreshold is the maximum time without a progress persist before
	// the job is considered stalled.
	StallThreshold time.Duration `mapstructure:"stall_threshold"`
	// ProgressEvery is the number of items between progress persists.
	ProgressEvery int `mapstructure:"progress_every"`
	// CacheTTL is how long graph metadata cache rows stay fresh.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	// CitationCountCap bounds how many records get citation counts per run.
	CitationCountCap int `mapstructure:"citation_count_cap"`
	// WatchdogInterval is how often the stuck-job watchdog scans for
	// running jobs with stale progress.
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// APIKey is the provider API key (loaded from ENRICH_EMBEDDING_API_KEY env var).
	APIKey string `mapstructure:"-"`
	// Model is the embedding model identifier.
	Model string `mapstructure:"model"`
	// BaseURL is the API base URL (for custom endpoints).
	BaseURL string `mapstructure:"base_url"`
	// Timeout is the timeout for embedding API calls.
	Timeout time.Duration `mapstructure:"timeout"`
}

// BiblioConfig holds configuration for all bibliographic source APIs.
type BiblioConfig struct {
	// SemanticScholar contains the primary graph service settings.
	SemanticScholar BiblioSourceConfig `mapstructure:"semantic_scholar"`
	// OpenAlex contains the secondary citation-count service settings.
	OpenAlex BiblioSourceConfig `mapstructure:"openalex"`
	// Crossref contains the tertiary DOI fallback service settings.
	Crossref BiblioSourceConfig `mapstructure:"crossref"`
}

// BiblioSourceConfig holds configuration for a single bibliographic source API.
type BiblioSourceConfig struct {
	// APIKey is the API key (loaded from environment variable,
	// e.g. ENRICH_BIBLIO_SEMANTIC_SCHOLAR_API_KEY).
	APIKey string `mapstructure:"-"`
	// BaseURL is the API base URL.
	BaseURL string `mapstructure:"base_url"`
	// Timeout is the timeout for API calls.
	Timeout time.Duration `mapstructure:"timeout"`
	// RateLimit is the maximum requests per second for anonymous calls.
	RateLimit float64 `mapstructure:"rate_limit"`
	// AuthenticatedRateLimit is the requests per second used when an API
	// key is configured. Zero falls back to RateLimit.
	AuthenticatedRateLimit float64 `mapstructure:"authenticated_rate_limit"`
}

// EffectiveRateLimit returns the rate limit to apply given the credential state.
func (c *BiblioSourceConfig) EffectiveRateLimit() float64 {
	if c.APIKey != "" && c.AuthenticatedRateLimit > 0 {
		return c.AuthenticatedRateLimit
	}
	return c.RateLimit
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	params := url.Values{}
	params.Set("sslmode", c.SSLMode)
	if c.ConnectTimeout > 0 {
		params.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Name,
		params.Encode(),
	)
}

// HTTPAddress returns the HTTP server address.
func (c *ServerConfig) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// MetricsAddress returns the metrics server address.
func (c *ServerConfig) MetricsAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.MetricsPort)
}

// Load loads configuration from environment variables and config files.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Read from environment variables.
	v.SetEnvPrefix("ENRICH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file if present.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/enrichment-service")

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use env vars and defaults.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Secrets are loaded exclusively from environment variables.
	// These fields use mapstructure:"-" to prevent loading from config files.
	loadSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadSecrets populates secret fields exclusively from environment variables.
func loadSecrets(cfg *Config) {
	cfg.Embedding.APIKey = os.Getenv("ENRICH_EMBEDDING_API_KEY")
	cfg.Biblio.SemanticScholar.APIKey = os.Getenv("ENRICH_BIBLIO_SEMANTIC_SCHOLAR_API_KEY")
	cfg.Biblio.OpenAlex.APIKey = os.Getenv("ENRICH_BIBLIO_OPENALEX_API_KEY")
	cfg.Biblio.Crossref.APIKey = os.Getenv("ENRICH_BIBLIO_CROSSREF_API_KEY")
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9091)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "enrich")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "enrichment_service")
	// Default to "require" for production security. Use ENRICH_DATABASE_SSL_MODE=disable locally.
	v.SetDefault("database.ssl_mode", SSLModeRequire)
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.health_check_period", "30s")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.migration_path", "migrations")
	v.SetDefault("database.migration_auto_run", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Kafka defaults
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.events_topic", "events.jobs.enrichment_service")
	v.SetDefault("kafka.dispatch_topic", "jobs.dispatch.enrichment_service")
	v.SetDefault("kafka.dispatch_group_id", "enrichment-worker")
	v.SetDefault("kafka.batch_size", 100)
	v.SetDefault("kafka.batch_timeout", "10ms")

	// Engine defaults
	v.SetDefault("engine.batch_size", 50)
	v.SetDefault("engine.concurrency", 3)
	v.SetDefault("engine.group_delay", "1s")
	v.SetDefault("engine.stagger_offset", "50ms")
	v.SetDefault("engine.max_job_duration", "30m")
	v.SetDefault("engine.stall_threshold", "5m")
	v.SetDefault("engine.progress_every", 25)
	v.SetDefault("engine.cache_ttl", "720h") // 30 days
	v.SetDefault("engine.citation_count_cap", 200)
	v.SetDefault("engine.watchdog_interval", "1m")

	// Embedding defaults
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.timeout", "60s")

	// Biblio defaults - Semantic Scholar (primary graph service)
	v.SetDefault("biblio.semantic_scholar.base_url", "https://api.semanticscholar.org/graph/v1")
	v.SetDefault("biblio.semantic_scholar.timeout", "30s")
	v.SetDefault("biblio.semantic_scholar.rate_limit", 1.0)
	v.SetDefault("biblio.semantic_scholar.authenticated_rate_limit", 10.0)

	// Biblio defaults - OpenAlex (secondary citation-count service)
	v.SetDefault("biblio.openalex.base_url", "https://api.openalex.org")
	v.SetDefault("biblio.openalex.timeout", "30s")
	v.SetDefault("biblio.openalex.rate_limit", 10.0)

	// Biblio defaults - Crossref (tertiary DOI fallback)
	v.SetDefault("biblio.crossref.base_url", "https://api.crossref.org")
	v.SetDefault("biblio.crossref.timeout", "30s")
	v.SetDefault("biblio.crossref.rate_limit", 5.0)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.Server.MetricsPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Database.Port)
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns (%d) must be >= min_conns (%d)", c.Database.MaxConns, c.Database.MinConns)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("at least one kafka broker is required")
	}
	if c.Kafka.EventsTopic == "" {
		return fmt.Errorf("kafka events topic is required")
	}
	if c.Kafka.DispatchTopic == "" {
		return fmt.Errorf("kafka dispatch topic is required")
	}

	if c.Engine.BatchSize <= 0 {
		return fmt.Errorf("engine batch_size must be positive")
	}
	if c.Engine.Concurrency <= 0 {
		return fmt.Errorf("engine concurrency must be positive")
	}
	if c.Engine.MaxJobDuration <= 0 {
		return fmt.Errorf("engine max_job_duration must be positive")
	}
	if c.Engine.StallThreshold <= 0 {
		return fmt.Errorf("engine stall_threshold must be positive")
	}
	if c.Engine.StallThreshold > c.Engine.MaxJobDuration {
		return fmt.Errorf("engine stall_threshold (%s) must not exceed max_job_duration (%s)",
			c.Engine.StallThreshold, c.Engine.MaxJobDuration)
	}
	if c.Engine.ProgressEvery <= 0 {
		return fmt.Errorf("engine progress_every must be positive")
	}
	if c.Engine.CitationCountCap < 0 {
		return fmt.Errorf("engine citation_count_cap must not be negative")
	}

	return nil
}

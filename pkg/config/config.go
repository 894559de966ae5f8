package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the enrichment engine.
// Configuration can come from YAML file (config.yaml) or environment
// variables. Environment variables always override YAML values. Secrets
// (API keys, database password) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8080"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Redis configuration (optional; progress state falls back to
	// in-process storage when unset)
	Redis RedisConfig `yaml:"redis"`

	// Model provider configuration
	AI AIConfig `yaml:"ai"`

	// Enrichment engine tunables
	Enrichment EnrichmentConfig `yaml:"enrichment"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"enrichment"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"enrichment_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`
}

// RedisConfig holds Redis settings for shared progress state.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// AIConfig holds model provider credentials and endpoints.
type AIConfig struct {
	OpenAIAPIKey    string `yaml:"-" env:"OPENAI_API_KEY"`    // Secret - not in YAML
	AnthropicAPIKey string `yaml:"-" env:"ANTHROPIC_API_KEY"` // Secret - not in YAML

	// OpenAIEndpoint overrides the OpenAI base URL for OpenAI-compatible
	// local endpoints. Empty means the default API.
	OpenAIEndpoint string `yaml:"openai_endpoint" env:"OPENAI_ENDPOINT" env-default:""`
}

// EnrichmentConfig holds engine tunables.
type EnrichmentConfig struct {
	// SyncRowLimit is the max row count accepted by the sync endpoint.
	SyncRowLimit int `yaml:"sync_row_limit" env:"ENRICHMENT_SYNC_ROW_LIMIT" env-default:"5000"`

	// BulkRowLimit is the max row count accepted by the bulk endpoint.
	BulkRowLimit int `yaml:"bulk_row_limit" env:"ENRICHMENT_BULK_ROW_LIMIT" env-default:"100000"`

	// CallTimeoutSeconds bounds a single synchronous model call.
	CallTimeoutSeconds int `yaml:"call_timeout_seconds" env:"ENRICHMENT_CALL_TIMEOUT_SECONDS" env-default:"30"`

	// StaleJobMinutes is how long a running job may sit without cursor
	// progress before it is force-completed.
	StaleJobMinutes int `yaml:"stale_job_minutes" env:"ENRICHMENT_STALE_JOB_MINUTES" env-default:"10"`

	// WriterChunkSize is the number of row updates per physical store batch.
	WriterChunkSize int `yaml:"writer_chunk_size" env:"ENRICHMENT_WRITER_CHUNK_SIZE" env-default:"1000"`

	// WriterMaxParallel caps chunks in flight against the store.
	WriterMaxParallel int `yaml:"writer_max_parallel" env:"ENRICHMENT_WRITER_MAX_PARALLEL" env-default:"5"`
}

// CallTimeout returns the per-call timeout as a duration.
func (c *EnrichmentConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// StaleJobThreshold returns the staleness threshold as a duration.
func (c *EnrichmentConfig) StaleJobThreshold() time.Duration {
	return time.Duration(c.StaleJobMinutes) * time.Minute
}

// Load reads configuration from config.yaml with environment variable
// overrides. The version parameter is injected at build time.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv reads configuration from environment variables only, for
// deployments without a config file.
func LoadFromEnv(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	return cfg, nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

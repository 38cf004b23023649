// Package config provides configuration management for the citation checker.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/citation-checker/internal/types"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Ledger    LedgerConfig
	Jobs      JobsConfig
	Pipeline  PipelineConfig
	Retry     RetryConfig
	Providers ProvidersConfig
	Analytics AnalyticsConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string
	Host           string
	RateLimitRPS   float64
	RateLimitBurst int
	WebhookSecret  string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// LedgerConfig selects the entitlement backend and its policies
type LedgerConfig struct {
	Backend           string // redis | postgres
	FreeCitationLimit int    // credits seeded for anonymous clients
	PassDailyLimit    int    // 0 = unlimited
}

// JobsConfig holds job registry settings
type JobsConfig struct {
	Store           string // memory | redis
	TTL             time.Duration
	JanitorInterval time.Duration
	MaxConcurrent   int
}

// PipelineConfig holds batching settings
type PipelineConfig struct {
	BatchSize               int
	MaxCitationsPerRequest  int
	MaxInflightProviderCall int
}

// RetryConfig holds the provider retry policy
type RetryConfig struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RateLimitPause time.Duration
	Ceiling        time.Duration
	CallTimeout    time.Duration
}

// ProvidersConfig holds provider routing and credentials
type ProvidersConfig struct {
	Default  types.Provider
	Fallback types.Provider
	OpenAI   OpenAIConfig
	Gemini   GeminiConfig
}

// OpenAIConfig configures provider_a
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// GeminiConfig configures provider_b
type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// AnalyticsConfig controls where job events go besides the log
type AnalyticsConfig struct {
	ClickHouseEnabled bool
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:           getEnv("SERVER_PORT", "8080"),
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			RateLimitRPS:   getEnvAsFloat("RATE_LIMIT_RPS", 5),
			RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 10),
			WebhookSecret:  getEnv("WEBHOOK_SECRET", ""),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "citation_checker"),
				User:           getEnv("POSTGRES_USER", "checker"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "citation_checker"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Ledger: LedgerConfig{
			Backend:           strings.ToLower(getEnv("LEDGER_BACKEND", "redis")),
			FreeCitationLimit: getEnvAsInt("FREE_CITATION_LIMIT", 10),
			PassDailyLimit:    getEnvAsInt("PASS_DAILY_LIMIT", 1000),
		},
		Jobs: JobsConfig{
			Store:           strings.ToLower(getEnv("JOB_STORE", "memory")),
			TTL:             getEnvAsDuration("JOB_TTL", 30*time.Minute),
			JanitorInterval: getEnvAsDuration("JOB_JANITOR_INTERVAL", time.Minute),
			MaxConcurrent:   getEnvAsInt("MAX_CONCURRENT_JOBS", 32),
		},
		Pipeline: PipelineConfig{
			BatchSize:               getEnvAsInt("BATCH_SIZE", 10),
			MaxCitationsPerRequest:  getEnvAsInt("MAX_CITATIONS_PER_REQUEST", 500),
			MaxInflightProviderCall: getEnvAsInt("MAX_INFLIGHT_PROVIDER_CALLS", 8),
		},
		Retry: RetryConfig{
			MaxAttempts:    getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:      getEnvAsDuration("RETRY_BASE_DELAY", time.Second),
			MaxDelay:       getEnvAsDuration("RETRY_MAX_DELAY", 30*time.Second),
			RateLimitPause: getEnvAsDuration("RETRY_RATE_LIMIT_PAUSE", 10*time.Second),
			Ceiling:        getEnvAsDuration("RETRY_CEILING", 2*time.Minute),
			CallTimeout:    getEnvAsDuration("PROVIDER_CALL_TIMEOUT", 60*time.Second),
		},
		Providers: ProvidersConfig{
			Default:  types.Provider(getEnv("PROVIDER_DEFAULT", string(types.ProviderA))),
			Fallback: types.Provider(getEnv("PROVIDER_FALLBACK", string(types.ProviderA))),
			OpenAI: OpenAIConfig{
				APIKey:  getEnv("OPENAI_API_KEY", ""),
				Model:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
				BaseURL: getEnv("OPENAI_BASE_URL", ""),
			},
			Gemini: GeminiConfig{
				APIKey:  getEnv("GEMINI_API_KEY", ""),
				Model:   getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
				BaseURL: getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
			},
		},
		Analytics: AnalyticsConfig{
			ClickHouseEnabled: getEnvAsBool("ANALYTICS_CLICKHOUSE_ENABLED", false),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// Validate rejects configurations the server cannot run with
func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case "redis", "postgres":
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q (want redis or postgres)", c.Ledger.Backend)
	}
	switch c.Jobs.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown JOB_STORE %q (want memory or redis)", c.Jobs.Store)
	}
	if _, ok := types.ParseProvider(string(c.Providers.Default)); !ok {
		return fmt.Errorf("unknown PROVIDER_DEFAULT %q", c.Providers.Default)
	}
	if _, ok := types.ParseProvider(string(c.Providers.Fallback)); !ok {
		return fmt.Errorf("unknown PROVIDER_FALLBACK %q", c.Providers.Fallback)
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.Pipeline.BatchSize)
	}
	if c.Pipeline.MaxCitationsPerRequest <= 0 {
		return fmt.Errorf("MAX_CITATIONS_PER_REQUEST must be positive, got %d", c.Pipeline.MaxCitationsPerRequest)
	}
	if c.Pipeline.MaxInflightProviderCall <= 0 {
		return fmt.Errorf("MAX_INFLIGHT_PROVIDER_CALLS must be positive, got %d", c.Pipeline.MaxInflightProviderCall)
	}
	if c.Jobs.MaxConcurrent <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be positive, got %d", c.Jobs.MaxConcurrent)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive, got %d", c.Retry.MaxAttempts)
	}
	if c.Ledger.FreeCitationLimit < 0 || c.Ledger.PassDailyLimit < 0 {
		return fmt.Errorf("entitlement limits must not be negative")
	}
	return nil
}

// URL returns the postgres:// connection URL used by pgx and golang-migrate
func (p PostgresConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     net.JoinHostPort(p.Host, p.Port),
		Path:     "/" + p.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// RedisAddr returns host:port for go-redis
func (r RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

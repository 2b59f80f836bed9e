package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	App        AppConfig        `mapstructure:"app" yaml:"app"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	Queue      QueueConfig      `mapstructure:"queue" yaml:"queue"`
	Kafka      KafkaConfig      `mapstructure:"kafka" yaml:"kafka"`
	AI         AIConfig         `mapstructure:"ai" yaml:"ai"`
	Fallback   FallbackConfig   `mapstructure:"fallback" yaml:"fallback"`
	Email      EmailConfig      `mapstructure:"email" yaml:"email"`
	Automation AutomationConfig `mapstructure:"automation" yaml:"automation"`
	JWT        JWTConfig        `mapstructure:"jwt" yaml:"jwt"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring"`
	Security   SecurityConfig   `mapstructure:"security" yaml:"security"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// AppConfig describes the public-facing application, used to build links in outbound email.
type AppConfig struct {
	Name    string `mapstructure:"name" yaml:"name"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"` // postgres, sqlite
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Name            string        `mapstructure:"name" yaml:"name"`
	SSLMode         string        `mapstructure:"sslmode" yaml:"sslmode"`
	TimeZone        string        `mapstructure:"timezone" yaml:"timezone"`
	SQLitePath      string        `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	AutoMigrate     bool          `mapstructure:"auto_migrate" yaml:"auto_migrate"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	PoolSize int    `mapstructure:"pool_size" yaml:"pool_size"`
}

// QueueConfig controls the delayed execution queue.
type QueueConfig struct {
	Backend        string        `mapstructure:"backend" yaml:"backend"` // redis, local
	KeyPrefix      string        `mapstructure:"key_prefix" yaml:"key_prefix"`
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size" yaml:"batch_size"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl" yaml:"idempotency_ttl"`
	EmbeddedWorker bool          `mapstructure:"embedded_worker" yaml:"embedded_worker"`
}

type KafkaConfig struct {
	Enabled       bool     `mapstructure:"enabled" yaml:"enabled"`
	Brokers       []string `mapstructure:"brokers" yaml:"brokers"`
	Topic         string   `mapstructure:"topic" yaml:"topic"`
	ConsumerGroup string   `mapstructure:"consumer_group" yaml:"consumer_group"`
}

type AIConfig struct {
	OpenAI OpenAIConfig `mapstructure:"openai" yaml:"openai"`
}

type OpenAIConfig struct {
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url"`
	Model       string        `mapstructure:"model" yaml:"model"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxFailures     int           `mapstructure:"max_failures" yaml:"max_failures"`
	ResetTimeout    time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
	HalfOpenMaxReqs int           `mapstructure:"half_open_max_requests" yaml:"half_open_max_requests"`
}

// EmailConfig selects the outbound email transport.
type EmailConfig struct {
	Provider string         `mapstructure:"provider" yaml:"provider"` // sendgrid, smtp, log
	From     string         `mapstructure:"from" yaml:"from"`
	FromName string         `mapstructure:"from_name" yaml:"from_name"`
	Timeout  time.Duration  `mapstructure:"timeout" yaml:"timeout"`
	SendGrid SendGridConfig `mapstructure:"sendgrid" yaml:"sendgrid"`
	SMTP     SMTPConfig     `mapstructure:"smtp" yaml:"smtp"`
}

type SendGridConfig struct {
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	TLS      bool   `mapstructure:"tls" yaml:"tls"`
}

type AutomationConfig struct {
	ExecutionRetention time.Duration `mapstructure:"execution_retention" yaml:"execution_retention"`
	RetentionSchedule  string        `mapstructure:"retention_schedule" yaml:"retention_schedule"` // cron spec
}

type JWTConfig struct {
	Secret string `mapstructure:"secret" yaml:"secret"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	Output     string `mapstructure:"output" yaml:"output"` // stdout, file, both
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`       // MB
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`         // days
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"` // number of backup files
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type MonitoringConfig struct {
	Enabled      bool               `mapstructure:"enabled" yaml:"enabled"`
	MetricsPath  string             `mapstructure:"metrics_path" yaml:"metrics_path"`
	HealthChecks HealthChecksConfig `mapstructure:"health_checks" yaml:"health_checks"`
	Tracing      TracingConfig      `mapstructure:"tracing" yaml:"tracing"`
}

type HealthChecksConfig struct {
	Database bool `mapstructure:"database" yaml:"database"`
	Redis    bool `mapstructure:"redis" yaml:"redis"`
}

// TracingConfig OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"` // OTLP gRPC endpoint, e.g. http://otel-collector:4317
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
}

type SecurityConfig struct {
	Auth         AuthConfig         `mapstructure:"auth" yaml:"auth"`
	CORS         CORSConfig         `mapstructure:"cors" yaml:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting" yaml:"rate_limiting"`
}

// AuthConfig toggles bearer authentication on the management API. With auth disabled
// the caller identity is read from DevUserHeader, which is only meant for local use.
type AuthConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	DevUserHeader string `mapstructure:"dev_user_header" yaml:"dev_user_header"`
}

type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers" yaml:"allowed_headers"`
}

type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int  `mapstructure:"burst" yaml:"burst"`
}

// envBindings are the keys most often supplied through the environment (secrets and endpoints).
var envBindings = []string{
	"server.host", "server.port",
	"app.base_url",
	"database.driver", "database.dsn", "database.host", "database.port", "database.user",
	"database.password", "database.name", "database.sqlite_path",
	"redis.host", "redis.port", "redis.password",
	"queue.backend",
	"kafka.enabled", "kafka.brokers", "kafka.topic",
	"ai.openai.api_key", "ai.openai.base_url", "ai.openai.model",
	"email.provider", "email.from", "email.sendgrid.api_key",
	"email.smtp.host", "email.smtp.username", "email.smtp.password",
	"jwt.secret",
	"log.level",
}

// Load decodes the global viper instance on top of GetDefaultConfig.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom decodes v on top of the defaults. Environment variables use the
// TRADIEFLOW_ prefix with dots replaced by underscores (TRADIEFLOW_DATABASE_DSN).
func LoadFrom(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("TRADIEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envBindings {
		_ = v.BindEnv(key)
	}

	cfg := GetDefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetDefaultConfig returns the built-in defaults.
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		App: AppConfig{
			Name:    "Tradieflow",
			BaseURL: "http://localhost:3000",
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "tradieflow",
			SSLMode:         "disable",
			TimeZone:        "UTC",
			SQLitePath:      "./data/tradieflow.db",
			AutoMigrate:     true,
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     6379,
			DB:       0,
			PoolSize: 10,
		},
		Queue: QueueConfig{
			Backend:        "redis",
			KeyPrefix:      "tradieflow:automation",
			MaxAttempts:    3,
			BackoffBase:    30 * time.Second,
			PollInterval:   time.Second,
			BatchSize:      20,
			IdempotencyTTL: 24 * time.Hour,
			EmbeddedWorker: false,
		},
		Kafka: KafkaConfig{
			Enabled:       false,
			Brokers:       []string{"localhost:9092"},
			Topic:         "tradieflow.domain-events",
			ConsumerGroup: "tradieflow-automation",
		},
		AI: AIConfig{
			OpenAI: OpenAIConfig{
				BaseURL:     "https://api.openai.com/v1",
				Model:       "gpt-4o-mini",
				Temperature: 0.7,
				MaxTokens:   300,
				Timeout:     10 * time.Second,
			},
		},
		Fallback: FallbackConfig{
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:         true,
				MaxFailures:     5,
				ResetTimeout:    60 * time.Second,
				HalfOpenMaxReqs: 3,
			},
		},
		Email: EmailConfig{
			Provider: "log",
			From:     "no-reply@tradieflow.app",
			FromName: "Tradieflow",
			Timeout:  15 * time.Second,
			SendGrid: SendGridConfig{
				BaseURL: "https://api.sendgrid.com",
			},
			SMTP: SMTPConfig{
				Port: 587,
				TLS:  false,
			},
		},
		Automation: AutomationConfig{
			ExecutionRetention: 90 * 24 * time.Hour,
			RetentionSchedule:  "@daily",
		},
		JWT: JWTConfig{
			Secret: "default-secret-key",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/tradieflow.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			HealthChecks: HealthChecksConfig{
				Database: true,
				Redis:    true,
			},
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "tradieflow",
			},
		},
		Security: SecurityConfig{
			Auth: AuthConfig{
				Enabled:       true,
				DevUserHeader: "X-User-ID",
			},
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
				AllowedHeaders: []string{"*"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 60,
				Burst:             10,
			},
		},
	}
}

// PostgresDSN builds a DSN from the discrete fields unless DSN is set explicitly.
func (d DatabaseConfig) PostgresDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	ssl := d.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	tz := d.TimeZone
	if tz == "" {
		tz = "UTC"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
		d.Host, d.User, d.Password, d.Name, d.Port, ssl, tz)
}

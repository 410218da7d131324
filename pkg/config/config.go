package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage drivers accepted by DB_DRIVER
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	HTTP     HTTPConfig
	Ingest   IngestConfig
	Push     PushConfig
	Auth     AuthConfig
	Realtime RealtimeConfig
	Log      LogConfig
}

type DatabaseConfig struct {
	Driver        string
	Host          string
	Port          int
	User          string
	Password      string
	DBName        string
	SSLMode       string
	MigrationsDir string
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RedisConfig configures the latest-reading cache. An empty Addr disables it.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	LatestTTL time.Duration
}

// KafkaConfig configures the event mirror. No brokers disables it.
type KafkaConfig struct {
	Brokers     []string
	TopicIngest string
	TopicAlerts string
}

type HTTPConfig struct {
	Addr               string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	RateLimitPerMinute int
}

type IngestConfig struct {
	SharedSecret   string
	AlertThreshold int
}

type PushConfig struct {
	Endpoint       string
	APIKey         string
	Timeout        time.Duration
	MaxConcurrency int
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

type RealtimeConfig struct {
	MaxSessions int
	SendBuffer  int
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	config := &Config{
		Database: DatabaseConfig{
			Driver:        getEnv("DB_DRIVER", DriverPostgres),
			Host:          getEnv("DB_HOST", "localhost"),
			Port:          getEnvAsInt("DB_PORT", 5432),
			User:          getEnv("DB_USER", "aqi_user"),
			Password:      getEnv("DB_PASSWORD", "aqi_pass"),
			DBName:        getEnv("DB_NAME", "aqi_db"),
			SSLMode:       getEnv("DB_SSLMODE", "disable"),
			MigrationsDir: getEnv("DB_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", ""),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			LatestTTL: getEnvAsDuration("REDIS_LATEST_TTL", time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers:     splitList(getEnv("KAFKA_BROKERS", "")),
			TopicIngest: getEnv("KAFKA_TOPIC_INGEST", "aqi.ingest"),
			TopicAlerts: getEnv("KAFKA_TOPIC_ALERTS", "aqi.alerts"),
		},
		HTTP: HTTPConfig{
			Addr:               getEnv("HTTP_ADDR", ":8080"),
			ReadTimeout:        getEnvAsDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:       getEnvAsDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout:    getEnvAsDuration("HTTP_SHUTDOWN_TIMEOUT", 20*time.Second),
			RateLimitPerMinute: getEnvAsInt("HTTP_RATE_LIMIT_PER_MINUTE", 600),
		},
		Ingest: IngestConfig{
			SharedSecret:   os.Getenv("INGEST_SHARED_SECRET"),
			AlertThreshold: getEnvAsInt("ALERT_AQI_THRESHOLD", 300),
		},
		Push: PushConfig{
			Endpoint:       getEnv("PUSH_ENDPOINT", ""),
			APIKey:         getEnv("PUSH_API_KEY", ""),
			Timeout:        getEnvAsDuration("PUSH_TIMEOUT", 10*time.Second),
			MaxConcurrency: getEnvAsInt("PUSH_MAX_CONCURRENCY", 32),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("AUTH_JWT_SECRET"),
			Issuer:    getEnv("AUTH_ISSUER", ""),
		},
		Realtime: RealtimeConfig{
			MaxSessions: getEnvAsInt("WS_MAX_SESSIONS", 10000),
			SendBuffer:  getEnvAsInt("WS_SEND_BUFFER", 64),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// Validate checks the configuration. Hard errors prevent startup; warnings
// describe settings that leave part of the service fail-closed.
func (c *Config) Validate() (warnings []string, err error) {
	switch c.Database.Driver {
	case DriverPostgres, DriverMemory:
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	if c.Push.MaxConcurrency <= 0 {
		return nil, errors.New("PUSH_MAX_CONCURRENCY must be positive")
	}
	if c.Realtime.MaxSessions <= 0 {
		return nil, errors.New("WS_MAX_SESSIONS must be positive")
	}
	if c.Realtime.SendBuffer <= 0 {
		return nil, errors.New("WS_SEND_BUFFER must be positive")
	}
	if c.Ingest.AlertThreshold <= 0 {
		return nil, errors.New("ALERT_AQI_THRESHOLD must be positive")
	}

	if c.Ingest.SharedSecret == "" {
		warnings = append(warnings, "INGEST_SHARED_SECRET is empty: every ingestion request will be rejected")
	}
	if c.Auth.JWTSecret == "" {
		warnings = append(warnings, "AUTH_JWT_SECRET is empty: every user request will be rejected")
	}
	if c.Push.Endpoint == "" {
		warnings = append(warnings, "PUSH_ENDPOINT is empty: push notifications will be logged only")
	}
	return warnings, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	AWS      AWSConfig
	Session  SessionConfig
	Worker   WorkerConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
	MinConns int32
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL      string
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret       string
	ExpireHours  int
	SessionHours int
}

// AWSConfig holds AWS credentials and the session archive bucket. An empty bucket disables
// archiving.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ArchiveBucket   string
	Endpoint        string
}

// SessionConfig holds the session engine knobs.
type SessionConfig struct {
	StatusClear      time.Duration
	MessageDuration  int64 // milliseconds
	MessageQueue     int
	SeenCapacity     int
	Retention        time.Duration
	MaxReconnects    int
	ReconnectBackoff time.Duration
	CodeTTL          time.Duration // 0 = codes never expire by time
	CodeLength       int
}

// WorkerConfig holds background worker settings.
type WorkerConfig struct {
	Concurrency  int
	RetryBackoff time.Duration
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// CORSOrigins splits the configured origins.
func (c ServerConfig) CORSOrigins() []string {
	return splitTrim(c.CORSAllowedOrigins, ",")
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "tokprompt"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 25)),
			MinConns: int32(getEnvInt("DB_MIN_CONNS", 2)),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", ""),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:       getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours:  getEnvInt("JWT_EXPIRE_HOURS", 24),
			SessionHours: getEnvInt("JWT_SESSION_HOURS", 12),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ArchiveBucket:   getEnv("AWS_S3_ARCHIVE_BUCKET", ""),
			Endpoint:        getEnv("AWS_S3_ENDPOINT", ""),
		},
		Session: SessionConfig{
			StatusClear:      millis("SESSION_STATUS_CLEAR_MS", 2000),
			MessageDuration:  int64(getEnvInt("MESSAGE_DEFAULT_DURATION_MS", 5000)),
			MessageQueue:     getEnvInt("MESSAGE_QUEUE_LIMIT", 100),
			SeenCapacity:     getEnvInt("MESSAGE_SEEN_CAPACITY", 256),
			Retention:        time.Duration(getEnvInt("SESSION_RETENTION_HOURS", 24)) * time.Hour,
			MaxReconnects:    getEnvInt("SYNC_MAX_RECONNECTS", 5),
			ReconnectBackoff: millis("SYNC_RECONNECT_BACKOFF_MS", 1000),
			CodeTTL:          time.Duration(getEnvInt("ACCESS_CODE_TTL_HOURS", 0)) * time.Hour,
			CodeLength:       getEnvInt("ACCESS_CODE_LENGTH", 6),
		},
		Worker: WorkerConfig{
			Concurrency:  getEnvInt("WORKER_CONCURRENCY", 1),
			RetryBackoff: time.Duration(getEnvInt("WORKER_RETRY_BACKOFF_SEC", 10)) * time.Second,
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET must not be empty")
	}
	if c.Session.CodeLength < 4 {
		return fmt.Errorf("ACCESS_CODE_LENGTH must be at least 4, got %d", c.Session.CodeLength)
	}
	if c.Session.MessageDuration < 0 {
		return fmt.Errorf("MESSAGE_DEFAULT_DURATION_MS must not be negative")
	}
	if c.Session.MessageQueue <= 0 || c.Session.SeenCapacity <= 0 {
		return fmt.Errorf("MESSAGE_QUEUE_LIMIT and MESSAGE_SEEN_CAPACITY must be positive")
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 1
	}
	return nil
}

func millis(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Millisecond
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

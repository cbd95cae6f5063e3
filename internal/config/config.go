package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddr        string
	DatabaseURL     string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	KeyringKey      string
	JobWorkers      int
	WebhookWorkers  int
	QueueSize       int
	ProviderTimeout time.Duration
	WebhookVersion  string
	TrustProxy      bool
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
	RecoveryEvery   time.Duration
	Log             LogConfig
}

// LogConfig controls the process logger. An empty File logs to stdout.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		HTTPAddr:        getenv("HTTP_ADDR", ":8080"),
		DatabaseURL:     strings.TrimSpace(getenv("DATABASE_URL", "")),
		RedisAddr:       strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:   getenv("REDIS_PASSWORD", ""),
		RedisDB:         getenvInt("REDIS_DB", 0),
		KeyringKey:      strings.TrimSpace(getenv("KEYRING_KEY", "")),
		JobWorkers:      getenvInt("JOB_WORKERS", 4),
		WebhookWorkers:  getenvInt("WEBHOOK_WORKERS", 8),
		QueueSize:       getenvInt("QUEUE_SIZE", 1000),
		ProviderTimeout: getenvDuration("PROVIDER_TIMEOUT", 30*time.Second),
		WebhookVersion:  getenv("WEBHOOK_VERSION", "1.0.0"),
		TrustProxy:      getenvBool("TRUST_PROXY", false),
		MaxBodyBytes:    getenvInt64("MAX_BODY_BYTES", 32<<20),
		ShutdownTimeout: getenvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		RecoveryEvery:   getenvDuration("JOB_RECOVERY_INTERVAL", time.Minute),
		Log: LogConfig{
			Level:      strings.ToLower(getenv("LOG_LEVEL", "info")),
			File:       strings.TrimSpace(getenv("LOG_FILE", "")),
			MaxSizeMB:  getenvInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getenvInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getenvInt("LOG_MAX_AGE_DAYS", 30),
		},
	}
}

// Validate reports every missing or unusable setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.KeyringKey == "" {
		errs = append(errs, errors.New("KEYRING_KEY is required"))
	}
	if c.JobWorkers <= 0 || c.WebhookWorkers <= 0 {
		errs = append(errs, errors.New("JOB_WORKERS and WEBHOOK_WORKERS must be positive"))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, errors.New("QUEUE_SIZE must be positive"))
	}
	if c.ProviderTimeout <= 0 {
		errs = append(errs, errors.New("PROVIDER_TIMEOUT must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("MAX_BODY_BYTES must be positive"))
	}
	return errors.Join(errs...)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration accepts Go durations ("30s") or bare seconds ("30").
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

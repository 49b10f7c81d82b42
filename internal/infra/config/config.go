package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig holds all configuration for the dispatch service.
type AppConfig struct {
	DatabaseURL string
	RedisAddr   string
	HTTPPort    string

	LogLevel    string
	Environment string

	// Email provider selection and credentials. Provider is resolved once at
	// process wiring time, not per call.
	EmailProvider string // "smtp" or "sendgrid"
	EmailFrom     string
	EmailFromName string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string

	SendGridAPIKey string

	// Batching thresholds: a batch dispatches when it reaches BatchMaxSize
	// members or when BatchMaxWait has elapsed since its first member,
	// whichever comes first.
	BatchMaxSize int
	BatchMaxWait time.Duration

	// Retry policy applied by the job queue to dispatch jobs.
	JobAttempts    int
	JobBackoffBase time.Duration

	WorkerConcurrency int
	QueueRetention    time.Duration

	CronSpecRecoverySweep string
	CronSpecQueueCleanup  string
}

// Load reads configuration from environment variables and .env file (if present).
func Load() (*AppConfig, error) {
	// godotenv.Load will not override existing env variables.
	_ = godotenv.Load()

	cfg := &AppConfig{}
	var err error

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	cfg.RedisAddr = getEnvDefault("REDIS_ADDR", "localhost:6379")
	cfg.HTTPPort = getEnvDefault("HTTP_PORT", "8080")

	cfg.LogLevel = strings.ToLower(getEnvDefault("LOG_LEVEL", "info"))
	cfg.Environment = strings.ToLower(getEnvDefault("ENVIRONMENT", "development"))

	cfg.EmailProvider = strings.ToLower(getEnvDefault("EMAIL_PROVIDER", "smtp"))
	cfg.EmailFrom = os.Getenv("EMAIL_FROM")
	if cfg.EmailFrom == "" {
		return nil, fmt.Errorf("EMAIL_FROM is not set")
	}
	cfg.EmailFromName = getEnvDefault("EMAIL_FROM_NAME", "Notification Service")

	cfg.SMTPHost = getEnvDefault("SMTP_HOST", "localhost")
	cfg.SMTPPort, err = getEnvInt("SMTP_PORT", 587)
	if err != nil {
		return nil, err
	}
	cfg.SMTPUsername = os.Getenv("SMTP_USERNAME")
	cfg.SMTPPassword = os.Getenv("SMTP_PASSWORD")
	cfg.SendGridAPIKey = os.Getenv("SENDGRID_API_KEY")

	cfg.BatchMaxSize, err = getEnvInt("BATCH_MAX_SIZE", 5)
	if err != nil {
		return nil, err
	}
	if cfg.BatchMaxSize < 1 {
		return nil, fmt.Errorf("BATCH_MAX_SIZE must be at least 1")
	}

	batchMaxWaitSec, err := getEnvInt("BATCH_MAX_WAIT_TIME", 7200)
	if err != nil {
		return nil, err
	}
	cfg.BatchMaxWait = time.Duration(batchMaxWaitSec) * time.Second

	cfg.JobAttempts, err = getEnvInt("JOB_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}
	backoffMs, err := getEnvInt("JOB_BACKOFF_BASE_MS", 2000)
	if err != nil {
		return nil, err
	}
	cfg.JobBackoffBase = time.Duration(backoffMs) * time.Millisecond

	cfg.WorkerConcurrency, err = getEnvInt("WORKER_CONCURRENCY", 4)
	if err != nil {
		return nil, err
	}

	retentionHours, err := getEnvInt("QUEUE_RETENTION_HOURS", 24)
	if err != nil {
		return nil, err
	}
	cfg.QueueRetention = time.Duration(retentionHours) * time.Hour

	cfg.CronSpecRecoverySweep = getEnvDefault("CRON_SPEC_RECOVERY_SWEEP", "*/10 * * * *")
	cfg.CronSpecQueueCleanup = getEnvDefault("CRON_SPEC_QUEUE_CLEANUP", "0 * * * *")

	return cfg, nil
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

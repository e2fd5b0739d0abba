package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr              string
	LogLevel          string
	RedisURL          string
	DatabaseURL       string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAISecretName  string
	AWSRegion         string
	OTLPEndpoint      string
	RoutingConfigPath string
	WatchRouting      bool
	AdminAuthEnabled  bool
	AdminUsername     string
	AdminPassword     string

	// Async jobs and notifications
	SQSRequestQueueURL  string
	SQSResponseQueueURL string
	SNSTopicArn         string
	WorkerConcurrency   int
	// EncryptionKey seals queued job payloads when set.
	EncryptionKey       string
	EncryptionKeySecret string
	AlertDedupTTL       time.Duration

	ScoreCacheSize int64
	ScoreCacheTTL  time.Duration

	// Horizontal scaling features
	UseDistributedCircuitBreaker bool
	// UseDistributedLedgerLock locks ledger mutations in Redis whenever
	// REDIS_URL is set. Disable only for a single instance.
	UseDistributedLedgerLock     bool

	// Graceful shutdown
	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:                         getEnv("ADDR", ":8080"),
		LogLevel:                     getEnv("LOG_LEVEL", "info"),
		RedisURL:                     getEnv("REDIS_URL", ""),
		DatabaseURL:                  getEnv("DATABASE_URL", ""),
		OpenAIAPIKey:                 getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:                getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAISecretName:             getEnv("OPENAI_SECRET_NAME", ""),
		AWSRegion:                    getEnv("AWS_REGION", ""),
		OTLPEndpoint:                 getEnv("OTLP_ENDPOINT", ""),
		RoutingConfigPath:            getEnv("ROUTING_CONFIG", ""),
		WatchRouting:                 getEnv("ROUTING_CONFIG_WATCH", "false") == "true",
		AdminAuthEnabled:             getEnv("ADMIN_AUTH_ENABLED", "false") == "true",
		AdminUsername:                getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:                getEnv("ADMIN_PASSWORD", ""),
		SQSRequestQueueURL:           getEnv("SQS_REQUEST_QUEUE_URL", ""),
		SQSResponseQueueURL:          getEnv("SQS_RESPONSE_QUEUE_URL", ""),
		SNSTopicArn:                  getEnv("SNS_TOPIC_ARN", ""),
		WorkerConcurrency:            getIntEnv("WORKER_CONCURRENCY", 4),
		EncryptionKey:                getEnv("ENCRYPTION_KEY", ""),
		EncryptionKeySecret:          getEnv("ENCRYPTION_KEY_SECRET", ""),
		AlertDedupTTL:                getDurationEnv("ALERT_DEDUP_TTL", 24*time.Hour),
		ScoreCacheSize:               int64(getIntEnv("SCORE_CACHE_SIZE", 10000)),
		ScoreCacheTTL:                getDurationEnv("SCORE_CACHE_TTL", time.Hour),
		UseDistributedCircuitBreaker: getEnv("USE_DISTRIBUTED_CB", "false") == "true",
		UseDistributedLedgerLock:     getEnv("USE_DISTRIBUTED_LEDGER_LOCK", "true") == "true",
		ShutdownTimeout:              getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

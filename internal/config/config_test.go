package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	envVars := []string{
		"ADDR", "LOG_LEVEL", "REDIS_URL", "DATABASE_URL",
		"OPENAI_API_KEY", "OPENAI_BASE_URL", "OTLP_ENDPOINT",
		"AWS_REGION", "ROUTING_CONFIG", "ADMIN_AUTH_ENABLED",
		"WORKER_CONCURRENCY", "SHUTDOWN_TIMEOUT", "USE_DISTRIBUTED_LEDGER_LOCK",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"Addr", cfg.Addr, ":8080"},
		{"LogLevel", cfg.LogLevel, "info"},
		{"RedisURL", cfg.RedisURL, ""},
		{"DatabaseURL", cfg.DatabaseURL, ""},
		{"OpenAIAPIKey", cfg.OpenAIAPIKey, ""},
		{"OpenAIBaseURL", cfg.OpenAIBaseURL, "https://api.openai.com/v1"},
		{"OTLPEndpoint", cfg.OTLPEndpoint, ""},
		{"AWSRegion", cfg.AWSRegion, ""},
		{"RoutingConfigPath", cfg.RoutingConfigPath, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.expected)
			}
		})
	}

	if cfg.AdminAuthEnabled {
		t.Error("AdminAuthEnabled should default to false")
	}
	if cfg.WorkerConcurrency != 4 {
		t.Errorf("WorkerConcurrency = %d, want 4", cfg.WorkerConcurrency)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 30s", cfg.ShutdownTimeout)
	}
	if !cfg.UseDistributedLedgerLock {
		t.Error("UseDistributedLedgerLock should default to true")
	}
}

func TestLoad_LedgerLockOptOut(t *testing.T) {
	t.Setenv("USE_DISTRIBUTED_LEDGER_LOCK", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.UseDistributedLedgerLock {
		t.Error("UseDistributedLedgerLock = true, want false when opted out")
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("OPENAI_API_KEY", "sk-test-key")
	t.Setenv("ROUTING_CONFIG", "/etc/photorouter/routing.yaml")
	t.Setenv("ROUTING_CONFIG_WATCH", "true")
	t.Setenv("ADMIN_AUTH_ENABLED", "true")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("SHUTDOWN_TIMEOUT", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"Addr", cfg.Addr, ":9090"},
		{"LogLevel", cfg.LogLevel, "debug"},
		{"RedisURL", cfg.RedisURL, "redis://localhost:6379"},
		{"DatabaseURL", cfg.DatabaseURL, "postgres://localhost/test"},
		{"OpenAIAPIKey", cfg.OpenAIAPIKey, "sk-test-key"},
		{"RoutingConfigPath", cfg.RoutingConfigPath, "/etc/photorouter/routing.yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.expected)
			}
		})
	}

	if !cfg.AdminAuthEnabled {
		t.Error("AdminAuthEnabled should be true when ADMIN_AUTH_ENABLED=true")
	}
	if !cfg.WatchRouting {
		t.Error("WatchRouting should be true when ROUTING_CONFIG_WATCH=true")
	}
	if cfg.WorkerConcurrency != 8 {
		t.Errorf("WorkerConcurrency = %d, want 8", cfg.WorkerConcurrency)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 5s", cfg.ShutdownTimeout)
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		envValue     string
		defaultValue string
		expected     string
	}{
		{"env set", "TEST_VAR", "custom", "default", "custom"},
		{"env not set", "TEST_VAR_UNSET", "", "default", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.expected {
				t.Errorf("getEnv(%q, %q) = %q, want %q", tt.key, tt.defaultValue, got, tt.expected)
			}
		})
	}
}

func TestGetIntEnv_InvalidFallsBack(t *testing.T) {
	t.Setenv("TEST_INT", "not-a-number")

	if got := getIntEnv("TEST_INT", 3); got != 3 {
		t.Errorf("getIntEnv = %d, want 3", got)
	}
}

func TestLoad_EncryptionAndAlerts(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "queue-secret")
	t.Setenv("ALERT_DEDUP_TTL", "3600")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.EncryptionKey != "queue-secret" {
		t.Errorf("EncryptionKey = %q, want queue-secret", cfg.EncryptionKey)
	}
	if cfg.AlertDedupTTL != time.Hour {
		t.Errorf("AlertDedupTTL = %v, want 1h", cfg.AlertDedupTTL)
	}
}

func TestLoad_AdminAndScoreCache(t *testing.T) {
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "bootstrap-pw")
	t.Setenv("SCORE_CACHE_SIZE", "250")
	t.Setenv("SCORE_CACHE_TTL", "60")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.AdminUsername != "admin" {
		t.Errorf("AdminUsername = %q, want admin", cfg.AdminUsername)
	}
	if cfg.AdminPassword != "bootstrap-pw" {
		t.Errorf("AdminPassword = %q, want bootstrap-pw", cfg.AdminPassword)
	}
	if cfg.ScoreCacheSize != 250 {
		t.Errorf("ScoreCacheSize = %d, want 250", cfg.ScoreCacheSize)
	}
	if cfg.ScoreCacheTTL != time.Minute {
		t.Errorf("ScoreCacheTTL = %v, want 1m", cfg.ScoreCacheTTL)
	}
}

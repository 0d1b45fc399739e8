package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Host string
	Port int

	// Database configuration
	DatabasePath string

	// Cron trigger authentication
	CronSecret string

	// Test-account exclusion (exact match plus LIKE pattern for suffix match)
	TestEmailExact   string
	TestEmailPattern string

	// Reporting calendar
	ReportTimezone string

	// External collaborators (optional; degraded behavior when unset)
	BillingMetricsURL string
	NotifyWebhookURL  string

	// Backfill limits and query deadlines
	BackfillMaxDays int
	QueryTimeout    time.Duration

	// Metrics configuration
	MetricsEnabled bool
	MetricsHost    string
	MetricsPort    int

	// Logging configuration
	LogLevel string
}

// Load reads configuration from environment variables.
// A .env file in the working directory is loaded first if present.
// It fails fast if required variables are missing.
func Load() (*Config, error) {
	// Optional local overrides; a missing .env file is fine
	_ = godotenv.Load()

	cfg := &Config{
		// Optional values with defaults
		Host:             getEnv("HOST", "localhost"),
		Port:             getEnvInt("PORT", 4102),
		DatabasePath:     getEnv("DATABASE_PATH", "./data.db"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		TestEmailExact:   getEnv("TEST_EMAIL_EXACT", "test@test.lunary.app"),
		TestEmailPattern: getEnv("TEST_EMAIL_PATTERN", "%@test.lunary.app"),
		ReportTimezone:   getEnv("REPORT_TIMEZONE", "Europe/London"),

		BillingMetricsURL: getEnv("BILLING_METRICS_URL", ""),
		NotifyWebhookURL:  getEnv("NOTIFY_WEBHOOK_URL", ""),

		BackfillMaxDays: getEnvInt("BACKFILL_MAX_DAYS", 90),
		QueryTimeout:    time.Duration(getEnvInt("QUERY_TIMEOUT_SECONDS", 30)) * time.Second,

		MetricsEnabled: getEnvBool("METRICS_ENABLED", false),
		MetricsHost:    getEnv("METRICS_HOST", "localhost"),
		MetricsPort:    getEnvInt("METRICS_PORT", 9102),
	}

	// Required values
	var missingVars []string

	cfg.CronSecret = os.Getenv("CRON_SECRET")
	if cfg.CronSecret == "" {
		missingVars = append(missingVars, "CRON_SECRET")
	}

	if len(missingVars) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missingVars)
	}

	if cfg.BackfillMaxDays < 1 {
		return nil, fmt.Errorf("BACKFILL_MAX_DAYS must be at least 1, got %d", cfg.BackfillMaxDays)
	}

	if _, err := time.LoadLocation(cfg.ReportTimezone); err != nil {
		return nil, fmt.Errorf("invalid REPORT_TIMEZONE %q: %w", cfg.ReportTimezone, err)
	}

	return cfg, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvBool gets a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

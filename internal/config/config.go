package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	CORSAllowedOrigins []string

	AWSRegion                string
	AWSAccessKeyID           string
	AWSSecretAccessKey       string
	AWSEndpointOverride      string
	SchedulingEventsQueueURL string

	// ClinicTimezone is the IANA zone used for slot-local rules such as
	// early-morning detection in no-show scoring.
	ClinicTimezone string

	OutboxBatchSize      int
	OutboxRetryBase      time.Duration
	OutboxRetryMax       time.Duration
	IntentTTLAfterWindow time.Duration
	ProjectionLockTTL    time.Duration
	SuggestionDismissTTL time.Duration

	// Capacity rebalancing
	RebalanceLookaheadDays int
	RebalanceFreezeHours   int
	RebalanceHysteresis    int
	RebalanceTargetConsult int
	RebalanceTargetWork    int
	RebalanceTargetControl int
	RebalanceMinConsult    int
	RebalanceMinWork       int
	RebalanceMinControl    int

	FeedMaxItems          int
	CalibrationWindowDays int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     strings.TrimSpace(getEnv("REDIS_ADDR", "")),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		CORSAllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS"),

		AWSRegion:                getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:           getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:       getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride:      getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		SchedulingEventsQueueURL: getEnv("SCHEDULING_EVENTS_QUEUE_URL", ""),

		ClinicTimezone: getEnv("CLINIC_TIMEZONE", "UTC"),

		OutboxBatchSize:      getEnvAsInt("OUTBOX_BATCH_SIZE", 200),
		OutboxRetryBase:      getEnvAsDuration("OUTBOX_RETRY_BASE", 30*time.Second),
		OutboxRetryMax:       getEnvAsDuration("OUTBOX_RETRY_MAX", time.Hour),
		IntentTTLAfterWindow: getEnvAsDuration("INTENT_TTL_AFTER_WINDOW", 24*time.Hour),
		ProjectionLockTTL:    getEnvAsDuration("PROJECTION_LOCK_TTL", 30*time.Second),
		SuggestionDismissTTL: getEnvAsDuration("SUGGESTION_DISMISS_TTL", 14*24*time.Hour),

		RebalanceLookaheadDays: getEnvAsInt("REBALANCE_LOOKAHEAD_DAYS", 7),
		RebalanceFreezeHours:   getEnvAsInt("REBALANCE_FREEZE_HOURS", 24),
		RebalanceHysteresis:    getEnvAsInt("REBALANCE_HYSTERESIS", 2),
		RebalanceTargetConsult: getEnvAsInt("REBALANCE_TARGET_CONSULT", 6),
		RebalanceTargetWork:    getEnvAsInt("REBALANCE_TARGET_WORK", 10),
		RebalanceTargetControl: getEnvAsInt("REBALANCE_TARGET_CONTROL", 4),
		RebalanceMinConsult:    getEnvAsInt("REBALANCE_MIN_CONSULT", 2),
		RebalanceMinWork:       getEnvAsInt("REBALANCE_MIN_WORK", 0),
		RebalanceMinControl:    getEnvAsInt("REBALANCE_MIN_CONTROL", 0),

		FeedMaxItems:          getEnvAsInt("FEED_MAX_ITEMS", 500),
		CalibrationWindowDays: getEnvAsInt("CALIBRATION_WINDOW_DAYS", 180),
	}
}

// Location resolves ClinicTimezone, falling back to UTC for unknown zones.
func (c *Config) Location() *time.Location {
	if c == nil || c.ClinicTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsSlice splits a comma-separated variable, dropping blanks.
func getEnvAsSlice(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

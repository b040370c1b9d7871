// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all safety-monitor tunables. Empty DatabaseURL selects the
// in-memory store; empty KafkaBrokers disables the event bus.
type Config struct {
	Port     string
	LogLevel string
	APIKey   string

	DatabaseURL  string
	KafkaBrokers []string
	KafkaGroupID string

	OpenFDABaseURL   string
	OpenFDAAPIKey    string
	OpenFDATimeout   time.Duration
	OpenFDACacheTTL  time.Duration
	OpenFDAPerMinute int
	OpenFDAPerDay    int

	CheckInterval  time.Duration
	ScanInterval   time.Duration
	SeverityFloor  string
	RecallWindow   time.Duration
	AlertTTL       time.Duration
	DeliveryWorker int

	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with development
// defaults.
func Load() Config {
	return Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		APIKey:   getEnv("API_KEY", ""),

		DatabaseURL:  getEnv("DATABASE_URL", ""),
		KafkaBrokers: getEnvList("KAFKA_BROKERS", nil),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "safety-monitor"),

		OpenFDABaseURL:   getEnv("OPENFDA_BASE_URL", "https://api.fda.gov"),
		OpenFDAAPIKey:    getEnv("OPENFDA_API_KEY", ""),
		OpenFDATimeout:   getEnvDuration("OPENFDA_TIMEOUT", 10*time.Second),
		OpenFDACacheTTL:  getEnvDuration("OPENFDA_CACHE_TTL", time.Hour),
		OpenFDAPerMinute: getEnvInt("OPENFDA_REQUESTS_PER_MINUTE", 40),
		OpenFDAPerDay:    getEnvInt("OPENFDA_REQUESTS_PER_DAY", 1000),

		CheckInterval:  getEnvDuration("CHECK_INTERVAL", 24*time.Hour),
		ScanInterval:   getEnvDuration("SCAN_INTERVAL", 15*time.Minute),
		SeverityFloor:  getEnv("SEVERITY_FLOOR", "low"),
		RecallWindow:   getEnvDuration("RECALL_WINDOW", 90*24*time.Hour),
		AlertTTL:       getEnvDuration("ALERT_TTL", 90*24*time.Hour),
		DeliveryWorker: getEnvInt("DELIVERY_WORKERS", 4),

		OTLPEndpoint: getEnv("OTLP_ENDPOINT", ""),
		ServiceName:  getEnv("SERVICE_NAME", "safety-monitor"),
	}
}

// APIKeys returns the key-to-client map for the auth middleware. Empty when
// no key is configured, which disables auth.
func (c Config) APIKeys() map[string]string {
	if c.APIKey == "" {
		return nil
	}
	return map[string]string{c.APIKey: "env-client"}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

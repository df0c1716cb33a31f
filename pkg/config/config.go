// Package config loads platform configuration from environment variables
// and per-tenant tuning profiles from YAML files.
package config

import (
	"os"
	"time"
)

// Config holds platform configuration.
type Config struct {
	LogLevel string

	// Engram storage
	EngramDir string

	// Policy service. Empty paths and a zero timeout take the policy
	// client's defaults.
	PolicyURL       string
	PolicyAgentPath string
	PolicyTierPath  string
	PolicyTimeout   time.Duration

	// LLM provider. An empty model selects the agent default.
	LLMBaseURL string
	LLMModel   string
	LLMAPIKey  string

	// SIEM cluster
	SIEMURL      string
	SIEMAPIKey   string
	SIEMUsername string
	SIEMPassword string
	SIEMIndex    string

	// Findings store: driver "sqlite" or "postgres" with a matching DSN.
	FindingsDriver string
	FindingsDSN    string

	// Observability
	TelemetryEnabled bool
	OTLPEndpoint     string
	Environment      string

	// ServiceTokenSecret signs service-to-service tokens. Empty disables
	// token auth on outbound clients.
	ServiceTokenSecret string

	// RedisAddr enables the shared rate limiter. Empty keeps limiters
	// in-process.
	RedisAddr string

	// Vulnerability intel feeds. Empty URLs take the public endpoints.
	NVDBaseURL  string
	NVDAPIKey   string
	EPSSBaseURL string
	KEVURL      string

	// ProfilesDir holds tenant profile YAML files.
	ProfilesDir string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		LogLevel: envOr("LOG_LEVEL", "INFO"),

		EngramDir: envOr("ENGRAM_DIR", "./data/engrams"),

		PolicyURL:       envOr("POLICY_URL", "http://localhost:8181"),
		PolicyAgentPath: os.Getenv("POLICY_AGENT_PATH"),
		PolicyTierPath:  os.Getenv("POLICY_TIER_PATH"),
		PolicyTimeout:   envDuration("POLICY_TIMEOUT"),

		// Default to a local OpenAI-compatible gateway.
		LLMBaseURL: envOr("LLM_URL", "http://localhost:1234"),
		LLMModel:   os.Getenv("LLM_MODEL"),
		LLMAPIKey:  os.Getenv("LLM_API_KEY"),

		SIEMURL:      envOr("SIEM_URL", "http://localhost:9200"),
		SIEMAPIKey:   os.Getenv("SIEM_API_KEY"),
		SIEMUsername: os.Getenv("SIEM_USERNAME"),
		SIEMPassword: os.Getenv("SIEM_PASSWORD"),
		SIEMIndex:    os.Getenv("SIEM_INDEX"),

		FindingsDriver: envOr("FINDINGS_DRIVER", "sqlite"),
		FindingsDSN:    envOr("FINDINGS_DSN", "./data/findings.db"),

		TelemetryEnabled: os.Getenv("TELEMETRY_ENABLED") == "true",
		OTLPEndpoint:     envOr("OTLP_ENDPOINT", "localhost:4317"),
		Environment:      envOr("ENVIRONMENT", "development"),

		ServiceTokenSecret: os.Getenv("SERVICE_TOKEN_SECRET"),

		RedisAddr: os.Getenv("REDIS_ADDR"),

		NVDBaseURL:  os.Getenv("NVD_URL"),
		NVDAPIKey:   os.Getenv("NVD_API_KEY"),
		EPSSBaseURL: os.Getenv("EPSS_URL"),
		KEVURL:      os.Getenv("KEV_URL"),

		ProfilesDir: envOr("PROFILES_DIR", "./profiles"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envDuration parses a Go duration string; unset or malformed values
// return zero so the consuming client applies its own default.
func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

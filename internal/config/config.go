// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"; empty picks by Env
	LogFile   string // optional rotated log file

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // optional; enables Redis event fan-out

	// Auth
	JWTSecret              string
	AdminPrincipals        []string
	ResolverPrincipals     []string
	NotifierPrincipals     []string
	RiskReporterPrincipals []string

	// Bitcoin settings
	BTCNetwork                 string // mainnet, testnet, regtest
	BTCRequiredConfirmations   uint32
	CkBTCRequiredConfirmations uint32
	EsploraURL                 string // optional; enables the deposit watcher
	WatcherPollInterval        time.Duration

	// Collaborators
	AIGatewayURL string // optional; local risk engine is used when unset
	SignerURL    string // remote signing service
	SignerAPIKey string
	SignerSeed   string // deterministic address derivation when no signer URL is set

	// Background jobs
	TimeoutCheckInterval time.Duration
	ReconcileInterval    time.Duration

	// HTTP surface
	RateLimitRPM int
	CORSOrigins  []string

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort                       = "8080"
	DefaultEnv                        = "development"
	DefaultLogLevel                   = "info"
	DefaultBTCNetwork                 = "testnet"
	DefaultBTCRequiredConfirmations   = 6
	DefaultCkBTCRequiredConfirmations = 1
	DefaultWatcherPollInterval        = 30 * time.Second
	DefaultTimeoutCheckInterval       = 30 * time.Second
	DefaultReconcileInterval          = 5 * time.Minute
	DefaultRateLimitRPM               = 120

	// devSignerSeed is only accepted outside production.
	devSignerSeed = "escrowd-development-seed"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                       getEnv("PORT", DefaultPort),
		Env:                        getEnv("ENV", DefaultEnv),
		LogLevel:                   getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                  os.Getenv("LOG_FORMAT"),
		LogFile:                    os.Getenv("LOG_FILE"),
		DatabaseURL:                os.Getenv("DATABASE_URL"),
		RedisURL:                   os.Getenv("REDIS_URL"),
		JWTSecret:                  os.Getenv("JWT_SECRET"),
		AdminPrincipals:            getEnvList("ADMIN_PRINCIPALS"),
		ResolverPrincipals:         getEnvList("RESOLVER_PRINCIPALS"),
		NotifierPrincipals:         getEnvList("NOTIFIER_PRINCIPALS"),
		RiskReporterPrincipals:     getEnvList("RISK_REPORTER_PRINCIPALS"),
		BTCNetwork:                 getEnv("BTC_NETWORK", DefaultBTCNetwork),
		BTCRequiredConfirmations:   getEnvUint32("BTC_REQUIRED_CONFIRMATIONS", DefaultBTCRequiredConfirmations),
		CkBTCRequiredConfirmations: getEnvUint32("CKBTC_REQUIRED_CONFIRMATIONS", DefaultCkBTCRequiredConfirmations),
		EsploraURL:                 os.Getenv("ESPLORA_URL"),
		WatcherPollInterval:        getEnvDuration("WATCHER_POLL_INTERVAL", DefaultWatcherPollInterval),
		AIGatewayURL:               os.Getenv("AI_GATEWAY_URL"),
		SignerURL:                  os.Getenv("SIGNER_URL"),
		SignerAPIKey:               os.Getenv("SIGNER_API_KEY"),
		SignerSeed:                 os.Getenv("SIGNER_SEED"),
		TimeoutCheckInterval:       getEnvDuration("TIMEOUT_CHECK_INTERVAL", DefaultTimeoutCheckInterval),
		ReconcileInterval:          getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		RateLimitRPM:               int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:                getEnvList("CORS_ORIGINS"),
		OTLPEndpoint:               os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.SignerURL == "" && cfg.SignerSeed == "" && !cfg.IsProduction() {
		cfg.SignerSeed = devSignerSeed
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}

	switch c.BTCNetwork {
	case "mainnet", "testnet", "regtest":
	default:
		return fmt.Errorf("BTC_NETWORK must be one of mainnet, testnet, regtest (got %q)", c.BTCNetwork)
	}

	if c.BTCRequiredConfirmations == 0 {
		return fmt.Errorf("BTC_REQUIRED_CONFIRMATIONS must be at least 1")
	}
	if c.CkBTCRequiredConfirmations == 0 {
		return fmt.Errorf("CKBTC_REQUIRED_CONFIRMATIONS must be at least 1")
	}

	if c.SignerURL == "" && c.SignerSeed == "" {
		return fmt.Errorf("SIGNER_URL or SIGNER_SEED is required")
	}
	if c.IsProduction() && c.SignerSeed == devSignerSeed {
		return fmt.Errorf("SIGNER_SEED must not use the development seed in production")
	}

	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedLogFormat returns LOG_FORMAT, defaulting to json in production
// and text elsewhere.
func (c *Config) ResolvedLogFormat() string {
	if c.LogFormat != "" {
		return c.LogFormat
	}
	if c.IsProduction() {
		return "json"
	}
	return "text"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseUint(value, 10, 32); err == nil {
			return uint32(i)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Package config loads gateway runtime configuration from the environment,
// following the same env-var-with-fallback idiom the teacher's
// escrow-gateway service uses.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ChainConfig describes the escrow contract and its RPC endpoints.
type ChainConfig struct {
	RPCURLs         []string
	AuthToken       string
	ContractAddress string
}

// PriceOracleConfig configures the PriceOracle refresh loop.
type PriceOracleConfig struct {
	Endpoint        string
	RefreshInterval time.Duration
	MaxAge          time.Duration
}

// WebhookConfig configures the dispatcher's retry policy and queue sizing.
type WebhookConfig struct {
	QueueCapacity   int
	HistoryCapacity int
	QueueTTL        time.Duration
	MaxAttempts     int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	RatePerMinute   int
}

// SchedulerConfig configures the periodic job cadences.
type SchedulerConfig struct {
	ExpireInterval      time.Duration
	AutoReleaseInterval time.Duration
	WebhookSweep        time.Duration
	PayoutBatchInterval time.Duration
	CursorAdvanceTick   time.Duration
	LeaseDuration       time.Duration
}

// Config is the fully resolved gateway configuration.
type Config struct {
	ListenAddress    string
	DatabaseDriver   string
	DatabaseDSN      string
	HoldWindow       time.Duration
	OTelEndpoint     string
	OTelInsecure     bool
	Environment      string
	LogFile          string
	ReconOutputDir   string
	JWTSecret        string
	APIRatePerSecond float64
	APIRateBurst     int
	Chain            ChainConfig
	PriceOracle      PriceOracleConfig
	Webhook          WebhookConfig
	Scheduler        SchedulerConfig
}

// LoadFromEnv builds a Config using environment variables, applying the same
// sane-default-then-override shape as the teacher's LoadConfigFromEnv.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		ListenAddress:  getenvDefault("GATEWAY_LISTEN", ":8080"),
		DatabaseDriver: getenvDefault("GATEWAY_DB_DRIVER", "postgres"),
		DatabaseDSN:    os.Getenv("GATEWAY_DB_DSN"),
		HoldWindow:     5 * time.Minute,
		OTelEndpoint:   getenvDefault("GATEWAY_OTEL_ENDPOINT", "localhost:4318"),
		Environment:    getenvDefault("GATEWAY_ENV", "development"),
		LogFile:        os.Getenv("GATEWAY_LOG_FILE"),
		ReconOutputDir: getenvDefault("GATEWAY_RECON_OUTPUT_DIR", "./recon-reports"),
		JWTSecret:      os.Getenv("GATEWAY_JWT_SECRET"),
		APIRatePerSecond: 10,
		APIRateBurst:     20,
		Chain: ChainConfig{
			AuthToken:       os.Getenv("GATEWAY_CHAIN_TOKEN"),
			ContractAddress: os.Getenv("GATEWAY_ESCROW_CONTRACT"),
		},
		PriceOracle: PriceOracleConfig{
			Endpoint:        os.Getenv("GATEWAY_PRICE_ENDPOINT"),
			RefreshInterval: 30 * time.Second,
			MaxAge:          5 * time.Minute,
		},
		Webhook: WebhookConfig{
			QueueCapacity:   1024,
			HistoryCapacity: 256,
			QueueTTL:        15 * time.Minute,
			MaxAttempts:     5,
			BaseBackoff:     time.Second,
			MaxBackoff:      10 * time.Minute,
			RatePerMinute:   60,
		},
		Scheduler: SchedulerConfig{
			ExpireInterval:      30 * time.Second,
			AutoReleaseInterval: 30 * time.Second,
			WebhookSweep:        5 * time.Second,
			PayoutBatchInterval: time.Hour,
			CursorAdvanceTick:   5 * time.Second,
			LeaseDuration:       45 * time.Second,
		},
	}

	if raw := strings.TrimSpace(os.Getenv("GATEWAY_OTEL_INSECURE")); raw != "" {
		val, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse GATEWAY_OTEL_INSECURE: %w", err)
		}
		cfg.OTelInsecure = val
	}

	if raw := strings.TrimSpace(os.Getenv("GATEWAY_HOLD_WINDOW")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse GATEWAY_HOLD_WINDOW: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("GATEWAY_HOLD_WINDOW must be positive")
		}
		cfg.HoldWindow = dur
	}

	rpcJSON := strings.TrimSpace(os.Getenv("GATEWAY_CHAIN_RPC_URLS"))
	if rpcJSON == "" {
		return Config{}, errors.New("GATEWAY_CHAIN_RPC_URLS is required")
	}
	var urls []string
	if err := json.Unmarshal([]byte(rpcJSON), &urls); err != nil {
		return Config{}, fmt.Errorf("parse GATEWAY_CHAIN_RPC_URLS: %w", err)
	}
	if len(urls) == 0 {
		return Config{}, errors.New("GATEWAY_CHAIN_RPC_URLS must list at least one endpoint")
	}
	cfg.Chain.RPCURLs = urls

	if cfg.Chain.ContractAddress == "" {
		return Config{}, errors.New("GATEWAY_ESCROW_CONTRACT is required")
	}

	if cfg.DatabaseDSN == "" && cfg.DatabaseDriver != "sqlite" {
		return Config{}, errors.New("GATEWAY_DB_DSN is required for driver " + cfg.DatabaseDriver)
	}
	if cfg.DatabaseDriver == "sqlite" && cfg.DatabaseDSN == "" {
		cfg.DatabaseDSN = "file:gateway.db?cache=shared&_pragma=busy_timeout(5000)"
	}

	if raw := strings.TrimSpace(os.Getenv("GATEWAY_PRICE_REFRESH_INTERVAL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse GATEWAY_PRICE_REFRESH_INTERVAL: %w", err)
		}
		cfg.PriceOracle.RefreshInterval = dur
	}
	if raw := strings.TrimSpace(os.Getenv("GATEWAY_PRICE_MAX_AGE")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse GATEWAY_PRICE_MAX_AGE: %w", err)
		}
		cfg.PriceOracle.MaxAge = dur
	}

	if raw := strings.TrimSpace(os.Getenv("GATEWAY_WEBHOOK_QUEUE_CAP")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse GATEWAY_WEBHOOK_QUEUE_CAP: %w", err)
		}
		cfg.Webhook.QueueCapacity = val
	}
	if raw := strings.TrimSpace(os.Getenv("GATEWAY_WEBHOOK_MAX_ATTEMPTS")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse GATEWAY_WEBHOOK_MAX_ATTEMPTS: %w", err)
		}
		cfg.Webhook.MaxAttempts = val
	}

	if raw := strings.TrimSpace(os.Getenv("GATEWAY_API_RATE_PER_SECOND")); raw != "" {
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse GATEWAY_API_RATE_PER_SECOND: %w", err)
		}
		cfg.APIRatePerSecond = val
	}
	if raw := strings.TrimSpace(os.Getenv("GATEWAY_API_RATE_BURST")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse GATEWAY_API_RATE_BURST: %w", err)
		}
		cfg.APIRateBurst = val
	}

	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

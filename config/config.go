package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all origin server configuration.
type Config struct {
	// Port is the HTTP listen port.
	Port int

	// UpstreamURL is the compute backend the origin delegates to once a
	// payment has been verified.
	UpstreamURL string

	// GatewayURL is this origin's own public URL. It is loaded but not
	// used by the origin; the PAYMENT-REQUIRED envelope has no resource
	// field.
	GatewayURL string

	// AmountMicroUSDC is the fixed price of the protected resource, in
	// micro-USDC (1 USDC = 1,000,000).
	AmountMicroUSDC int64

	// ChallengeSecret MACs issued challenges, used as-is (not hex-decoded)
	// and at least 32 characters long. Empty disables payment gating
	// (pass-through mode).
	ChallengeSecret string

	// ChallengeTTLSeconds is how long an issued challenge remains valid.
	ChallengeTTLSeconds int64

	// Network is the CAIP-2-ish network label carried in the 402 envelope.
	Network string

	// PayTo is the address clients should pay, carried in the 402 envelope.
	PayTo string

	// LedgerPath is where the origin's idempotent payment ledger is
	// persisted.
	LedgerPath string
}

// Load reads configuration from environment variables.
// A .env file in the working directory is loaded if present (dev convenience).
func Load() (*Config, error) {
	_ = godotenv.Load() // no-op if .env absent (production uses real env vars)
	cfg := &Config{
		Port:                getEnvInt("PORT", 8080),
		UpstreamURL:         getEnv("UPSTREAM_URL", "http://localhost:9000"),
		GatewayURL:          getEnv("GATEWAY_URL", ""),
		AmountMicroUSDC:     int64(getEnvInt("AMOUNT_MICROUSDC", 1000)),
		ChallengeSecret:     getEnv("CHALLENGE_SECRET", ""),
		ChallengeTTLSeconds: int64(getEnvInt("CHALLENGE_TTL_SECONDS", 300)),
		Network:             getEnv("NETWORK", "off-chain"),
		PayTo:               getEnv("PAY_TO", ""),
		LedgerPath:          getEnv("LEDGER_PATH", "./data/ledger.json"),
	}

	if cfg.ChallengeSecret != "" {
		if len(cfg.ChallengeSecret) < 32 {
			return nil, fmt.Errorf("CHALLENGE_SECRET must be at least 32 characters")
		}
		if cfg.PayTo == "" {
			return nil, fmt.Errorf("PAY_TO env var is required when CHALLENGE_SECRET is set")
		}
		if cfg.AmountMicroUSDC <= 0 {
			return nil, fmt.Errorf("AMOUNT_MICROUSDC must be positive")
		}
		if cfg.ChallengeTTLSeconds <= 0 {
			return nil, fmt.Errorf("CHALLENGE_TTL_SECONDS must be positive")
		}
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

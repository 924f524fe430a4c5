package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/ChaosChain/chaoschain-ace-sdk/config"
	"github.com/ChaosChain/chaoschain-ace-sdk/origin"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	upstream, err := origin.NewUpstream(cfg.UpstreamURL)
	if err != nil {
		slog.Error("failed to create upstream client", "err", err)
		os.Exit(1)
	}

	ledger := origin.NewPaymentLedger(cfg.LedgerPath)

	// Wire up payment gating.
	//   - CHALLENGE_SECRET set    → 402 challenges issued, payments verified and settled
	//   - CHALLENGE_SECRET empty  → every request forwarded upstream (no payment gate),
	//                               result returned in the paid-response JSON envelope
	if cfg.ChallengeSecret != "" {
		slog.Info("payment mode: gated", "network", cfg.Network, "pay_to", cfg.PayTo)
	} else {
		slog.Info("payment mode: disabled (set CHALLENGE_SECRET to enable)")
	}

	verifier := origin.NewVerifier(origin.VerifierConfig{
		AmountMicroUSDC:     cfg.AmountMicroUSDC,
		ChallengeSecret:     cfg.ChallengeSecret,
		ChallengeTTLSeconds: cfg.ChallengeTTLSeconds,
		Network:             cfg.Network,
		PayTo:               cfg.PayTo,
		Ledger:              ledger,
		Upstream:            upstream,
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	slog.Info("origin server starting",
		"addr", addr,
		"upstream", cfg.UpstreamURL,
		"network", cfg.Network,
		"pay_to", cfg.PayTo,
		"amount_microusdc", cfg.AmountMicroUSDC,
		"ledger_path", cfg.LedgerPath,
	)

	if err := http.ListenAndServe(addr, verifier); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

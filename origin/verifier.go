package origin

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ChaosChain/chaoschain-ace-sdk/challenge"
	"github.com/ChaosChain/chaoschain-ace-sdk/payment"
	"github.com/ChaosChain/chaoschain-ace-sdk/wire"
)

// paymentHeaderNames are the request headers a client may present a
// payment under. Lookup via http.Header.Get is already case-insensitive.
var paymentHeaderNames = []string{"Payment-Signature", "X-Payment", "X-Ace-Payment"}

// VerifierConfig groups the dependencies and configured terms of one
// protected resource.
type VerifierConfig struct {
	// AmountMicroUSDC is the fixed price of the protected resource.
	AmountMicroUSDC int64
	// ChallengeSecret MACs issued challenges. Empty disables payment
	// gating entirely (pass-through mode).
	ChallengeSecret string
	// ChallengeTTLSeconds is how long an issued challenge remains valid.
	ChallengeTTLSeconds int64
	// Network is the CAIP-2-ish network label carried in the 402 envelope.
	Network string
	// PayTo is the address clients should pay, carried in the 402 envelope.
	PayTo string
	// Ledger settles payments idempotently.
	Ledger *PaymentLedger
	// Upstream executes the protected work.
	Upstream *Upstream
	// Logger receives structured verification logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Verifier implements spec.md's origin verification pipeline: 402 issuance,
// ordered payment verification, idempotent settlement, and the paid
// response envelope.
type Verifier struct {
	cfg    VerifierConfig
	logger *slog.Logger
}

// NewVerifier builds a Verifier from cfg.
func NewVerifier(cfg VerifierConfig) *Verifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChallengeSecret == "" {
		logger.Warn("origin: payment gating disabled (empty challenge secret), forwarding all requests")
	}
	return &Verifier{cfg: cfg, logger: logger}
}

// ServeHTTP implements http.Handler: it is the entry point for every
// request to the protected resource.
func (v *Verifier) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if v.cfg.ChallengeSecret == "" {
		v.forwardUnpaid(w, r)
		return
	}

	encoded, headerName := findPaymentHeader(r)
	if encoded == "" {
		v.send402(w, r, "")
		return
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		v.writeError(w, http.StatusInternalServerError, "", "failed to read request body")
		return
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	signed, err := wire.DecodeSignedPaymentHeader(encoded)
	if err != nil {
		v.writeError(w, http.StatusUnprocessableEntity, "invalid_payment", fmt.Sprintf("could not decode %s header: %v", headerName, err))
		return
	}

	requestContext := payment.RequestContext{Method: r.Method, URL: r.URL.String(), Body: string(bodyBytes)}
	if reason, msg := v.verify(signed, requestContext, time.Now()); reason != "" {
		v.writeError(w, http.StatusUnprocessableEntity, reason, msg)
		return
	}

	attempt := PaymentLogRecord{
		IdempotencyKey:  signed.IdempotencyKey,
		Payer:           strings.ToLower(signed.Payer),
		AmountMicroUSDC: signed.AmountMicroUSDC,
		RequestHash:     signed.RequestHash,
		ChallengeID:     signed.ChallengeID,
	}

	record, replayed, err := v.cfg.Ledger.Settle(attempt, func() (json.RawMessage, error) {
		return v.cfg.Upstream.Compute(r)
	})
	if err != nil {
		if err == ErrIdempotencyConflict {
			v.writeError(w, http.StatusConflict, "idempotency_key_conflict", "idempotency key reused with mismatched payment fields")
			return
		}
		v.writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}

	v.writePaidResponse(w, encoded, record, replayed)
}

// forwardUnpaid is the pass-through path used when payment gating is
// disabled entirely.
func (v *Verifier) forwardUnpaid(w http.ResponseWriter, r *http.Request) {
	result, err := v.cfg.Upstream.Compute(r)
	if err != nil {
		v.writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(wire.PaidResponseBody{Status: "ok", Replayed: false, Result: result})
}

// verify runs spec.md §4.G's ordered verification checks. It returns a
// non-empty machine-readable reason and message on the first failing
// check, or ("", "") if every check passes.
func (v *Verifier) verify(signed payment.SignedPayment, rc payment.RequestContext, now time.Time) (reason, message string) {
	if signed.Version != challenge.ACEPaymentVersion {
		return "invalid_payment", fmt.Sprintf("unsupported payment version %q", signed.Version)
	}
	if signed.Currency != "USDC" {
		return "invalid_payment", fmt.Sprintf("unsupported currency %q", signed.Currency)
	}
	if signed.ChallengeID != signed.Challenge.ChallengeID {
		return "invalid_payment", "challengeId does not match embedded challenge"
	}

	resource, err := payment.DeriveResource(rc.URL)
	if err != nil {
		return "invalid_payment", fmt.Sprintf("could not derive resource: %v", err)
	}
	if signed.Challenge.Resource != resource {
		return "invalid_payment", fmt.Sprintf("challenge resource %q does not match request resource %q", signed.Challenge.Resource, resource)
	}
	if signed.Challenge.Method != strings.ToUpper(rc.Method) {
		return "invalid_payment", fmt.Sprintf("challenge method %q does not match request method %q", signed.Challenge.Method, strings.ToUpper(rc.Method))
	}

	expectedChallengeHash, err := payment.DeriveChallengeHash(signed.Challenge)
	if err != nil {
		return "invalid_payment", fmt.Sprintf("could not derive challenge hash: %v", err)
	}
	if signed.ChallengeHash != expectedChallengeHash {
		return "invalid_payment", "challengeHash does not match embedded challenge"
	}

	expectedRequestHash, err := payment.DeriveRequestHash(rc)
	if err != nil {
		return "invalid_payment", fmt.Sprintf("could not derive request hash: %v", err)
	}
	if signed.RequestHash != expectedRequestHash {
		return "invalid_payment", "requestHash does not match current request"
	}

	if !challenge.VerifyChallenge(signed.Challenge, v.cfg.ChallengeSecret) {
		return "invalid_payment", "challenge MAC verification failed"
	}

	expiresAt, err := time.Parse(time.RFC3339, signed.Challenge.ExpiresAt)
	if err != nil {
		return "invalid_payment", fmt.Sprintf("unparseable challenge expiresAt: %v", err)
	}
	if !expiresAt.After(now) {
		return "invalid_payment", "challenge has expired"
	}

	expectedKey, err := payment.DeriveIdempotencyKey(payment.IdempotencyKeyInput{
		SessionID:       signed.SessionID,
		Payer:           signed.Payer,
		ChallengeID:     signed.ChallengeID,
		RequestHash:     signed.RequestHash,
		AmountMicroUSDC: signed.AmountMicroUSDC,
	})
	if err != nil {
		return "invalid_payment", fmt.Sprintf("could not derive idempotency key: %v", err)
	}
	if signed.IdempotencyKey != expectedKey {
		return "invalid_payment", "idempotencyKey does not match its own fields"
	}

	if signed.AmountMicroUSDC != v.cfg.AmountMicroUSDC {
		return "invalid_payment", fmt.Sprintf("amount %d does not match configured price %d", signed.AmountMicroUSDC, v.cfg.AmountMicroUSDC)
	}

	sessionExpiresAt, err := time.Parse(time.RFC3339, signed.SessionExpiresAt)
	if err != nil {
		return "invalid_payment", fmt.Sprintf("unparseable sessionExpiresAt: %v", err)
	}
	if !sessionExpiresAt.After(now) {
		return "invalid_payment", "session has expired"
	}

	signingMessage, err := payment.BuildPaymentSigningMessage(signed.ToUnsigned())
	if err != nil {
		return "invalid_payment", fmt.Sprintf("could not rebuild signing message: %v", err)
	}
	sigBytes, err := decodeHexSignature(signed.Signature)
	if err != nil {
		return "invalid_payment", fmt.Sprintf("could not decode signature: %v", err)
	}
	recovered, err := payment.Recover(signingMessage, sigBytes)
	if err != nil {
		return "invalid_payment", fmt.Sprintf("signature recovery failed: %v", err)
	}
	if recovered != strings.ToLower(signed.Payer) {
		return "invalid_payment", "recovered signer does not match payer"
	}

	return "", ""
}

func decodeHexSignature(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

func findPaymentHeader(r *http.Request) (value, headerName string) {
	for _, name := range paymentHeaderNames {
		if v := r.Header.Get(name); v != "" {
			return v, name
		}
	}
	return "", ""
}

func (v *Verifier) send402(w http.ResponseWriter, r *http.Request, reason string) {
	resource, err := payment.DeriveResource(r.URL.String())
	if err != nil {
		resource = r.URL.Path
	}
	now := time.Now()
	c, err := challenge.CreateChallenge(v.cfg.ChallengeSecret, resource, strings.ToUpper(r.Method), v.cfg.AmountMicroUSDC, now, now.Add(time.Duration(v.cfg.ChallengeTTLSeconds)*time.Second), "", "")
	if err != nil {
		v.writeError(w, http.StatusInternalServerError, "", fmt.Sprintf("could not create challenge: %v", err))
		return
	}

	env := wire.NewX402PaymentRequired(c, v.cfg.Network, v.cfg.PayTo)
	encodedHeader, err := wire.EncodePaymentRequiredHeader(env)
	if err != nil {
		v.writeError(w, http.StatusInternalServerError, "", fmt.Sprintf("could not encode 402 header: %v", err))
		return
	}

	w.Header().Set("Payment-Required", encodedHeader)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	body := wire.PaymentRequiredBody{Error: "payment_required", Challenge: c}
	_ = json.NewEncoder(w).Encode(body)
	v.logger.Info("origin: issued 402 challenge", "resource", resource, "challengeId", c.ChallengeID, "reason", reason)
}

func (v *Verifier) writeError(w http.ResponseWriter, status int, reason, message string) {
	v.logger.Warn("origin: rejected request", "status", status, "reason", reason, "message", message)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error   string `json:"error"`
		Reason  string `json:"reason,omitempty"`
		Message string `json:"message"`
	}{Error: "verification_failed", Reason: reason, Message: message})
}

func (v *Verifier) writePaidResponse(w http.ResponseWriter, encodedPayment string, record PaymentLogRecord, replayed bool) {
	ackHeader, err := wire.EncodeSettlementAckHeader(record.IdempotencyKey)
	if err != nil {
		v.writeError(w, http.StatusInternalServerError, "", fmt.Sprintf("could not encode settlement ack: %v", err))
		return
	}

	w.Header().Set("Payment-Signature", encodedPayment)
	w.Header().Set("Payment-Response", ackHeader)
	w.Header().Set("X-Ace-Idempotency-Key", record.IdempotencyKey)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	body := wire.PaidResponseBody{
		Status:   "ok",
		Replayed: replayed,
		Result:   record.Result,
		Payment: wire.PaymentSummary{
			IdempotencyKey:  record.IdempotencyKey,
			AmountMicroUSDC: record.AmountMicroUSDC,
		},
	}
	_ = json.NewEncoder(w).Encode(body)
}

// Package wire implements the x402 envelope encoding shared by the
// interceptor and the origin verifier: the 402 PAYMENT-REQUIRED header and
// body, the retry PAYMENT-SIGNATURE header, and the paid-response
// PAYMENT-RESPONSE header. Both sides import this package so encoding and
// decoding agree byte-for-byte, which is load-bearing for signature and MAC
// verification (spec.md §9).
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/ChaosChain/chaoschain-ace-sdk/challenge"
	"github.com/ChaosChain/chaoschain-ace-sdk/payment"
)

// X402Version is the protocol version number carried in the 402 envelope
// and the settlement acknowledgment, per spec.md §6.
const X402Version = 2

// ChallengeExtra carries the ACE challenge inside one accepts[] entry of the
// x402 PAYMENT-REQUIRED envelope.
type ChallengeExtra struct {
	Challenge challenge.PaymentChallenge `json:"challenge"`
}

// PaymentRequirement is one entry of the x402 "accepts" array.
type PaymentRequirement struct {
	Scheme  string         `json:"scheme"`
	Network string         `json:"network"`
	Amount  string         `json:"amount"`
	Asset   string         `json:"asset"`
	PayTo   string         `json:"payTo"`
	Extra   ChallengeExtra `json:"extra"`
}

// X402PaymentRequired is the full 402 envelope carried in the
// PAYMENT-REQUIRED header value (base64 of this struct's JSON). The
// fallback response body is a PaymentRequiredBody, not this struct.
type X402PaymentRequired struct {
	X402Version int                  `json:"x402Version"`
	Error       string               `json:"error"`
	Accepts     []PaymentRequirement `json:"accepts"`
}

// NewX402PaymentRequired wraps a single challenge into the envelope, as the
// origin issues it.
func NewX402PaymentRequired(c challenge.PaymentChallenge, network, payTo string) X402PaymentRequired {
	return X402PaymentRequired{
		X402Version: X402Version,
		Error:       "payment_required",
		Accepts: []PaymentRequirement{{
			Scheme:  "exact",
			Network: network,
			Amount:  fmt.Sprintf("%d", c.AmountMicroUSDC),
			Asset:   "USDC",
			PayTo:   payTo,
			Extra:   ChallengeExtra{Challenge: c},
		}},
	}
}

// EncodePaymentRequiredHeader returns the base64(utf8(json(env))) value for
// the PAYMENT-REQUIRED header.
func EncodePaymentRequiredHeader(env X402PaymentRequired) (string, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("wire: marshal payment required: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePaymentRequiredHeader decodes a PAYMENT-REQUIRED header value.
func DecodePaymentRequiredHeader(encoded string) (X402PaymentRequired, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return X402PaymentRequired{}, fmt.Errorf("wire: base64 decode: %w", err)
	}
	var env X402PaymentRequired
	if err := json.Unmarshal(raw, &env); err != nil {
		return X402PaymentRequired{}, fmt.Errorf("wire: unmarshal: %w", err)
	}
	return env, nil
}

// FindChallenge scans env.Accepts for the first entry whose embedded
// challenge matches challenge.ACEPaymentVersion.
func FindChallenge(env X402PaymentRequired) (challenge.PaymentChallenge, bool) {
	for _, accept := range env.Accepts {
		if accept.Extra.Challenge.Version == challenge.ACEPaymentVersion {
			return accept.Extra.Challenge, true
		}
	}
	return challenge.PaymentChallenge{}, false
}

// PaymentRequiredBody is the JSON fallback body carried alongside the
// PAYMENT-REQUIRED header for clients that cannot read headers.
type PaymentRequiredBody struct {
	Error     string                     `json:"error"`
	Challenge challenge.PaymentChallenge `json:"challenge"`
}

// EncodeSignedPaymentHeader returns the base64(utf8(json(p))) value for the
// PAYMENT-SIGNATURE header.
func EncodeSignedPaymentHeader(p payment.SignedPayment) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("wire: marshal signed payment: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeSignedPaymentHeader decodes a PAYMENT-SIGNATURE header value.
func DecodeSignedPaymentHeader(encoded string) (payment.SignedPayment, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return payment.SignedPayment{}, fmt.Errorf("wire: base64 decode: %w", err)
	}
	var p payment.SignedPayment
	if err := json.Unmarshal(raw, &p); err != nil {
		return payment.SignedPayment{}, fmt.Errorf("wire: unmarshal: %w", err)
	}
	return p, nil
}

// SettlementAck is the PAYMENT-RESPONSE envelope acknowledging settlement.
type SettlementAck struct {
	X402Version    int    `json:"x402Version"`
	Settled        bool   `json:"settled"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// EncodeSettlementAckHeader returns the base64(utf8(json)) PAYMENT-RESPONSE
// header value.
func EncodeSettlementAckHeader(idempotencyKey string) (string, error) {
	raw, err := json.Marshal(SettlementAck{X402Version: X402Version, Settled: true, IdempotencyKey: idempotencyKey})
	if err != nil {
		return "", fmt.Errorf("wire: marshal settlement ack: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeSettlementAckHeader decodes a PAYMENT-RESPONSE header value.
func DecodeSettlementAckHeader(encoded string) (SettlementAck, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return SettlementAck{}, fmt.Errorf("wire: base64 decode: %w", err)
	}
	var ack SettlementAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return SettlementAck{}, fmt.Errorf("wire: unmarshal: %w", err)
	}
	return ack, nil
}

// PaidResponseBody is the JSON body of a successful (replayed or fresh)
// paid response.
type PaidResponseBody struct {
	Status   string          `json:"status"`
	Replayed bool            `json:"replayed"`
	Result   json.RawMessage `json:"result"`
	Payment  PaymentSummary  `json:"payment"`
}

// PaymentSummary is the payment info echoed in a paid response body.
type PaymentSummary struct {
	IdempotencyKey  string `json:"idempotencyKey"`
	AmountMicroUSDC int64  `json:"amountMicrousdc"`
}

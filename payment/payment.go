// Package payment implements the payment signing primitives of the ACE x402
// protocol: request/challenge hashing, idempotency key derivation, the
// canonical signing message, and personal-sign signature production and
// recovery.
package payment

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ChaosChain/chaoschain-ace-sdk/canon"
	"github.com/ChaosChain/chaoschain-ace-sdk/challenge"
)

// SigningMessagePrefix is the literal ASCII prefix prepended to the
// canonical UnsignedPayment before personal-sign framing is applied.
const SigningMessagePrefix = "ACE_PAYMENT_V1\n"

// RequestContext describes the HTTP request a payment is bound to.
type RequestContext struct {
	Method string
	URL    string
	// Body is the request body as a string. Only strings are hashed;
	// opaque streaming bodies must be materialized by the caller first.
	// An empty string contributes an empty bodyHash.
	Body string
}

// UnsignedPayment is the signer's authorization before a signature is attached.
type UnsignedPayment struct {
	Version          string                     `json:"version"`
	SessionID        string                     `json:"sessionId"`
	Payer            string                     `json:"payer"`
	ChallengeID      string                     `json:"challengeId"`
	Challenge        challenge.PaymentChallenge `json:"challenge"`
	IdempotencyKey   string                     `json:"idempotencyKey"`
	RequestHash      string                     `json:"requestHash"`
	ChallengeHash    string                     `json:"challengeHash"`
	AmountMicroUSDC  int64                      `json:"amountMicrousdc"`
	Currency         string                     `json:"currency"`
	SessionExpiresAt string                     `json:"sessionExpiresAt"`
	IssuedAt         string                     `json:"issuedAt"`
}

// SignedPayment is an UnsignedPayment plus its personal-sign signature.
type SignedPayment struct {
	UnsignedPayment
	Signature string `json:"signature"`
}

// ToUnsigned returns the embedded UnsignedPayment, used by the verifier to
// recompute the signing message.
func (s SignedPayment) ToUnsigned() UnsignedPayment { return s.UnsignedPayment }

// DeriveResource parses rawURL and returns its path plus query, exactly as
// given, with no normalization.
func DeriveResource(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("payment: parse url: %w", err)
	}
	resource := u.EscapedPath()
	if u.RawQuery != "" {
		resource += "?" + u.RawQuery
	}
	return resource, nil
}

// DeriveRequestHash computes sha256Hex(canonical({bodyHash, method, resource})).
func DeriveRequestHash(rc RequestContext) (string, error) {
	resource, err := DeriveResource(rc.URL)
	if err != nil {
		return "", err
	}
	bodyHash := ""
	if rc.Body != "" {
		bodyHash = canon.SHA256Hex(rc.Body)
	}

	payload := map[string]interface{}{
		"bodyHash": bodyHash,
		"method":   strings.ToUpper(rc.Method),
		"resource": resource,
	}
	c, err := canon.Canonical(payload)
	if err != nil {
		return "", fmt.Errorf("payment: canonicalize request hash input: %w", err)
	}
	return canon.SHA256Hex(string(c)), nil
}

// DeriveChallengeHash computes sha256Hex(canonical(challenge)); the MAC is
// included, since the signer authorizes a specific issued challenge.
func DeriveChallengeHash(c challenge.PaymentChallenge) (string, error) {
	canonical, err := canon.Canonical(c)
	if err != nil {
		return "", fmt.Errorf("payment: canonicalize challenge hash input: %w", err)
	}
	return canon.SHA256Hex(string(canonical)), nil
}

// IdempotencyKeyInput bundles the fields DeriveIdempotencyKey hashes over.
type IdempotencyKeyInput struct {
	SessionID       string
	Payer           string
	ChallengeID     string
	RequestHash     string
	AmountMicroUSDC int64
}

// DeriveIdempotencyKey computes the deterministic idempotency key:
// "aceid_" + sha256Hex(canonical({amountMicrousdc, challengeId, payer (lowercased), requestHash, sessionId})).
func DeriveIdempotencyKey(in IdempotencyKeyInput) (string, error) {
	payload := map[string]interface{}{
		"amountMicrousdc": in.AmountMicroUSDC,
		"challengeId":     in.ChallengeID,
		"payer":           strings.ToLower(in.Payer),
		"requestHash":     in.RequestHash,
		"sessionId":       in.SessionID,
	}
	c, err := canon.Canonical(payload)
	if err != nil {
		return "", fmt.Errorf("payment: canonicalize idempotency key input: %w", err)
	}
	return "aceid_" + canon.SHA256Hex(string(c)), nil
}

// BuildPaymentSigningMessage returns the literal bytes a personal-sign
// primitive must sign: the ASCII prefix followed by canonical(unsigned).
func BuildPaymentSigningMessage(unsigned UnsignedPayment) ([]byte, error) {
	c, err := canon.Canonical(unsigned)
	if err != nil {
		return nil, fmt.Errorf("payment: canonicalize signing message: %w", err)
	}
	msg := append([]byte(SigningMessagePrefix), c...)
	return msg, nil
}

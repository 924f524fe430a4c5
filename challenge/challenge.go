// Package challenge implements the server-issued, MAC-authenticated
// PaymentChallenge: creation, and constant-time verification.
package challenge

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ChaosChain/chaoschain-ace-sdk/canon"
)

// ACEPaymentVersion is the fixed protocol tag carried by every challenge and
// payment in this protocol.
const ACEPaymentVersion = "ace-x402-v1"

// PaymentChallenge is the server-issued token a client signs a payment
// authorization against.
type PaymentChallenge struct {
	Version         string `json:"version"`
	ChallengeID     string `json:"challengeId"`
	Resource        string `json:"resource"`
	Method          string `json:"method"`
	AmountMicroUSDC int64  `json:"amountMicrousdc"`
	Currency        string `json:"currency"`
	IssuedAt        string `json:"issuedAt"`
	ExpiresAt       string `json:"expiresAt"`
	Nonce           string `json:"nonce"`
	MAC             string `json:"mac,omitempty"`
}

// withoutMAC returns a copy of c with MAC cleared, for MAC computation.
func (c PaymentChallenge) withoutMAC() PaymentChallenge {
	c.MAC = ""
	return c
}

// computeMAC derives the HMAC-SHA-256 hex MAC for c (with c.MAC omitted) under secret.
func computeMAC(c PaymentChallenge, secret string) (string, error) {
	unsigned := c.withoutMAC()
	canonical, err := canon.Canonical(unsigned)
	if err != nil {
		return "", fmt.Errorf("challenge: canonicalize for mac: %w", err)
	}
	return canon.HMACSHA256Hex(secret, string(canonical)), nil
}

// CreateChallenge builds a PaymentChallenge bound to resource/method/amount,
// issued at issuedAt and expiring at expiresAt, MACed with secret.
// challengeID and nonce default to independent 128-bit random values
// (UUIDv4) when empty.
func CreateChallenge(secret, resource, method string, amountMicroUSDC int64, issuedAt, expiresAt time.Time, challengeID, nonce string) (PaymentChallenge, error) {
	if !expiresAt.After(issuedAt) {
		return PaymentChallenge{}, fmt.Errorf("challenge: expiresAt must be after issuedAt")
	}
	if challengeID == "" {
		challengeID = uuid.New().String()
	}
	if nonce == "" {
		nonce = uuid.New().String()
	}

	c := PaymentChallenge{
		Version:         ACEPaymentVersion,
		ChallengeID:     challengeID,
		Resource:        resource,
		Method:          method,
		AmountMicroUSDC: amountMicroUSDC,
		Currency:        "USDC",
		IssuedAt:        issuedAt.UTC().Format(time.RFC3339),
		ExpiresAt:       expiresAt.UTC().Format(time.RFC3339),
		Nonce:           nonce,
	}

	mac, err := computeMAC(c, secret)
	if err != nil {
		return PaymentChallenge{}, err
	}
	c.MAC = mac
	return c, nil
}

// VerifyChallenge recomputes the MAC over c (with MAC omitted) under secret
// and compares it in constant time against c.MAC.
func VerifyChallenge(c PaymentChallenge, secret string) bool {
	expected, err := computeMAC(c, secret)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(c.MAC)) == 1
}

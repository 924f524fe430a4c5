package payment

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Signer is the capability a session consumes to authorize a payment. Wallet
// key custody itself is out of scope for this protocol; only this
// interface is consumed.
type Signer interface {
	// Address returns the signer's lowercase hex wallet address.
	Address() string
	// Sign personal-signs message (the exact bytes from
	// BuildPaymentSigningMessage) and returns a 65-byte recoverable
	// secp256k1 signature.
	Sign(message []byte) ([]byte, error)
}

// personalSignDigest applies the Ethereum personal-sign framing
// ("\x19Ethereum Signed Message:\n<len>" followed by message) and returns
// its Keccak-256 digest.
func personalSignDigest(message []byte) []byte {
	framed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	digest := crypto.Keccak256([]byte(framed), message)
	return digest
}

// EphemeralWallet is a minimal in-memory Signer backed by a secp256k1
// private key. Real deployments hold keys elsewhere and implement Signer
// against that custody system; this is the reference implementation used
// by tests and local development.
type EphemeralWallet struct {
	privateKeyHex string
	address       string
}

// NewEphemeralWallet parses a hex-encoded secp256k1 private key (with or
// without a leading "0x") and derives its address.
func NewEphemeralWallet(privateKeyHex string) (*EphemeralWallet, error) {
	hexKey := strings.TrimPrefix(privateKeyHex, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("payment: invalid private key: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	return &EphemeralWallet{
		privateKeyHex: hexKey,
		address:       strings.ToLower(addr.Hex()),
	}, nil
}

// Address returns the wallet's lowercase hex address.
func (w *EphemeralWallet) Address() string { return w.address }

// Sign personal-signs message and returns a 65-byte recoverable signature
// with a 27/28-normalized recovery id, matching Ethereum wallet conventions.
func (w *EphemeralWallet) Sign(message []byte) ([]byte, error) {
	key, err := crypto.HexToECDSA(w.privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("payment: invalid private key: %w", err)
	}
	digest := personalSignDigest(message)
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("payment: sign: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// Recover recovers the lowercase hex address that produced signature over
// message (a personal-sign signature as produced by EphemeralWallet.Sign).
func Recover(message, signature []byte) (string, error) {
	if len(signature) != 65 {
		return "", fmt.Errorf("payment: signature must be 65 bytes, got %d", len(signature))
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	digest := personalSignDigest(message)
	pubBytes, err := crypto.Ecrecover(digest, sig)
	if err != nil {
		return "", fmt.Errorf("payment: ecrecover: %w", err)
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return "", fmt.Errorf("payment: unmarshal recovered pubkey: %w", err)
	}
	addr := crypto.PubkeyToAddress(*pub)
	return strings.ToLower(addr.Hex()), nil
}

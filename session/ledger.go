// Package session implements the session store and session ledger: the
// persistent, restart-safe accounting engine that tracks cumulative,
// pending, and available spend across concurrent retries, and the signing
// gate that turns a PaymentChallenge into a SignedPayment.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChaosChain/chaoschain-ace-sdk/challenge"
	"github.com/ChaosChain/chaoschain-ace-sdk/payment"
)

// Error kinds from spec.md §7. Signing failures are these sentinels, tested
// with errors.Is; TransportError and NonOkRetry belong to the interceptor,
// not the ledger.
var (
	// ErrSessionExpired is returned when the session's expiresAt is past.
	ErrSessionExpired = errors.New("session: expired")
	// ErrChallengeRejected is returned when a challenge's version, currency,
	// or expiry is unacceptable.
	ErrChallengeRejected = errors.New("session: challenge rejected")
	// ErrChallengeMismatch is returned when a challenge's method or resource
	// does not match the current request.
	ErrChallengeMismatch = errors.New("session: challenge does not match request")
	// ErrSpendLimitExceeded is returned when a challenge's amount would push
	// spend past the session's limit.
	ErrSpendLimitExceeded = errors.New("session: spend limit exceeded")
	// ErrPayerMismatch is returned by Create/Restore when the store holds a
	// session under this ID for a different payer.
	ErrPayerMismatch = errors.New("session: payer mismatch for existing session")
	// ErrSessionNotFound is returned by Restore when no session exists.
	ErrSessionNotFound = errors.New("session: not found")
)

// SessionState is the persisted accounting record for one spending session.
type SessionState struct {
	SessionID               string                           `json:"sessionId"`
	Payer                   string                           `json:"payer"`
	SpendLimitMicroUSDC     int64                            `json:"spendLimitMicrousdc"`
	CreatedAt               time.Time                        `json:"createdAt"`
	ExpiresAt               time.Time                        `json:"expiresAt"`
	CumulativeSpendMicroUSDC int64                           `json:"cumulativeSpendMicrousdc"`
	PendingAttempts         map[string]payment.SignedPayment `json:"pendingAttempts"`
}

// Snapshot is the read-only view returned by Ledger.GetSnapshot.
type Snapshot struct {
	SessionID                string
	Payer                    string
	SpendLimitMicroUSDC      int64
	ExpiresAt                time.Time
	CumulativeSpendMicroUSDC int64
	PendingSpendMicroUSDC    int64
	AvailableSpendMicroUSDC  int64
}

// Wallet resolves the payer address and signs payment messages. It is the
// payment.Signer interface, named locally to keep the ledger's public
// surface self-describing.
type Wallet = payment.Signer

// Ledger is the session ledger: spend accounting, pending attempts,
// snapshot math, and the signing gate. One Ledger is bound to one session
// and is not safe for concurrent use by more than one logical caller; a
// session is driven by one caller at a time.
type Ledger struct {
	mu     sync.Mutex
	wallet Wallet
	store  Store
	state  SessionState
}

// Create resolves wallet's address, lowercases it as payer, and either binds
// a Ledger to an existing session (if sessionID is already present in
// store, failing on payer mismatch and never overwriting the existing
// spend limit or expiry) or persists a fresh zero-spend session. sessionID
// defaults to a random value when empty; now defaults to time.Now().
func Create(wallet Wallet, store Store, spendLimitMicroUSDC int64, ttlSeconds int64, sessionID string, now time.Time) (*Ledger, error) {
	if ttlSeconds <= 0 {
		return nil, fmt.Errorf("session: ttlSeconds must be positive, got %d", ttlSeconds)
	}
	if now.IsZero() {
		now = time.Now()
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	payer := strings.ToLower(wallet.Address())

	existing, err := store.Load(sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: load existing state: %w", err)
	}
	if existing != nil {
		if strings.ToLower(existing.Payer) != payer {
			return nil, ErrPayerMismatch
		}
		return &Ledger{wallet: wallet, store: store, state: *existing}, nil
	}

	state := SessionState{
		SessionID:               sessionID,
		Payer:                   payer,
		SpendLimitMicroUSDC:     spendLimitMicroUSDC,
		CreatedAt:               now,
		ExpiresAt:               now.Add(time.Duration(ttlSeconds) * time.Second),
		CumulativeSpendMicroUSDC: 0,
		PendingAttempts:         make(map[string]payment.SignedPayment),
	}
	if err := store.Save(sessionID, state); err != nil {
		return nil, fmt.Errorf("session: save new state: %w", err)
	}
	return &Ledger{wallet: wallet, store: store, state: state}, nil
}

// Restore loads an existing session by ID, failing if absent or if the
// stored payer does not match wallet's address.
func Restore(wallet Wallet, store Store, sessionID string) (*Ledger, error) {
	existing, err := store.Load(sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: load state: %w", err)
	}
	if existing == nil {
		return nil, ErrSessionNotFound
	}
	if strings.ToLower(existing.Payer) != strings.ToLower(wallet.Address()) {
		return nil, ErrPayerMismatch
	}
	return &Ledger{wallet: wallet, store: store, state: *existing}, nil
}

// GetSnapshot returns the current spend accounting snapshot.
func (l *Ledger) GetSnapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() Snapshot {
	var pending int64
	for _, attempt := range l.state.PendingAttempts {
		pending += attempt.AmountMicroUSDC
	}
	return Snapshot{
		SessionID:                l.state.SessionID,
		Payer:                    l.state.Payer,
		SpendLimitMicroUSDC:      l.state.SpendLimitMicroUSDC,
		ExpiresAt:                l.state.ExpiresAt,
		CumulativeSpendMicroUSDC: l.state.CumulativeSpendMicroUSDC,
		PendingSpendMicroUSDC:    pending,
		AvailableSpendMicroUSDC:  l.state.SpendLimitMicroUSDC - l.state.CumulativeSpendMicroUSDC - pending,
	}
}

// SignForChallenge validates challenge against requestContext and this
// session's limits, then signs and records a SignedPayment. A retry with
// identical {sessionId, payer, challengeId, requestHash, amount} returns the
// previously signed payment verbatim, without re-signing or mutating state.
func (l *Ledger) SignForChallenge(c challenge.PaymentChallenge, requestContext payment.RequestContext, now time.Time) (payment.SignedPayment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.IsZero() {
		now = time.Now()
	}

	if !l.state.ExpiresAt.After(now) {
		return payment.SignedPayment{}, ErrSessionExpired
	}

	if c.Version != challenge.ACEPaymentVersion {
		return payment.SignedPayment{}, fmt.Errorf("%w: unsupported version %q", ErrChallengeRejected, c.Version)
	}
	if c.Currency != "USDC" {
		return payment.SignedPayment{}, fmt.Errorf("%w: unsupported currency %q", ErrChallengeRejected, c.Currency)
	}
	expiresAt, err := time.Parse(time.RFC3339, c.ExpiresAt)
	if err != nil {
		return payment.SignedPayment{}, fmt.Errorf("%w: unparseable expiresAt: %v", ErrChallengeRejected, err)
	}
	if !expiresAt.After(now) {
		return payment.SignedPayment{}, fmt.Errorf("%w: already expired", ErrChallengeRejected)
	}

	resource, err := payment.DeriveResource(requestContext.URL)
	if err != nil {
		return payment.SignedPayment{}, fmt.Errorf("session: derive resource: %w", err)
	}
	if c.Method != strings.ToUpper(requestContext.Method) {
		return payment.SignedPayment{}, fmt.Errorf("%w: method %q != %q", ErrChallengeMismatch, c.Method, strings.ToUpper(requestContext.Method))
	}
	if c.Resource != resource {
		return payment.SignedPayment{}, fmt.Errorf("%w: resource %q != %q", ErrChallengeMismatch, c.Resource, resource)
	}

	requestHash, err := payment.DeriveRequestHash(requestContext)
	if err != nil {
		return payment.SignedPayment{}, fmt.Errorf("session: derive request hash: %w", err)
	}
	idempotencyKey, err := payment.DeriveIdempotencyKey(payment.IdempotencyKeyInput{
		SessionID:       l.state.SessionID,
		Payer:           l.state.Payer,
		ChallengeID:     c.ChallengeID,
		RequestHash:     requestHash,
		AmountMicroUSDC: c.AmountMicroUSDC,
	})
	if err != nil {
		return payment.SignedPayment{}, fmt.Errorf("session: derive idempotency key: %w", err)
	}

	if existing, ok := l.state.PendingAttempts[idempotencyKey]; ok {
		return existing, nil
	}

	snapshot := l.snapshotLocked()
	if c.AmountMicroUSDC > snapshot.AvailableSpendMicroUSDC {
		return payment.SignedPayment{}, fmt.Errorf("%w: amount %d > available %d", ErrSpendLimitExceeded, c.AmountMicroUSDC, snapshot.AvailableSpendMicroUSDC)
	}

	challengeHash, err := payment.DeriveChallengeHash(c)
	if err != nil {
		return payment.SignedPayment{}, fmt.Errorf("session: derive challenge hash: %w", err)
	}

	unsigned := payment.UnsignedPayment{
		Version:          challenge.ACEPaymentVersion,
		SessionID:        l.state.SessionID,
		Payer:            l.state.Payer,
		ChallengeID:      c.ChallengeID,
		Challenge:        c,
		IdempotencyKey:   idempotencyKey,
		RequestHash:      requestHash,
		ChallengeHash:    challengeHash,
		AmountMicroUSDC:  c.AmountMicroUSDC,
		Currency:         "USDC",
		SessionExpiresAt: l.state.ExpiresAt.UTC().Format(time.RFC3339),
		IssuedAt:         now.UTC().Format(time.RFC3339),
	}

	message, err := payment.BuildPaymentSigningMessage(unsigned)
	if err != nil {
		return payment.SignedPayment{}, fmt.Errorf("session: build signing message: %w", err)
	}
	signature, err := l.wallet.Sign(message)
	if err != nil {
		return payment.SignedPayment{}, fmt.Errorf("session: sign: %w", err)
	}

	signed := payment.SignedPayment{
		UnsignedPayment: unsigned,
		Signature:       fmt.Sprintf("%x", signature),
	}

	l.state.PendingAttempts[idempotencyKey] = signed
	if err := l.store.Save(l.state.SessionID, l.state); err != nil {
		delete(l.state.PendingAttempts, idempotencyKey)
		return payment.SignedPayment{}, fmt.Errorf("session: persist pending attempt: %w", err)
	}

	return signed, nil
}

// CommitPayment moves idempotencyKey's attempt from pending to cumulative
// spend and removes the pending entry. A no-op if the key is unknown.
func (l *Ledger) CommitPayment(idempotencyKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	attempt, ok := l.state.PendingAttempts[idempotencyKey]
	if !ok {
		return nil
	}

	l.state.CumulativeSpendMicroUSDC += attempt.AmountMicroUSDC
	delete(l.state.PendingAttempts, idempotencyKey)
	if err := l.store.Save(l.state.SessionID, l.state); err != nil {
		l.state.CumulativeSpendMicroUSDC -= attempt.AmountMicroUSDC
		l.state.PendingAttempts[idempotencyKey] = attempt
		return fmt.Errorf("session: persist commit: %w", err)
	}
	return nil
}

// ReleasePayment drops idempotencyKey's pending attempt. A no-op if the key
// is unknown.
func (l *Ledger) ReleasePayment(idempotencyKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	attempt, ok := l.state.PendingAttempts[idempotencyKey]
	if !ok {
		return nil
	}

	delete(l.state.PendingAttempts, idempotencyKey)
	if err := l.store.Save(l.state.SessionID, l.state); err != nil {
		l.state.PendingAttempts[idempotencyKey] = attempt
		return fmt.Errorf("session: persist release: %w", err)
	}
	return nil
}

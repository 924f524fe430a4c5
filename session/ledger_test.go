package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChaosChain/chaoschain-ace-sdk/challenge"
	"github.com/ChaosChain/chaoschain-ace-sdk/payment"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func newTestWallet(t *testing.T) payment.Signer {
	t.Helper()
	w, err := payment.NewEphemeralWallet(testKey)
	require.NoError(t, err)
	return w
}

func TestCreateThenSignHappyPath(t *testing.T) {
	wallet := newTestWallet(t)
	store := NewMemoryStore()
	now := time.Now()

	ledger, err := Create(wallet, store, 5_000_000, 86400, "", now)
	require.NoError(t, err)

	c, err := challenge.CreateChallenge("secret", "/compute?task=demo", "GET", 250000, now, now.Add(time.Hour), "", "")
	require.NoError(t, err)

	signed, err := ledger.SignForChallenge(c, payment.RequestContext{Method: "GET", URL: "https://origin.example/compute?task=demo"}, now)
	require.NoError(t, err)
	assert.NotEmpty(t, signed.Signature)

	snap := ledger.GetSnapshot()
	assert.Equal(t, int64(250000), snap.PendingSpendMicroUSDC)
	assert.Equal(t, int64(0), snap.CumulativeSpendMicroUSDC)

	require.NoError(t, ledger.CommitPayment(signed.IdempotencyKey))
	snap = ledger.GetSnapshot()
	assert.Equal(t, int64(250000), snap.CumulativeSpendMicroUSDC)
	assert.Equal(t, int64(0), snap.PendingSpendMicroUSDC)
	assert.Equal(t, int64(4_750_000), snap.AvailableSpendMicroUSDC)
}

func TestReleasePaymentDropsPending(t *testing.T) {
	wallet := newTestWallet(t)
	store := NewMemoryStore()
	now := time.Now()

	ledger, err := Create(wallet, store, 5_000_000, 86400, "", now)
	require.NoError(t, err)
	c, err := challenge.CreateChallenge("secret", "/compute", "GET", 250000, now, now.Add(time.Hour), "", "")
	require.NoError(t, err)

	signed, err := ledger.SignForChallenge(c, payment.RequestContext{Method: "GET", URL: "https://origin.example/compute"}, now)
	require.NoError(t, err)

	require.NoError(t, ledger.ReleasePayment(signed.IdempotencyKey))
	snap := ledger.GetSnapshot()
	assert.Equal(t, int64(0), snap.CumulativeSpendMicroUSDC)
	assert.Equal(t, int64(0), snap.PendingSpendMicroUSDC)
}

func TestIdempotentReSign(t *testing.T) {
	wallet := newTestWallet(t)
	store := NewMemoryStore()
	now := time.Now()

	ledger, err := Create(wallet, store, 5_000_000, 86400, "", now)
	require.NoError(t, err)
	c, err := challenge.CreateChallenge("secret", "/compute", "GET", 250000, now, now.Add(time.Hour), "", "")
	require.NoError(t, err)
	rc := payment.RequestContext{Method: "GET", URL: "https://origin.example/compute"}

	signed1, err := ledger.SignForChallenge(c, rc, now)
	require.NoError(t, err)
	signed2, err := ledger.SignForChallenge(c, rc, now)
	require.NoError(t, err)

	assert.Equal(t, signed1, signed2)
	assert.Len(t, ledger.state.PendingAttempts, 1)
}

func TestSpendLimitGuard(t *testing.T) {
	wallet := newTestWallet(t)
	store := NewMemoryStore()
	now := time.Now()

	ledger, err := Create(wallet, store, 200000, 86400, "", now)
	require.NoError(t, err)
	c, err := challenge.CreateChallenge("secret", "/compute", "GET", 250000, now, now.Add(time.Hour), "", "")
	require.NoError(t, err)

	_, err = ledger.SignForChallenge(c, payment.RequestContext{Method: "GET", URL: "https://origin.example/compute"}, now)
	require.ErrorIs(t, err, ErrSpendLimitExceeded)

	snap := ledger.GetSnapshot()
	assert.Equal(t, int64(0), snap.PendingSpendMicroUSDC)
}

func TestSessionExpiredGuard(t *testing.T) {
	wallet := newTestWallet(t)
	store := NewMemoryStore()
	now := time.Now()

	ledger, err := Create(wallet, store, 5_000_000, 1, "", now)
	require.NoError(t, err)
	c, err := challenge.CreateChallenge("secret", "/compute", "GET", 250000, now, now.Add(time.Hour), "", "")
	require.NoError(t, err)

	later := now.Add(2 * time.Second)
	_, err = ledger.SignForChallenge(c, payment.RequestContext{Method: "GET", URL: "https://origin.example/compute"}, later)
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestChallengeMismatchGuard(t *testing.T) {
	wallet := newTestWallet(t)
	store := NewMemoryStore()
	now := time.Now()

	ledger, err := Create(wallet, store, 5_000_000, 86400, "", now)
	require.NoError(t, err)
	c, err := challenge.CreateChallenge("secret", "/compute", "POST", 250000, now, now.Add(time.Hour), "", "")
	require.NoError(t, err)

	_, err = ledger.SignForChallenge(c, payment.RequestContext{Method: "GET", URL: "https://origin.example/compute"}, now)
	require.ErrorIs(t, err, ErrChallengeMismatch)
}

func TestCreateReusesExistingSessionWithoutOverwriting(t *testing.T) {
	wallet := newTestWallet(t)
	store := NewMemoryStore()
	now := time.Now()

	first, err := Create(wallet, store, 5_000_000, 86400, "fixed-session", now)
	require.NoError(t, err)

	later := now.Add(time.Hour)
	second, err := Create(wallet, store, 999_999_999, 1, "fixed-session", later)
	require.NoError(t, err)

	assert.True(t, first.state.ExpiresAt.Equal(second.state.ExpiresAt))
	assert.Equal(t, first.state.SpendLimitMicroUSDC, second.state.SpendLimitMicroUSDC)
}

func TestCreateRejectsPayerMismatchOnReuse(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()

	walletA, err := payment.NewEphemeralWallet(testKey)
	require.NoError(t, err)
	_, err = Create(walletA, store, 5_000_000, 86400, "fixed-session", now)
	require.NoError(t, err)

	walletB, err := payment.NewEphemeralWallet("2d7b1f1f6205d4e3296ad825d2acbf3869f8814c0112eef3e30e9bd5c3b6f3a9")
	require.NoError(t, err)
	_, err = Create(walletB, store, 5_000_000, 86400, "fixed-session", now)
	require.ErrorIs(t, err, ErrPayerMismatch)
}

func TestRestoreRequiresExistingSession(t *testing.T) {
	wallet := newTestWallet(t)
	store := NewMemoryStore()

	_, err := Restore(wallet, store, "never-created")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestFileStoreRoundTrip(t *testing.T) {
	wallet := newTestWallet(t)
	store := NewFileStore(t.TempDir())
	now := time.Now()

	ledger, err := Create(wallet, store, 5_000_000, 86400, "fixed-session", now)
	require.NoError(t, err)
	c, err := challenge.CreateChallenge("secret", "/compute", "GET", 250000, now, now.Add(time.Hour), "", "")
	require.NoError(t, err)
	signed, err := ledger.SignForChallenge(c, payment.RequestContext{Method: "GET", URL: "https://origin.example/compute"}, now)
	require.NoError(t, err)
	require.NoError(t, ledger.CommitPayment(signed.IdempotencyKey))

	restored, err := Restore(wallet, store, "fixed-session")
	require.NoError(t, err)
	snap := restored.GetSnapshot()
	assert.Equal(t, int64(250000), snap.CumulativeSpendMicroUSDC)
}

package interceptor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChaosChain/chaoschain-ace-sdk/challenge"
	"github.com/ChaosChain/chaoschain-ace-sdk/payment"
	"github.com/ChaosChain/chaoschain-ace-sdk/session"
	"github.com/ChaosChain/chaoschain-ace-sdk/wire"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func newLedger(t *testing.T) *session.Ledger {
	t.Helper()
	wallet, err := payment.NewEphemeralWallet(testKey)
	require.NoError(t, err)
	ledger, err := session.Create(wallet, session.NewMemoryStore(), 5_000_000, 86400, "", time.Now())
	require.NoError(t, err)
	return ledger
}

func paymentRequiredResponse(t *testing.T, method, resource string, amount int64) *http.Response {
	t.Helper()
	return paymentRequiredResponseWithID(t, method, resource, amount, "", "")
}

func paymentRequiredResponseWithID(t *testing.T, method, resource string, amount int64, challengeID, nonce string) *http.Response {
	t.Helper()
	now := time.Now()
	c, err := challenge.CreateChallenge("origin-secret", resource, method, amount, now, now.Add(time.Hour), challengeID, nonce)
	require.NoError(t, err)
	env := wire.NewX402PaymentRequired(c, "off-chain", "payee")
	encoded, err := wire.EncodePaymentRequiredHeader(env)
	require.NoError(t, err)

	resp := &http.Response{
		StatusCode: http.StatusPaymentRequired,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader("")),
	}
	resp.Header.Set(HeaderPaymentRequired, encoded)
	return resp
}

// nonACEPaymentRequiredResponse builds a 402 whose PAYMENT-REQUIRED header
// and body both carry only a non-ACE accepts scheme, as another x402-style
// gateway on the same path might issue.
func nonACEPaymentRequiredResponse(t *testing.T) *http.Response {
	t.Helper()
	env := wire.X402PaymentRequired{
		X402Version: wire.X402Version,
		Error:       "payment_required",
		Accepts: []wire.PaymentRequirement{{
			Scheme:  "exact",
			Network: "base-sepolia",
			Amount:  "10000",
			Asset:   "USDC",
			PayTo:   "0xsomeoneelse",
		}},
	}
	encoded, err := wire.EncodePaymentRequiredHeader(env)
	require.NoError(t, err)

	body, err := json.Marshal(env)
	require.NoError(t, err)

	resp := &http.Response{
		StatusCode: http.StatusPaymentRequired,
		Header:     make(http.Header),
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
	resp.Header.Set(HeaderPaymentRequired, encoded)
	resp.Header.Set("Content-Type", "application/json")
	return resp
}

func okResponse(echoPayment string) *http.Response {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(`{"status":"ok"}`)),
	}
	if echoPayment != "" {
		resp.Header.Set(HeaderPaymentSignature, echoPayment)
	}
	return resp
}

func TestDoHappyPathNo402(t *testing.T) {
	ledger := newLedger(t)
	calls := 0
	transport := func(req *http.Request) (*http.Response, error) {
		calls++
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("ok")), Header: make(http.Header)}, nil
	}
	ic := New(transport, ledger, nil)

	req := httptest.NewRequest(http.MethodGet, "https://origin.example/compute", nil)
	resp, mismatch, err := ic.Do(req)
	require.NoError(t, err)
	assert.Nil(t, mismatch)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesOn402AndCommits(t *testing.T) {
	ledger := newLedger(t)
	calls := 0
	var seenSignature string
	transport := func(req *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return paymentRequiredResponse(t, "GET", "/compute", 250000), nil
		}
		seenSignature = req.Header.Get(HeaderPaymentSignature)
		return okResponse(seenSignature), nil
	}
	ic := New(transport, ledger, nil)

	req := httptest.NewRequest(http.MethodGet, "https://origin.example/compute", nil)
	resp, mismatch, err := ic.Do(req)
	require.NoError(t, err)
	assert.Nil(t, mismatch)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, calls)
	assert.NotEmpty(t, seenSignature)

	snap := ledger.GetSnapshot()
	assert.Equal(t, int64(250000), snap.CumulativeSpendMicroUSDC)
	assert.Equal(t, int64(0), snap.PendingSpendMicroUSDC)
}

func TestDoReleasesOnTransportErrorAfterPayment(t *testing.T) {
	ledger := newLedger(t)
	calls := 0
	transport := func(req *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return paymentRequiredResponse(t, "GET", "/compute", 250000), nil
		}
		return nil, fmt.Errorf("connection reset")
	}
	ic := New(transport, ledger, nil)

	req := httptest.NewRequest(http.MethodGet, "https://origin.example/compute", nil)
	_, _, err := ic.Do(req)
	require.Error(t, err)

	snap := ledger.GetSnapshot()
	assert.Equal(t, int64(0), snap.CumulativeSpendMicroUSDC)
	assert.Equal(t, int64(0), snap.PendingSpendMicroUSDC)
}

func TestDoReleasesOnNonOkRetry(t *testing.T) {
	ledger := newLedger(t)
	calls := 0
	transport := func(req *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return paymentRequiredResponse(t, "GET", "/compute", 250000), nil
		}
		return &http.Response{StatusCode: http.StatusInternalServerError, Body: io.NopCloser(strings.NewReader("boom")), Header: make(http.Header)}, nil
	}
	ic := New(transport, ledger, nil)

	req := httptest.NewRequest(http.MethodGet, "https://origin.example/compute", nil)
	resp, mismatch, err := ic.Do(req)
	require.NoError(t, err)
	assert.Nil(t, mismatch)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	snap := ledger.GetSnapshot()
	assert.Equal(t, int64(0), snap.CumulativeSpendMicroUSDC)
	assert.Equal(t, int64(0), snap.PendingSpendMicroUSDC)
}

func TestDoSkipsRequestsAlreadyCarryingPayment(t *testing.T) {
	ledger := newLedger(t)
	calls := 0
	transport := func(req *http.Request) (*http.Response, error) {
		calls++
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("ok")), Header: make(http.Header)}, nil
	}
	ic := New(transport, ledger, nil)

	req := httptest.NewRequest(http.MethodGet, "https://origin.example/compute", nil)
	req.Header.Set(HeaderPaymentSignature, "already-attached")
	_, _, err := ic.Do(req)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoIdempotentRetrySameChallengeReusesSignature(t *testing.T) {
	ledger := newLedger(t)
	var firstSig, secondSig string
	calls := 0
	transport := func(req *http.Request) (*http.Response, error) {
		calls++
		switch calls {
		case 1, 3:
			return paymentRequiredResponseWithID(t, "GET", "/compute", 250000, "fixed-challenge", "fixed-nonce"), nil
		case 2:
			firstSig = req.Header.Get(HeaderPaymentSignature)
			return &http.Response{StatusCode: http.StatusInternalServerError, Body: io.NopCloser(strings.NewReader("boom")), Header: make(http.Header)}, nil
		default:
			secondSig = req.Header.Get(HeaderPaymentSignature)
			return okResponse(secondSig), nil
		}
	}
	ic := New(transport, ledger, nil)

	req := httptest.NewRequest(http.MethodGet, "https://origin.example/compute", nil)
	_, _, err := ic.Do(req)
	require.NoError(t, err)

	req2 := httptest.NewRequest(http.MethodGet, "https://origin.example/compute", nil)
	resp2, mismatch, err := ic.Do(req2)
	require.NoError(t, err)
	assert.Nil(t, mismatch)
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, firstSig, secondSig)
}

func TestDoSurfacesEchoedKeyMismatch(t *testing.T) {
	ledger := newLedger(t)
	calls := 0
	var clientSigned payment.SignedPayment
	transport := func(req *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return paymentRequiredResponse(t, "GET", "/compute", 250000), nil
		}
		encoded := req.Header.Get(HeaderPaymentSignature)
		decoded, err := wire.DecodeSignedPaymentHeader(encoded)
		require.NoError(t, err)
		clientSigned = decoded

		echoed := decoded
		echoed.IdempotencyKey = "aceid_" + strings.Repeat("0", 64)
		encodedEchoed, err := wire.EncodeSignedPaymentHeader(echoed)
		require.NoError(t, err)
		return okResponse(encodedEchoed), nil
	}
	ic := New(transport, ledger, nil)

	req := httptest.NewRequest(http.MethodGet, "https://origin.example/compute", nil)
	resp, mismatch, err := ic.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, mismatch)
	assert.Equal(t, clientSigned.IdempotencyKey, mismatch.Signed)
	assert.Equal(t, "aceid_"+strings.Repeat("0", 64), mismatch.Echoed)

	snap := ledger.GetSnapshot()
	assert.Equal(t, int64(0), snap.CumulativeSpendMicroUSDC)
}

func TestDoReturns402UnchangedWhenNoACEChallengeFound(t *testing.T) {
	ledger := newLedger(t)
	calls := 0
	unchanged := nonACEPaymentRequiredResponse(t)
	transport := func(req *http.Request) (*http.Response, error) {
		calls++
		return unchanged, nil
	}
	ic := New(transport, ledger, nil)

	req := httptest.NewRequest(http.MethodGet, "https://origin.example/compute", nil)
	resp, mismatch, err := ic.Do(req)
	require.NoError(t, err)
	assert.Nil(t, mismatch)
	assert.Same(t, unchanged, resp)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, 1, calls)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "payment_required")

	snap := ledger.GetSnapshot()
	assert.Equal(t, int64(0), snap.CumulativeSpendMicroUSDC)
	assert.Equal(t, int64(0), snap.PendingSpendMicroUSDC)
}

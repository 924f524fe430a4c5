// Package interceptor implements the client-side retry loop: send once,
// detect 402, extract the challenge, ask the session ledger to sign it,
// retry with the payment attached, and settle the pending attempt on the
// second response.
package interceptor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ChaosChain/chaoschain-ace-sdk/challenge"
	"github.com/ChaosChain/chaoschain-ace-sdk/payment"
	"github.com/ChaosChain/chaoschain-ace-sdk/session"
	"github.com/ChaosChain/chaoschain-ace-sdk/wire"
)

// challengeValue wraps the decoded challenge so extractChallenge has a
// named return type instead of the bare package type.
type challengeValue struct {
	challenge.PaymentChallenge
}

// EchoedKeyMismatch is returned alongside a successful response when the
// origin echoes back a Payment-Signature header whose idempotency key
// differs from the one the client signed. The interceptor still commits
// the echoed key (the origin's view of what it settled is authoritative)
// but surfaces the discrepancy instead of absorbing it silently.
type EchoedKeyMismatch struct {
	Signed string
	Echoed string
}

func (m *EchoedKeyMismatch) Error() string {
	return fmt.Sprintf("interceptor: echoed idempotency key %q does not match signed key %q", m.Echoed, m.Signed)
}

// HeaderPaymentSignature carries the base64 SignedPayment envelope on a
// retried request, and is echoed back by a compliant origin on success.
const HeaderPaymentSignature = "Payment-Signature"

// HeaderPaymentRequired carries the base64 X402PaymentRequired envelope on a
// 402 response.
const HeaderPaymentRequired = "Payment-Required"

// HeaderIdempotencyKey carries the derived idempotency key on a retried
// request, redundant with the key embedded in the payment but convenient
// for origin-side logging before the body is parsed.
const HeaderIdempotencyKey = "X-Ace-Idempotency-Key"

// legacyPaymentHeaders are alternate spellings this interceptor recognizes
// as "this request already carries a payment", so it never double-signs a
// request a caller has already attached payment to by hand.
var legacyPaymentHeaders = []string{HeaderPaymentSignature, "X-Payment", "X-Ace-Payment"}

// Transport is the RoundTrip-shaped function the interceptor wraps. Any
// http.Client.Do-like primitive can be adapted to this type, including
// (*http.Client).Do itself via a small closure.
type Transport func(*http.Request) (*http.Response, error)

// Interceptor drives one ledger's worth of automatic payment retries over a
// Transport.
type Interceptor struct {
	transport Transport
	ledger    *session.Ledger
	logger    *slog.Logger
}

// New builds an Interceptor. If logger is nil, slog.Default() is used.
func New(transport Transport, ledger *session.Ledger, logger *slog.Logger) *Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interceptor{transport: transport, ledger: ledger, logger: logger}
}

// Do sends req, and if the first response is 402 Payment Required, signs a
// payment for the embedded challenge and retries exactly once. Non-402
// responses, and requests that already carry a payment header, are
// returned unchanged with a nil mismatch.
//
// The returned *EchoedKeyMismatch is non-nil only when the origin echoed a
// Payment-Signature header on a 2xx response whose idempotency key differs
// from the one the client signed; the response is still returned and the
// payment still committed under the echoed key, so callers that ignore the
// mismatch behave exactly as before this return value existed.
func (i *Interceptor) Do(req *http.Request) (*http.Response, *EchoedKeyMismatch, error) {
	if hasPaymentHeader(req) {
		resp, err := i.transport(req)
		return resp, nil, err
	}

	bodyBytes, err := drainBody(req)
	if err != nil {
		return nil, nil, fmt.Errorf("interceptor: buffer request body: %w", err)
	}

	first, err := i.transport(cloneWithBody(req, bodyBytes))
	if err != nil {
		return nil, nil, err
	}
	if first.StatusCode != http.StatusPaymentRequired {
		return first, nil, nil
	}

	challengeVal, found, err := extractChallenge(first)
	if err != nil {
		first.Body.Close()
		return nil, nil, fmt.Errorf("interceptor: extract challenge: %w", err)
	}
	if !found {
		// first.Body is left open (and reset, if extractChallenge peeked at
		// it) for the caller to read; no retry is attempted.
		return first, nil, nil
	}
	first.Body.Close()

	rc := payment.RequestContext{
		Method: req.Method,
		URL:    req.URL.String(),
		Body:   string(bodyBytes),
	}

	signed, err := i.ledger.SignForChallenge(challengeVal.PaymentChallenge, rc, time.Now())
	if err != nil {
		return nil, nil, fmt.Errorf("interceptor: sign challenge: %w", err)
	}

	encodedPayment, err := wire.EncodeSignedPaymentHeader(signed)
	if err != nil {
		return nil, nil, fmt.Errorf("interceptor: encode payment header: %w", err)
	}

	retryReq := cloneWithBody(req, bodyBytes)
	retryReq.Header.Set(HeaderPaymentSignature, encodedPayment)
	retryReq.Header.Set(HeaderIdempotencyKey, signed.IdempotencyKey)

	second, err := i.transport(retryReq)
	if err != nil {
		if releaseErr := i.ledger.ReleasePayment(signed.IdempotencyKey); releaseErr != nil {
			i.logger.Warn("interceptor: release after transport error failed", "idempotencyKey", signed.IdempotencyKey, "error", releaseErr)
		}
		return nil, nil, fmt.Errorf("interceptor: retry with payment: %w", err)
	}

	if second.StatusCode < 200 || second.StatusCode >= 300 {
		if releaseErr := i.ledger.ReleasePayment(signed.IdempotencyKey); releaseErr != nil {
			i.logger.Warn("interceptor: release after non-2xx retry failed", "idempotencyKey", signed.IdempotencyKey, "error", releaseErr)
		}
		return second, nil, nil
	}

	commitKey := signed.IdempotencyKey
	var mismatch *EchoedKeyMismatch
	if echoed := second.Header.Get(HeaderPaymentSignature); echoed != "" {
		echoedPayment, err := wire.DecodeSignedPaymentHeader(echoed)
		if err != nil {
			i.logger.Warn("interceptor: could not decode echoed payment header", "error", err)
		} else if echoedPayment.IdempotencyKey != signed.IdempotencyKey {
			mismatch = &EchoedKeyMismatch{Signed: signed.IdempotencyKey, Echoed: echoedPayment.IdempotencyKey}
			i.logger.Warn("interceptor: echoed idempotency key mismatch",
				"signed", mismatch.Signed, "echoed", mismatch.Echoed)
			commitKey = echoedPayment.IdempotencyKey
		}
	}

	if err := i.ledger.CommitPayment(commitKey); err != nil {
		i.logger.Warn("interceptor: commit after successful retry failed", "idempotencyKey", commitKey, "error", err)
	}

	return second, mismatch, nil
}

func hasPaymentHeader(req *http.Request) bool {
	for _, name := range legacyPaymentHeaders {
		if req.Header.Get(name) != "" {
			return true
		}
	}
	return false
}

func drainBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

func cloneWithBody(req *http.Request, bodyBytes []byte) *http.Request {
	clone := req.Clone(req.Context())
	if bodyBytes != nil {
		clone.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		clone.ContentLength = int64(len(bodyBytes))
	}
	return clone
}

// extractChallenge reads the challenge out of a 402 response, trying the
// Payment-Required header first and falling back to the JSON body for
// clients that cannot inspect response headers. The bool return reports
// whether a challenge was found at all; when false, err is nil and the
// caller is expected to return the 402 response unchanged. err is reserved
// for genuine I/O failures (reading the body), not "no challenge here".
func extractChallenge(resp *http.Response) (challengeValue, bool, error) {
	if header := resp.Header.Get(HeaderPaymentRequired); header != "" {
		if env, err := wire.DecodePaymentRequiredHeader(header); err == nil {
			if c, ok := wire.FindChallenge(env); ok {
				return challengeValue{c}, true, nil
			}
		}
		// Header present but undecodable, or decodes to no ACE challenge:
		// fall through to the body.
	}

	contentType := resp.Header.Get("Content-Type")
	if !isJSONContentType(contentType) {
		return challengeValue{}, false, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return challengeValue{}, false, fmt.Errorf("read 402 body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(raw))

	var body wire.PaymentRequiredBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return challengeValue{}, false, nil
	}
	if body.Challenge.ChallengeID == "" {
		return challengeValue{}, false, nil
	}
	return challengeValue{body.Challenge}, true, nil
}

// isJSONContentType reports whether a Content-Type header value indicates a
// JSON body, ignoring any charset or other parameters.
func isJSONContentType(contentType string) bool {
	mediaType := contentType
	if idx := strings.IndexByte(contentType, ';'); idx >= 0 {
		mediaType = contentType[:idx]
	}
	mediaType = strings.TrimSpace(mediaType)
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

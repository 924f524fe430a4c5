package origin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// Upstream forwards the protected work to a backend HTTP service, stripping
// client-identifying and payment headers before forwarding, and buffering
// the upstream's JSON response so the verifier can embed it in the
// paid-response envelope instead of streaming it straight through.
type Upstream struct {
	proxy *httputil.ReverseProxy
}

// NewUpstream creates an Upstream targeting upstreamURL.
func NewUpstream(upstreamURL string) (*Upstream, error) {
	target, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("origin: parse upstream url: %w", err)
	}

	rp := httputil.NewSingleHostReverseProxy(target)

	base := rp.Director
	rp.Director = func(req *http.Request) {
		base(req)
		req.Header.Del("X-Forwarded-For")
		req.Header.Del("X-Forwarded-Host")
		req.Header.Del("X-Forwarded-Proto")
		req.Header.Del("X-Real-Ip")
		req.Header.Del("Forwarded")
		req.Header.Del("Via")
		req.Header.Del("Authorization")
		req.Header.Del("Payment-Signature")
		req.Header.Del("X-Payment")
		req.Header.Del("X-Ace-Payment")
		req.Header.Del("X-Ace-Idempotency-Key")
		req.Host = target.Host
	}

	rp.ErrorHandler = func(w http.ResponseWriter, _ *http.Request, err error) {
		slog.Error("origin: upstream error", "error", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}

	return &Upstream{proxy: rp}, nil
}

// Compute runs the upstream request and returns its JSON response body
// verbatim as a json.RawMessage, for embedding in the paid-response
// envelope's result field. If the upstream body is not valid JSON, it is
// wrapped as a JSON string.
func (u *Upstream) Compute(r *http.Request) (json.RawMessage, error) {
	rec := &bufferingResponseWriter{header: make(http.Header)}
	u.proxy.ServeHTTP(rec, r)

	if rec.statusCode != 0 && (rec.statusCode < 200 || rec.statusCode >= 300) {
		return nil, fmt.Errorf("origin: upstream returned status %d: %s", rec.statusCode, rec.body.String())
	}

	raw := bytes.TrimSpace(rec.body.Bytes())
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}
	if json.Valid(raw) {
		return json.RawMessage(raw), nil
	}
	wrapped, err := json.Marshal(string(raw))
	if err != nil {
		return nil, fmt.Errorf("origin: wrap non-json upstream body: %w", err)
	}
	return json.RawMessage(wrapped), nil
}

// bufferingResponseWriter captures a reverse-proxied response in memory
// instead of writing it to the real client, so Compute can extract the
// body as a result value.
type bufferingResponseWriter struct {
	header     http.Header
	statusCode int
	body       bytes.Buffer
}

func (b *bufferingResponseWriter) Header() http.Header { return b.header }

func (b *bufferingResponseWriter) Write(p []byte) (int, error) {
	if b.statusCode == 0 {
		b.statusCode = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferingResponseWriter) WriteHeader(statusCode int) {
	b.statusCode = statusCode
}

var _ io.Writer = (*bufferingResponseWriter)(nil)

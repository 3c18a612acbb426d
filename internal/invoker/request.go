package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/openapi"
	"github.com/pitabwire/tabula/model"
)

const maxResponseBody = 10 << 20

// outbound is a fully built request that can be sent more than once.
type outbound struct {
	method  string
	url     string
	headers http.Header
	body    []byte
}

func (o outbound) request(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if o.body != nil {
		body = bytes.NewReader(o.body)
	}
	req, err := http.NewRequestWithContext(ctx, o.method, o.url, body)
	if err != nil {
		return nil, fmt.Errorf("invoker: build request: %w", err)
	}
	req.Header = o.headers.Clone()
	return req, nil
}

// buildRequestURL expands path parameters, escaped, and appends the query.
func buildRequestURL(op openapi.IndexedOperation, input model.InvocationInput) string {
	pairs := make([]string, 0, 2*len(input.PathParams))
	for name, value := range input.PathParams {
		pairs = append(pairs, "{"+name+"}", url.PathEscape(value))
	}
	u := strings.TrimSuffix(op.BaseURL, "/") + strings.NewReplacer(pairs...).Replace(op.PathTemplate)

	if len(input.QueryParams) == 0 {
		return u
	}
	q := make(url.Values, len(input.QueryParams))
	for k, v := range input.QueryParams {
		q.Set(k, v)
	}
	return u + "?" + q.Encode()
}

// buildRequestHeaders forwards the caller's token and identity. Headers in
// input are applied last and win.
func buildRequestHeaders(rctx *model.RequestContext, input model.InvocationInput, method string) http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		h.Set("Content-Type", "application/json")
	}

	if rctx != nil {
		if rctx.Token != "" {
			h.Set("Authorization", "Bearer "+sanitizeHeader(rctx.Token))
		}
		for k, v := range map[string]string{
			"X-Tenant-Id":       rctx.TenantID,
			"X-Correlation-Id":  rctx.CorrelationID,
			"X-Request-Subject": rctx.SubjectID,
		} {
			if v != "" {
				h.Set(k, sanitizeHeader(v))
			}
		}
		if rctx.Locale != "" {
			h.Set("Accept-Language", sanitizeHeader(rctx.Locale))
		}
	}
	for k, v := range input.Headers {
		h.Set(sanitizeHeader(k), sanitizeHeader(v))
	}
	return h
}

var headerBreaks = strings.NewReplacer("\r", "", "\n", "")

// sanitizeHeader drops CR and LF so forwarded values cannot inject headers.
func sanitizeHeader(s string) string {
	return headerBreaks.Replace(s)
}

// keptResponseHeaders are surfaced on InvocationResult; the rest are dropped.
var keptResponseHeaders = []string{
	"Content-Type", "X-Correlation-Id", "X-Trace-Id",
	"X-Request-Id", "Retry-After", "X-Total-Count",
}

func extractResponseHeaders(resp *http.Response) map[string]string {
	out := make(map[string]string, len(keptResponseHeaders))
	for _, k := range keptResponseHeaders {
		if v := resp.Header.Get(k); v != "" {
			out[k] = v
		}
	}
	return out
}

// decodeResponse reads a bounded body and decodes it as JSON with numbers
// kept as json.Number. A non-JSON body leaves Body nil.
func decodeResponse(resp *http.Response) (model.InvocationResult, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return model.InvocationResult{}, fmt.Errorf("invoker: read response: %w", err)
	}
	result := model.InvocationResult{StatusCode: resp.StatusCode, Headers: extractResponseHeaders(resp)}
	if len(raw) == 0 {
		return result, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body any
	if dec.Decode(&body) == nil {
		result.Body = body
	}
	return result, nil
}

// classifyTransportError maps a failed round trip onto the error envelope
// callers see. Deadlines become BACKEND_TIMEOUT and dial failures
// BACKEND_UNAVAILABLE.
func classifyTransportError(ctx context.Context, err error) error {
	var netErr net.Error
	if ctx.Err() != nil || (errors.As(err, &netErr) && netErr.Timeout()) {
		return model.NewBackendTimeoutError()
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return model.NewBackendUnavailableError()
	}
	return fmt.Errorf("invoker: request failed: %w", err)
}

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// isRetryableStatus covers the gateway-style failures; 501 is permanent.
func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// isRetryableError is true for raw transport errors. Envelopes, which
// include breaker rejections, are final.
func isRetryableError(err error) bool {
	var env *model.ErrorEnvelope
	return err != nil && !errors.As(err, &env)
}

// calculateBackoff is the delay before retry number attempt (from 1):
// initial * multiplier^(attempt-1), capped at max.
func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	initial := cmpOr(cfg.BackoffInitial, 100*time.Millisecond)
	limit := cmpOr(cfg.BackoffMax, 2*time.Second)
	mult := cfg.BackoffMultiplier
	if mult <= 0 {
		mult = 2
	}

	d := initial
	for range attempt - 1 {
		d = time.Duration(float64(d) * mult)
		if d >= limit {
			return limit
		}
	}
	return min(d, limit)
}

func cmpOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

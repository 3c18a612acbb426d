package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/internal/openapi"
	"github.com/pitabwire/tabula/model"
)

const defaultServiceTimeout = 10 * time.Second

// Recorder receives backend call metrics. *observability.Metrics satisfies it.
type Recorder interface {
	RecordBackendRequest(serviceID, operationID string, status int, duration time.Duration)
	RecordBackendRetry(serviceID string)
	SetBackendCircuitBreakerState(serviceID string, state float64)
}

type nopRecorder struct{}

func (nopRecorder) RecordBackendRequest(string, string, int, time.Duration) {}
func (nopRecorder) RecordBackendRetry(string)                              {}
func (nopRecorder) SetBackendCircuitBreakerState(string, float64)          {}

// backend is everything needed to call one configured service.
type backend struct {
	id      string
	cfg     config.ServiceConfig
	http    *http.Client
	breaker *CircuitBreaker
}

// Client calls backend operations resolved from the OpenAPI index. Each
// service gets its own HTTP client, circuit breaker and retry policy.
type Client struct {
	index    *openapi.Index
	backends map[string]*backend
	logger   *zap.Logger
	recorder Recorder
}

type ClientOption func(*Client)

func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func WithRecorder(r Recorder) ClientOption {
	return func(c *Client) { c.recorder = r }
}

// WithHTTPClient makes every service share hc. Tests use it to stub the
// transport.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		for _, b := range c.backends {
			b.http = hc
		}
	}
}

func NewClient(idx *openapi.Index, services map[string]config.ServiceConfig, opts ...ClientOption) *Client {
	c := &Client{
		index:    idx,
		backends: make(map[string]*backend, len(services)),
		logger:   zap.NewNop(),
		recorder: nopRecorder{},
	}
	for id, cfg := range services {
		c.backends[id] = &backend{id: id, cfg: cfg, http: newHTTPClient(cfg.Timeout)}
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, b := range c.backends {
		b.breaker = NewCircuitBreaker(b.cfg.CircuitBreaker, c.breakerObserver(b.id))
	}
	return c
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultServiceTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxConnsPerHost:     50,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

func (c *Client) breakerObserver(serviceID string) func(BreakerState) {
	return func(s BreakerState) {
		c.recorder.SetBackendCircuitBreakerState(serviceID, float64(s))
		c.logger.Warn("backend breaker state changed", zap.String("service_id", serviceID), zap.Stringer("state", s))
	}
}

// Service returns serviceID's configuration.
func (c *Client) Service(serviceID string) (config.ServiceConfig, bool) {
	if b, ok := c.backends[serviceID]; ok {
		return b.cfg, true
	}
	return config.ServiceConfig{}, false
}

func (c *Client) Index() *openapi.Index { return c.index }

// Invoke calls the bound operation on behalf of rctx. Transport failures come
// back as BACKEND_TIMEOUT or BACKEND_UNAVAILABLE envelopes; any HTTP response,
// including 4xx and 5xx, is returned as a result for the caller to interpret.
func (c *Client) Invoke(ctx context.Context, rctx *model.RequestContext, binding model.OperationBinding, input model.InvocationInput) (result model.InvocationResult, err error) {
	op, ok := c.index.GetOperation(binding.ServiceID, binding.OperationID)
	if !ok {
		return model.InvocationResult{}, fmt.Errorf("invoker: operation %s/%s not found in OpenAPI index", binding.ServiceID, binding.OperationID)
	}
	b, ok := c.backends[binding.ServiceID]
	if !ok {
		return model.InvocationResult{}, fmt.Errorf("invoker: service %q not configured", binding.ServiceID)
	}

	ctx, span := observability.StartSpan(ctx, "backend.invoke",
		observability.AttrServiceID.String(binding.ServiceID),
		observability.AttrOperationID.String(binding.OperationID),
		attribute.String("http.request.method", op.Method),
	)
	defer func() {
		if err == nil {
			span.SetAttributes(attribute.Int("http.response.status_code", result.StatusCode))
		}
		observability.EndSpanWithError(span, err)
	}()

	call := outbound{
		method:  op.Method,
		url:     buildRequestURL(op, input),
		headers: buildRequestHeaders(rctx, input, op.Method),
	}
	observability.InjectTraceHeaders(ctx, call.headers)
	if input.Body != nil {
		if call.body, err = json.Marshal(input.Body); err != nil {
			return model.InvocationResult{}, fmt.Errorf("invoker: marshal body: %w", err)
		}
	}

	start := time.Now()
	result, err = c.withRetry(ctx, b, call)
	c.recorder.RecordBackendRequest(binding.ServiceID, binding.OperationID, result.StatusCode, time.Since(start))
	return result, err
}

// withRetry repeats call per the service's retry policy. Only unclassified
// transport errors and 5xx gateway statuses are retried, and non-idempotent
// methods only when the policy allows it. The last 5xx result is returned
// once attempts run out.
func (c *Client) withRetry(ctx context.Context, b *backend, call outbound) (model.InvocationResult, error) {
	policy := b.cfg.Retry
	attempts := max(policy.MaxAttempts, 1)
	retryable := !policy.IdempotentOnly || isIdempotentMethod(call.method)
	logger := observability.LoggerFrom(ctx, c.logger).With(zap.String("service_id", b.id))

	var (
		result model.InvocationResult
		err    error
	)
	for attempt := range attempts {
		if attempt > 0 {
			c.recorder.RecordBackendRetry(b.id)
			timer := time.NewTimer(calculateBackoff(policy, attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return model.InvocationResult{}, model.NewBackendTimeoutError()
			case <-timer.C:
			}
		}

		result, err = c.send(ctx, b, call)
		last := attempt == attempts-1
		switch {
		case err != nil && (!retryable || !isRetryableError(err) || last):
			return model.InvocationResult{}, err
		case err != nil:
			logger.Debug("backend call failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
		case retryable && !last && isRetryableStatus(result.StatusCode):
			logger.Debug("backend returned retryable status", zap.Int("attempt", attempt+1), zap.Int("status", result.StatusCode))
		default:
			return result, nil
		}
	}
	return result, err
}

// send performs one breaker-guarded request. A 5xx or transport failure
// counts against the breaker; a 4xx counts as neither success nor failure.
func (c *Client) send(ctx context.Context, b *backend, call outbound) (model.InvocationResult, error) {
	if err := b.breaker.Allow(); err != nil {
		return model.InvocationResult{}, err
	}

	req, err := call.request(ctx)
	if err != nil {
		return model.InvocationResult{}, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		b.breaker.RecordFailure()
		return model.InvocationResult{}, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	result, err := decodeResponse(resp)
	switch {
	case err != nil || resp.StatusCode >= 500:
		b.breaker.RecordFailure()
	case resp.StatusCode < 400:
		b.breaker.RecordSuccess()
	}
	return result, err
}

package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nictes1/orquesta/internal/manifest"
	"github.com/nictes1/orquesta/internal/observability"
	"github.com/nictes1/orquesta/internal/slots"
	"github.com/nictes1/orquesta/internal/workspace"
)

// Handler executes an internal (in-process) tool.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Config tunes the broker. Zero values take defaults.
type Config struct {
	// MaxAttempts bounds attempts for retry-safe tools. Tools that are
	// not retry-safe always get exactly one attempt.
	MaxAttempts int

	// BackoffBase and BackoffMax shape the full-jitter retry delay.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// MaxConcurrentPerTool caps in-flight executions per tool name.
	MaxConcurrentPerTool int64

	// MaxBodyBytes guards request and response sizes.
	MaxBodyBytes int64

	Circuit CircuitConfig

	// HTTPClient overrides the default client, for tests.
	HTTPClient *http.Client

	UserAgent string
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 200 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 3 * time.Second
	}
	if c.MaxConcurrentPerTool <= 0 {
		c.MaxConcurrentPerTool = 10
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.UserAgent == "" {
		c.UserAgent = "orquesta/1.0"
	}
	return c
}

// Broker executes tool calls. Safe for concurrent use.
type Broker struct {
	config  Config
	client  *http.Client
	logger  *observability.Logger
	metrics *observability.Metrics
	reg     *slots.Registry

	breakers *breakerRegistry
	idem     *idemCache

	mu       sync.Mutex
	handlers map[string]Handler
	sems     map[string]*semaphore.Weighted

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes a Broker.
type Option func(*Broker)

// WithMetrics attaches tool call metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithClock overrides the clock used by idempotency and circuit
// bookkeeping, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithSleep overrides the inter-attempt sleep, for fast tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(b *Broker) { b.sleep = sleep }
}

// New creates a broker. The slot registry drives PII redaction in logs.
func New(config Config, reg *slots.Registry, logger *observability.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	config = config.withDefaults()
	b := &Broker{
		config:   config,
		client:   config.HTTPClient,
		logger:   logger,
		reg:      reg,
		breakers: newBreakerRegistry(config.Circuit),
		idem:     newIdemCache(),
		handlers: make(map[string]Handler),
		sems:     make(map[string]*semaphore.Weighted),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register binds an in-process handler to a tool name. Tools declared
// with an internal transport dispatch here.
func (b *Broker) Register(tool string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[tool] = h
}

// ForceHalfOpen lets an operator probe a tripped (workspace, tool)
// circuit without waiting out the cooldown.
func (b *Broker) ForceHalfOpen(workspaceID, tool string) {
	b.breakers.ForceHalfOpen(workspaceID, tool)
}

// Close releases idle transport connections.
func (b *Broker) Close() {
	b.client.CloseIdleConnections()
}

// Request describes one tool execution.
type Request struct {
	Workspace      *workspace.Workspace
	ConversationID string
	RequestID      string
	Spec           *manifest.ToolSpec
	Args           map[string]any
}

// Execute runs one tool call and always returns an Observation; it
// never returns an error to the caller. Identical calls within the
// tool's cache TTL are answered from the idempotency cache.
func (b *Broker) Execute(ctx context.Context, req Request) Observation {
	tool := req.Spec.Name
	start := b.now()

	b.logger.Event(ctx, "tool_call_started",
		"tool", tool,
		"args", b.redact(req.Args),
	)

	key := IdempotencyKey(req.Workspace.ID, req.ConversationID, req.RequestID, tool, req.Args)
	if data, ok := b.idem.GetAt(key, start); ok {
		return b.finish(ctx, req, start, Observation{
			Tool:      tool,
			Status:    StatusDuplicate,
			Data:      data,
			FromCache: true,
		})
	}

	breaker := b.breakers.get(req.Workspace.ID, tool)
	if !breaker.AllowAt(start) {
		return b.finish(ctx, req, start, Observation{
			Tool:   tool,
			Status: StatusCircuitOpen,
			Error:  fmt.Sprintf("circuit open for %s", tool),
		})
	}

	sem := b.semaphoreFor(tool)
	if err := sem.Acquire(ctx, 1); err != nil {
		return b.finish(ctx, req, start, Observation{
			Tool:     tool,
			Status:   StatusFailure,
			Error:    "canceled while waiting for a concurrency slot",
			Attempts: 0,
		})
	}
	defer sem.Release(1)

	obs := b.attemptLoop(ctx, req)

	switch obs.Status {
	case StatusSuccess:
		breaker.RecordSuccessAt(b.now())
		b.idem.PutAt(key, obs.Data, req.Spec.CacheTTL(), b.now())
	case StatusFailure, StatusTimeout:
		breaker.RecordFailureAt(b.now())
	}

	return b.finish(ctx, req, start, obs)
}

// attemptResult is the outcome of one transport attempt.
type attemptResult struct {
	data       map[string]any
	statusCode int
	retryAfter time.Duration
	truncated  bool
	err        error
	status     Status
	retryable  bool
}

func (b *Broker) attemptLoop(ctx context.Context, req Request) Observation {
	maxAttempts := 1
	if req.Spec.RetrySafe() {
		maxAttempts = b.config.MaxAttempts
	}

	var last attemptResult
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		last = b.attempt(ctx, req)
		if last.status == StatusSuccess || !last.retryable {
			break
		}
		if attempt == maxAttempts {
			break
		}
		delay := retryDelay(attempt, b.config.BackoffBase, b.config.BackoffMax, last.retryAfter)
		if err := b.sleep(ctx, delay); err != nil {
			break
		}
	}

	obs := Observation{
		Tool:       req.Spec.Name,
		Status:     last.status,
		Data:       last.data,
		StatusCode: last.statusCode,
		Attempts:   attempts,
		Truncated:  last.truncated,
	}
	if last.err != nil {
		obs.Error = last.err.Error()
	}
	return obs
}

func (b *Broker) attempt(ctx context.Context, req Request) attemptResult {
	attemptCtx, cancel := context.WithTimeout(ctx, req.Spec.Timeout())
	defer cancel()

	switch req.Spec.Transport.Kind {
	case manifest.TransportInternal:
		return b.attemptInternal(attemptCtx, req)
	case manifest.TransportHTTP:
		return b.attemptHTTP(attemptCtx, req)
	default:
		return attemptResult{
			status: StatusFailure,
			err:    fmt.Errorf("unsupported transport %q", req.Spec.Transport.Kind),
		}
	}
}

func (b *Broker) attemptInternal(ctx context.Context, req Request) attemptResult {
	b.mu.Lock()
	h, ok := b.handlers[req.Spec.Name]
	b.mu.Unlock()
	if !ok {
		return attemptResult{
			status: StatusFailure,
			err:    fmt.Errorf("no handler registered for %s", req.Spec.Name),
		}
	}

	data, err := h(ctx, req.Args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return attemptResult{status: StatusTimeout, err: err, retryable: true}
		}
		return attemptResult{status: StatusFailure, err: err, retryable: true}
	}
	return attemptResult{status: StatusSuccess, data: data}
}

func (b *Broker) attemptHTTP(ctx context.Context, req Request) attemptResult {
	httpReq, err := b.buildHTTPRequest(ctx, req)
	if err != nil {
		return attemptResult{status: StatusFailure, err: err}
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return attemptResult{status: StatusTimeout, err: fmt.Errorf("tool call timed out after %s", req.Spec.Timeout()), retryable: true}
		}
		return attemptResult{status: StatusFailure, err: err, retryable: true}
	}
	defer resp.Body.Close()

	body, truncated, err := readBounded(resp.Body, b.config.MaxBodyBytes)
	if err != nil {
		return attemptResult{status: StatusFailure, statusCode: resp.StatusCode, err: err, retryable: true}
	}
	if truncated {
		return attemptResult{
			status:     StatusFailure,
			statusCode: resp.StatusCode,
			truncated:  true,
			err:        fmt.Errorf("response exceeds %d bytes", b.config.MaxBodyBytes),
		}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return attemptResult{
			status:     StatusSuccess,
			statusCode: resp.StatusCode,
			data:       decodeBody(body),
		}
	case resp.StatusCode == http.StatusTooManyRequests:
		return attemptResult{
			status:     StatusRateLimited,
			statusCode: resp.StatusCode,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), b.now()),
			err:        errors.New("tool backend rate limited the call"),
			retryable:  true,
		}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return attemptResult{
			status:     StatusFailure,
			statusCode: resp.StatusCode,
			err:        fmt.Errorf("tool backend returned %d", resp.StatusCode),
			retryable:  true,
		}
	default:
		// Remaining 4xx are caller errors; retrying cannot help.
		return attemptResult{
			status:     StatusFailure,
			statusCode: resp.StatusCode,
			err:        fmt.Errorf("tool backend rejected the call with %d", resp.StatusCode),
		}
	}
}

func (b *Broker) buildHTTPRequest(ctx context.Context, req Request) (*http.Request, error) {
	transport := req.Spec.Transport
	method := transport.Method

	var httpReq *http.Request
	var err error
	if method == http.MethodGet || method == http.MethodDelete {
		httpReq, err = http.NewRequestWithContext(ctx, method, transport.URL, nil)
		if err != nil {
			return nil, err
		}
		q := httpReq.URL.Query()
		for k, v := range req.Args {
			q.Set(k, fmt.Sprint(v))
		}
		httpReq.URL.RawQuery = q.Encode()
	} else {
		payload, merr := json.Marshal(req.Args)
		if merr != nil {
			return nil, fmt.Errorf("encode args: %w", merr)
		}
		if int64(len(payload)) > b.config.MaxBodyBytes {
			return nil, fmt.Errorf("request body exceeds %d bytes", b.config.MaxBodyBytes)
		}
		httpReq, err = http.NewRequestWithContext(ctx, method, transport.URL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpReq.Header.Set("User-Agent", b.config.UserAgent)
	httpReq.Header.Set("X-Workspace-Id", req.Workspace.ID)
	httpReq.Header.Set("X-Conversation-Id", req.ConversationID)
	httpReq.Header.Set("X-Request-Id", req.RequestID)
	httpReq.Header.Set("X-Tool-Name", req.Spec.Name)
	httpReq.Header.Set("X-Tool-Retry-Safe", fmt.Sprintf("%t", req.Spec.RetrySafe()))

	if auth := transport.Auth; auth != nil {
		switch auth.Kind {
		case manifest.AuthBearer:
			httpReq.Header.Set("Authorization", "Bearer "+auth.Token)
		case manifest.AuthAPIKey:
			httpReq.Header.Set(auth.Header, auth.Value)
		}
	}
	return httpReq, nil
}

// decodeBody parses a response body into an observation payload. JSON
// objects pass through; other JSON values and non-JSON bodies are
// wrapped so downstream reduction always sees a map.
func decodeBody(body []byte) map[string]any {
	if len(bytes.TrimSpace(body)) == 0 {
		return map[string]any{}
	}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return map[string]any{"raw": string(body)}
	}
	if m, ok := decoded.(map[string]any); ok {
		return m
	}
	return map[string]any{"result": decoded}
}

// readBounded reads at most limit bytes, reporting whether the body
// was larger.
func readBounded(r io.Reader, limit int64) ([]byte, bool, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(body)) > limit {
		return body[:limit], true, nil
	}
	return body, false, nil
}

func (b *Broker) semaphoreFor(tool string) *semaphore.Weighted {
	b.mu.Lock()
	defer b.mu.Unlock()
	sem, ok := b.sems[tool]
	if !ok {
		sem = semaphore.NewWeighted(b.config.MaxConcurrentPerTool)
		b.sems[tool] = sem
	}
	return sem
}

// finish stamps latency, emits metrics and the terminal event, and
// returns the observation.
func (b *Broker) finish(ctx context.Context, req Request, start time.Time, obs Observation) Observation {
	elapsed := b.now().Sub(start)
	obs.LatencyMS = elapsed.Milliseconds()
	obs.Args = b.redact(req.Args)
	obs.Timestamp = start

	if b.metrics != nil {
		b.metrics.ObserveToolCall(obs.Tool, req.Workspace.ID, metricResult(obs.Status), obs.StatusCode, elapsed)
	}

	b.logger.Event(ctx, "tool_call_finished",
		"tool", obs.Tool,
		"status", string(obs.Status),
		"attempts", obs.Attempts,
		"latency_ms", obs.LatencyMS,
		"error", obs.Error,
	)
	return obs
}

func metricResult(status Status) string {
	switch status {
	case StatusSuccess:
		return observability.ResultSuccess
	case StatusRateLimited:
		return observability.ResultRateLimited
	case StatusCircuitOpen:
		return observability.ResultCircuitOpen
	case StatusDuplicate:
		return observability.ResultDuplicate
	default:
		return observability.ResultError
	}
}

// redact returns a copy of args with PII slot values masked for logs.
func (b *Broker) redact(args map[string]any) map[string]any {
	if b.reg == nil {
		return args
	}
	return b.reg.RedactArgs(args)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

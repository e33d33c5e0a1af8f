// Package graphql executes Spacelift GraphQL requests with rate limiting,
// retry and reactive credential refresh, and pages through connections.
package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/yairfalse/liftsync/internal/auth"
	"github.com/yairfalse/liftsync/internal/config"
	"github.com/yairfalse/liftsync/internal/telemetry"
)

// Rate limit headers inspected on successful responses.
const (
	HeaderRateLimit     = "X-RateLimit-Limit"
	HeaderRateRemaining = "X-RateLimit-Remaining"
)

// lowWaterFloor is the minimum remaining-requests reading treated as
// near exhaustion.
const lowWaterFloor = 10

// Querier executes a GraphQL document.
type Querier interface {
	Execute(ctx context.Context, query string, variables map[string]any) (*Response, error)
}

// Response is the data portion of a successful GraphQL response.
type Response struct {
	Data   json.RawMessage
	Header http.Header
}

// ExecutorConfig bounds request rate and retries.
type ExecutorConfig struct {
	Requests       int
	Window         time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultExecutorConfig returns 100 requests per 30s and 3 attempts with
// backoff from 2s capped at 30s.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Requests:       100,
		Window:         30 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// ExecutorConfigFrom builds an ExecutorConfig from loaded configuration.
func ExecutorConfigFrom(cfg *config.Config) ExecutorConfig {
	return ExecutorConfig{
		Requests:       cfg.RateLimit.Requests,
		Window:         cfg.RateLimit.Window,
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
	}
}

// Executor is a rate-aware GraphQL request executor. It is safe for
// concurrent use.
type Executor struct {
	endpoint string
	poster   auth.Poster
	tokens   auth.TokenSource
	cfg      ExecutorConfig
	limiter  *rate.Limiter
	logger   *telemetry.Logger
	metrics  *ExecutorMetrics
	tracer   trace.Tracer

	// set when the last success reported few remaining requests
	throttled atomic.Bool
}

// NewExecutor creates an Executor posting to endpoint.
func NewExecutor(endpoint string, poster auth.Poster, tokens auth.TokenSource, cfg ExecutorConfig, logger *telemetry.Logger) *Executor {
	def := DefaultExecutorConfig()
	if cfg.Requests <= 0 {
		cfg.Requests = def.Requests
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}

	metrics, err := NewExecutorMetrics()
	if err != nil {
		otel.Handle(err)
	}

	return &Executor{
		endpoint: endpoint,
		poster:   poster,
		tokens:   tokens,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Every(cfg.Window/time.Duration(cfg.Requests)), cfg.Requests),
		logger:   logger,
		metrics:  metrics,
		tracer:   otel.Tracer("liftsync.graphql"),
	}
}

type request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type envelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Execute runs query with variables. Transient failures are retried with
// exponential backoff up to MaxAttempts; a 401 triggers one credential
// refresh and one immediate retry.
func (e *Executor) Execute(ctx context.Context, query string, variables map[string]any) (*Response, error) {
	ctx, span := e.tracer.Start(ctx, "graphql.execute")
	defer span.End()
	start := time.Now()

	if variables == nil {
		variables = map[string]any{}
	}
	body, err := json.Marshal(request{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	if err := e.waitThrottle(ctx); err != nil {
		return nil, err
	}

	var (
		attempts  int
		refreshed bool
	)
	bo := &retryAfterBackOff{
		BackOff: &backoff.ExponentialBackOff{
			InitialInterval:     e.cfg.InitialBackoff,
			RandomizationFactor: backoff.DefaultRandomizationFactor,
			Multiplier:          backoff.DefaultMultiplier,
			MaxInterval:         e.cfg.MaxBackoff,
		},
		max: e.cfg.MaxBackoff,
	}

	op := func() (*Response, error) {
		attempts++
		resp, err := e.attempt(ctx, body, &refreshed)
		if err == nil {
			return resp, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Retryable() {
			bo.override = apiErr.RetryAfter
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	notify := func(err error, next time.Duration) {
		e.metrics.RecordRetry(ctx, classOf(err))
		e.logger.WithContext(ctx).Warn().
			Err(err).
			Int("attempt", attempts).
			Dur("backoff", next).
			Msg("retrying graphql request")
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(e.cfg.MaxAttempts)),
		backoff.WithNotify(notify),
	)

	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		if IsRetryable(err) && attempts >= e.cfg.MaxAttempts {
			err = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("graphql.attempts", attempts))
	e.metrics.RecordRequest(ctx, outcomeOf(err), time.Since(start).Seconds())

	return resp, err
}

// attempt performs one request. On 401 it refreshes the credential and
// retries exactly once per Execute call.
func (e *Executor) attempt(ctx context.Context, body []byte, refreshed *bool) (*Response, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	cred, err := e.tokens.Token(ctx)
	if err != nil {
		return nil, classifyAuthErr(err)
	}

	status, resp, err := e.post(ctx, body, cred)
	if err != nil || status != http.StatusUnauthorized {
		return resp, err
	}

	if *refreshed {
		return nil, unauthorizedAfterRefresh()
	}
	*refreshed = true

	e.logger.WithContext(ctx).Info().Msg("request unauthorized, refreshing credential")
	cred, err = e.tokens.Refresh(ctx)
	e.metrics.RecordRefresh(ctx, err == nil)
	if err != nil {
		return nil, classifyAuthErr(err)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	status, resp, err = e.post(ctx, body, cred)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		return nil, unauthorizedAfterRefresh()
	}
	return resp, nil
}

// post issues the request and classifies the outcome. A 401 is returned as
// a status with no error so the caller can decide whether to refresh.
func (e *Executor) post(ctx context.Context, body []byte, cred auth.Credential) (int, *Response, error) {
	httpResp, err := e.poster.Post(ctx, e.endpoint, body, map[string]string{
		"Authorization": "Bearer " + cred.Token,
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, &APIError{Class: ErrTransport, Err: err}
	}

	status := httpResp.StatusCode
	switch {
	case status == http.StatusUnauthorized:
		return status, nil, nil
	case status == http.StatusTooManyRequests:
		return status, nil, &APIError{
			Class:      ErrRateLimited,
			StatusCode: status,
			Message:    snippet(httpResp.Body),
			RetryAfter: parseRetryAfter(httpResp.Header.Get("Retry-After")),
		}
	case status >= 500:
		return status, nil, &APIError{Class: ErrServer, StatusCode: status, Message: snippet(httpResp.Body)}
	case status < 200 || status > 299:
		return status, nil, &APIError{Class: ErrClient, StatusCode: status, Message: snippet(httpResp.Body)}
	}

	e.inspectRateLimit(ctx, httpResp.Header)

	var env envelope
	if err := json.Unmarshal(httpResp.Body, &env); err != nil {
		return status, nil, &APIError{Class: ErrClient, StatusCode: status, Message: "decode response", Err: err}
	}

	hasData := len(env.Data) > 0 && string(env.Data) != "null"
	if len(env.Errors) > 0 {
		msgs := make([]string, 0, len(env.Errors))
		for _, ge := range env.Errors {
			msgs = append(msgs, ge.Message)
		}
		if !hasData {
			return status, nil, &APIError{Class: ErrClient, StatusCode: status, Message: strings.Join(msgs, "; ")}
		}
		e.logger.WithContext(ctx).Warn().
			Strs("errors", msgs).
			Msg("graphql response carried partial errors")
	}

	return status, &Response{Data: env.Data, Header: httpResp.Header}, nil
}

// inspectRateLimit arms the throttle when remaining drops below
// max(10, limit/10).
func (e *Executor) inspectRateLimit(ctx context.Context, h http.Header) {
	limit, err1 := strconv.Atoi(h.Get(HeaderRateLimit))
	remaining, err2 := strconv.Atoi(h.Get(HeaderRateRemaining))
	if err1 != nil || err2 != nil {
		return
	}
	if remaining < lowWaterMark(limit) {
		e.throttled.Store(true)
		e.metrics.RecordThrottle(ctx)
		e.logger.WithContext(ctx).Warn().
			Int("limit", limit).
			Int("remaining", remaining).
			Msg("approaching rate limit, next request will back off")
	}
}

func lowWaterMark(limit int) int {
	return max(lowWaterFloor, limit/10)
}

func (e *Executor) waitThrottle(ctx context.Context) error {
	if !e.throttled.CompareAndSwap(true, false) {
		return nil
	}
	t := time.NewTimer(e.cfg.InitialBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func classifyAuthErr(err error) error {
	if errors.Is(err, auth.ErrAuth) {
		return &APIError{Class: ErrUnauthorized, Err: err}
	}
	return &APIError{Class: ErrTransport, Err: err}
}

func unauthorizedAfterRefresh() error {
	return &APIError{
		Class:      ErrUnauthorized,
		StatusCode: http.StatusUnauthorized,
		Err:        &auth.Error{StatusCode: http.StatusUnauthorized, Message: "still unauthorized after credential refresh"},
	}
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func snippet(b []byte) string {
	const n = 200
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// retryAfterBackOff lets a server-provided Retry-After replace the next
// exponential interval, capped at max.
type retryAfterBackOff struct {
	backoff.BackOff
	max      time.Duration
	override time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if b.override > 0 {
		next = min(b.override, b.max)
		b.override = 0
	}
	return next
}

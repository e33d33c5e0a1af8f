package graphql

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/liftsync/internal/auth"
)

// ExecutorMetrics holds request-level metrics for the executor.
type ExecutorMetrics struct {
	requests        metric.Int64Counter
	requestDuration metric.Float64Histogram
	retries         metric.Int64Counter
	refreshes       metric.Int64Counter
	throttles       metric.Int64Counter
}

// NewExecutorMetrics creates executor metrics on the global meter provider.
func NewExecutorMetrics() (*ExecutorMetrics, error) {
	meter := otel.Meter("liftsync.graphql")

	requests, err := meter.Int64Counter(
		"liftsync.graphql.requests",
		metric.WithDescription("Number of GraphQL requests by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"liftsync.graphql.request.duration",
		metric.WithDescription("Duration of GraphQL requests including retries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter(
		"liftsync.graphql.retries",
		metric.WithDescription("Number of retried GraphQL attempts"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	refreshes, err := meter.Int64Counter(
		"liftsync.auth.refreshes",
		metric.WithDescription("Number of credential refreshes triggered by 401 responses"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, err
	}

	throttles, err := meter.Int64Counter(
		"liftsync.graphql.throttles",
		metric.WithDescription("Number of low-remaining rate limit readings"),
		metric.WithUnit("{signal}"),
	)
	if err != nil {
		return nil, err
	}

	return &ExecutorMetrics{
		requests:        requests,
		requestDuration: requestDuration,
		retries:         retries,
		refreshes:       refreshes,
		throttles:       throttles,
	}, nil
}

// RecordRequest records one Execute call and its outcome.
func (m *ExecutorMetrics) RecordRequest(ctx context.Context, outcome string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.requests.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, seconds, attrs)
}

// RecordRetry records a retried attempt for the given error class.
func (m *ExecutorMetrics) RecordRetry(ctx context.Context, class string) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
}

// RecordRefresh records a reactive credential refresh.
func (m *ExecutorMetrics) RecordRefresh(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	m.refreshes.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", ok)))
}

// RecordThrottle records a soft rate-limit signal.
func (m *ExecutorMetrics) RecordThrottle(ctx context.Context) {
	if m == nil {
		return
	}
	m.throttles.Add(ctx, 1)
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	return classOf(err)
}

func classOf(err error) string {
	switch {
	case errors.Is(err, auth.ErrAuth):
		return "auth"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrServer):
		return "server"
	case errors.Is(err, ErrClient):
		return "client"
	}
	return "other"
}

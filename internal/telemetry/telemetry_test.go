package telemetry

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/yairfalse/liftsync/internal/config"
)

func scrape(t *testing.T, p *Provider) string {
	t.Helper()
	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestNewProvider_Disabled(t *testing.T) {
	cfg := config.OTELConfig{
		ServiceName: "test-liftsync",
		Traces:      config.TracesConfig{Enabled: false},
		Metrics:     config.MetricsConfig{Enabled: false},
	}

	p, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.Same(t, p.meterProvider, otel.GetMeterProvider())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_WithEndpoint(t *testing.T) {
	cfg := config.OTELConfig{
		Endpoint:    "localhost:4317",
		Insecure:    true,
		ServiceName: "test-liftsync",
		Traces:      config.TracesConfig{Enabled: true, SampleRate: 1.0},
		Metrics:     config.MetricsConfig{Enabled: true},
	}

	// exporters connect lazily, so setup succeeds without a collector
	p, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = p.Shutdown(ctx)
}

func TestProvider_MetricsHandler(t *testing.T) {
	p, err := NewProvider(context.Background(), config.OTELConfig{ServiceName: "test-liftsync"}, WithServiceVersion("1.2.3"))
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	counter, err := otel.Meter("test").Int64Counter("liftsync_test")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	body := scrape(t, p)
	assert.Contains(t, body, "liftsync_test_total")
	assert.Contains(t, body, `liftsync_build_info{version="1.2.3"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestProvider_TwoProvidersDoNotConflict(t *testing.T) {
	p1, err := NewProvider(context.Background(), config.OTELConfig{ServiceName: "a"})
	require.NoError(t, err)
	p2, err := NewProvider(context.Background(), config.OTELConfig{ServiceName: "b"})
	require.NoError(t, err)

	assert.Contains(t, scrape(t, p1), "liftsync_build_info")
	assert.Contains(t, scrape(t, p2), "liftsync_build_info")

	_ = p1.Shutdown(context.Background())
	_ = p2.Shutdown(context.Background())
}

func TestLogger_WritesServiceField(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	logger := NewLogger("executor")
	logger.Info().Str("kind", "stack").Msg("hello")

	assert.Contains(t, buf.String(), `"service":"executor"`)
	assert.Contains(t, buf.String(), `"kind":"stack"`)
}

func TestLogger_TraceIDsFromContext(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	p, err := NewProvider(context.Background(), config.OTELConfig{ServiceName: "test-liftsync"})
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	ctx, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	NewLogger("sync").WithContext(ctx).Info().Msg("traced")

	assert.Contains(t, buf.String(), "trace_id")
	assert.Contains(t, buf.String(), "span_id")
}

func TestLogger_NoTraceWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	NewLogger("sync").WithContext(context.Background()).Info().Msg("plain")

	assert.NotContains(t, buf.String(), "trace_id")
}

func TestLogOperationError(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	NewLogger("sync").LogOperationError(context.Background(), "catalog_close", assert.AnError)

	assert.Contains(t, buf.String(), `"operation":"catalog_close"`)
	assert.Contains(t, buf.String(), `"level":"error"`)
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	logger.Error().Msg("discarded")
	logger.LogOperationError(context.Background(), "noop", assert.AnError)
}

package telemetry

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	sinkMu sync.RWMutex
	sink   io.Writer = os.Stdout
)

// SetOutput redirects loggers created after the call. The CLI uses it for
// --pretty and tests use it to capture lines.
func SetOutput(w io.Writer) {
	sinkMu.Lock()
	sink = w
	sinkMu.Unlock()
}

func writer() io.Writer {
	sinkMu.RLock()
	defer sinkMu.RUnlock()
	return sink
}

// spanHook stamps entries logged with a span context and marks the span
// failed on error-level entries.
type spanHook struct{}

func (spanHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	sc := span.SpanContext()
	if !sc.IsValid() {
		return
	}
	e.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
	if level >= zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// Logger is a zerolog.Logger tagged with the emitting component.
type Logger struct {
	zerolog.Logger
}

// NewLogger returns a JSON logger whose entries carry component.
func NewLogger(component string) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zl := zerolog.New(writer()).With().Timestamp().Str("service", component).Logger()
	return &Logger{Logger: zl.Hook(spanHook{})}
}

// NopLogger returns a logger that discards everything.
func NopLogger() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// WithContext binds ctx so entries pick up the active span.
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	zl := l.With().Ctx(ctx).Logger()
	return &zl
}

// LogOperationError logs a failed operation without aborting the caller.
func (l *Logger) LogOperationError(ctx context.Context, operation string, err error) {
	l.WithContext(ctx).Error().Err(err).Str("operation", operation).Msg("operation failed")
}

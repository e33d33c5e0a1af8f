// Package daemon runs the resync scheduler and the webhook HTTP server as
// one process lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/run"
	"go.opentelemetry.io/otel"

	"github.com/yairfalse/liftsync/internal/orchestrator"
	"github.com/yairfalse/liftsync/internal/telemetry"
	"github.com/yairfalse/liftsync/internal/webhook"
	"github.com/yairfalse/liftsync/pkg/resource"
)

// DefaultShutdownTimeout bounds the wait for in-flight requests and webhook
// dispatches on shutdown.
const DefaultShutdownTimeout = 30 * time.Second

// Config holds daemon configuration
type Config struct {
	Interval        time.Duration
	Kinds           []resource.Kind
	Listen          string
	OneShot         bool
	ShutdownTimeout time.Duration
}

// Resyncer runs a resync pass over kinds.
type Resyncer interface {
	ResyncAll(ctx context.Context, kinds []resource.Kind) []*orchestrator.Result
}

// Daemon manages the resync loop and the HTTP server.
type Daemon struct {
	cfg      Config
	resyncer Resyncer
	server   *webhook.Server
	logger   *telemetry.Logger
	metrics  *DaemonMetrics

	passCount atomic.Int64

	mu   sync.Mutex
	addr string
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(d *Daemon) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDaemon creates a new daemon instance. server may be nil, in which
// case no HTTP listener is started.
func NewDaemon(cfg Config, resyncer Resyncer, server *webhook.Server, opts ...Option) (*Daemon, error) {
	if !cfg.OneShot && cfg.Interval <= 0 {
		return nil, fmt.Errorf("daemon: interval must be positive, got %s", cfg.Interval)
	}
	if len(cfg.Kinds) == 0 {
		return nil, errors.New("daemon: no kinds to sync")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	d := &Daemon{
		cfg:      cfg,
		resyncer: resyncer,
		server:   server,
		logger:   telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}

	metrics, err := NewDaemonMetrics()
	if err != nil {
		otel.Handle(err)
	}
	d.metrics = metrics

	return d, nil
}

// Run blocks until ctx is cancelled or the HTTP server fails. The
// scheduler and the server are one run group: when either stops, the other
// is interrupted. In one-shot mode Run performs a single pass and returns.
func (d *Daemon) Run(ctx context.Context) error {
	if d.cfg.OneShot {
		d.Pass(ctx)
		return nil
	}

	var g run.Group

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return d.schedule(ctx)
		}, func(error) {
			cancel()
		})
	}

	if d.server != nil {
		ln, err := net.Listen("tcp", d.cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen %s: %w", d.cfg.Listen, err)
		}
		d.setAddr(ln.Addr().String())
		srv := &http.Server{
			Handler:           d.server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Add(func() error {
			d.logger.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			d.shutdown(srv)
		})
	}

	d.logger.Info().
		Dur("interval", d.cfg.Interval).
		Int("kinds", len(d.cfg.Kinds)).
		Msg("daemon starting")

	err := g.Run()
	d.logger.Info().Err(err).Msg("daemon stopped")
	return err
}

func (d *Daemon) shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		d.logger.Error().Err(err).Msg("http server shutdown")
	}
	if err := d.server.Wait(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("webhook dispatches still running at shutdown")
	}
}

// schedule runs an initial pass, marks the server ready and then resyncs
// every interval.
func (d *Daemon) schedule(ctx context.Context) error {
	d.Pass(ctx)
	if d.server != nil {
		d.server.SetReady(true)
	}

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Pass(ctx)
		}
	}
}

// Pass resyncs every configured kind once. Failures are logged and
// recorded; they never stop the daemon.
func (d *Daemon) Pass(ctx context.Context) []*orchestrator.Result {
	start := time.Now()
	results := d.resyncer.ResyncAll(ctx, d.cfg.Kinds)
	d.passCount.Add(1)

	var failed, entities int
	for _, res := range results {
		if res == nil {
			continue
		}
		if res.State == orchestrator.StateFailed || res.State == orchestrator.StateAborted {
			failed++
		}
		entities += res.Entities
	}

	status := passStatus(failed, len(results))
	d.metrics.RecordPass(ctx, status, time.Since(start).Seconds())

	d.logger.Info().
		Str("status", status).
		Int("kinds", len(results)).
		Int("failed", failed).
		Int("entities", entities).
		Dur("duration", time.Since(start)).
		Msg("resync pass finished")

	return results
}

func passStatus(failed, total int) string {
	switch {
	case failed == 0:
		return "success"
	case failed < total:
		return "partial"
	default:
		return "failed"
	}
}

// PassCount returns the number of resync passes run.
func (d *Daemon) PassCount() int64 {
	return d.passCount.Load()
}

// Addr returns the HTTP listen address once the server is bound.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

func (d *Daemon) setAddr(addr string) {
	d.mu.Lock()
	d.addr = addr
	d.mu.Unlock()
}

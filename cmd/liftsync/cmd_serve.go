package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/yairfalse/liftsync/internal/daemon"
	"github.com/yairfalse/liftsync/internal/webhook"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var (
		listen string
		once   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled resyncs and the webhook server",
		Long: `Run liftsync as a long-lived service.

An initial resync of every configured kind runs at startup, then again every
[sync] interval. Webhook deliveries are accepted on POST /webhook and
processed in the background.

Endpoints:
- POST /webhook   inbound Spacelift events
- GET  /healthz   liveness
- GET  /readyz    ready after the first resync pass
- GET  /metrics   Prometheus metrics`,
		Example: `  liftsync serve                          # Use ./liftsync.toml
  liftsync serve --config /etc/liftsync.toml
  liftsync serve --listen :9000           # Override [webhook] listen
  liftsync serve --once                   # One resync pass, then exit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, opts, listen, once)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides [webhook] listen)")
	cmd.Flags().BoolVar(&once, "once", false, "Run one resync pass and exit")
	return cmd
}

func runServe(ctx context.Context, opts *globalOptions, listen string, once bool) error {
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			a.logger.LogOperationError(shutdownCtx, "shutdown", err)
		}
	}()

	if listen == "" {
		listen = a.cfg.Webhook.Listen
	}

	httpMetrics, err := webhook.NewHTTPMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("init http metrics: %w", err)
	}
	server := webhook.NewServer(a.orchestrator,
		webhook.WithLogger(a.logger),
		webhook.WithMetricsHandler(a.telemetry.MetricsHandler()),
		webhook.WithHTTPMetrics(httpMetrics),
	)

	d, err := daemon.NewDaemon(daemon.Config{
		Interval: a.cfg.Sync.Interval,
		Kinds:    a.cfg.SyncKinds(),
		Listen:   listen,
		OneShot:  once || a.cfg.Sync.OneShot,
	}, a.orchestrator, server, daemon.WithLogger(a.logger))
	if err != nil {
		return err
	}

	a.logger.Info().
		Str("endpoint", a.cfg.Spacelift.Endpoint).
		Str("listen", listen).
		Str("catalog", a.cfg.Catalog.Type).
		Dur("interval", a.cfg.Sync.Interval).
		Msg("liftsync starting")

	return d.Run(ctx)
}

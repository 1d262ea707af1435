package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/depdeck/internal/broker"
	"github.com/fyrsmithlabs/depdeck/internal/config"
	httpserver "github.com/fyrsmithlabs/depdeck/internal/http"
	"github.com/fyrsmithlabs/depdeck/internal/logging"
	"github.com/fyrsmithlabs/depdeck/internal/service"
	"github.com/fyrsmithlabs/depdeck/internal/telemetry"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP/SSE API",
		Long: `Serve the depdeck HTTP API until interrupted.

Long-running installs and audit fixes publish their output to NATS. When
events.nats_url is empty an embedded NATS server is started.

Examples:
  # Serve on the configured address
  depdeck serve

  # Serve on another port
  DEPDECK_SERVER_HTTP_PORT=8080 depdeck serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(opts, false)
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()
			return run(cmd.Context(), cfg, logger)
		},
	}
}

// run starts the daemon and blocks until ctx is cancelled.
//
// This function:
//  1. Installs trace export when telemetry is enabled
//  2. Connects to NATS, starting an embedded server if none is configured
//  3. Opens the engine service over the configured store
//  4. Starts the HTTP server
//  5. Shuts down gracefully within server.shutdown_timeout on cancellation
func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	zl := logger.Underlying()

	logger.Info(ctx, "starting depdeck",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("store", cfg.Store.Dir),
		logging.Secret("events.token", cfg.Events.Token),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version), zl.Named("telemetry"))
	if err != nil {
		return err
	}
	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn(ctx, "flushing traces", zap.Error(err))
		}
	}()

	events, err := broker.Start(broker.Options{
		URL:   cfg.Events.NATSURL,
		Token: cfg.Events.Token.Value(),
	}, zl.Named("broker"))
	if err != nil {
		return fmt.Errorf("failed to start event broker: %w", err)
	}
	defer events.Close()

	svc, err := service.Open(cfg, events.Conn(), zl)
	if err != nil {
		return fmt.Errorf("failed to open service: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn(ctx, "closing service", zap.Error(err))
		}
	}()

	srv, err := httpserver.NewServer(svc, events.Conn(), zl.Named("http"), &httpserver.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	logger.Info(ctx, "server configured",
		zap.Bool("embedded_nats", events.Embedded()),
		zap.String("nats_url", events.ClientURL()),
		zap.String("health_endpoint", fmt.Sprintf("http://%s/health", cfg.Server.Addr())),
		zap.String("metrics_endpoint", "/metrics"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info(ctx, "shutdown complete")
	return nil
}

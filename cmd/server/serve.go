package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/medguard/internal/api"
	"github.com/lvonguyen/medguard/internal/api/gateway"
	"github.com/lvonguyen/medguard/internal/config"
)

func newServeCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the operator API with periodic telemetry polling",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "Listen port (overrides config)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(cfg, true)
	if err != nil {
		return err
	}
	logger := a.logger
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.close(shutdownCtx); err != nil {
			logger.Warn("Telemetry shutdown error", zap.Error(err))
		}
	}()

	logger.Info("Starting MedGuard",
		zap.String("version", Version),
		zap.String("backend", cfg.Backend.BaseURL),
		zap.Duration("poll_interval", cfg.Telemetry.PollInterval),
	)

	opts := []api.Option{
		api.WithVersion(Version),
		api.WithRequestTimeout(cfg.Workflow.StageTimeout + 10*time.Second),
	}

	var recorder gateway.Recorder
	if m := a.telemetry.Metrics(); m != nil {
		opts = append(opts, api.WithMetrics(m.Handler(), m.Middleware, m))
		m.StartSystemMetricsCollector(ctx, 15*time.Second)
		recorder = m
	}

	if cfg.RateLimit.Enabled {
		rdb := a.newRedis(ctx)
		if rdb != nil {
			defer rdb.Close()
		}
		limiter := gateway.NewRateLimiter(rdb, gateway.RateLimitConfig{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.RateLimit.BurstSize,
			IncludeHeaders:    cfg.RateLimit.IncludeHeaders,
		}, logger.Named("ratelimit"), recorder)
		opts = append(opts, api.WithRateLimit(limiter.Middleware(api.OperatorID(a.session))))
	}

	srv := api.NewServer(api.Deps{
		Telemetry:  a.aggregator,
		Classifier: a.classifier,
		Techniques: a.techniques,
		Playbooks:  a.playbooks,
		Chains:     a.correlator,
		Workflow:   a.coordinator,
		Session:    a.session,
		Backend:    a.backend,
	}, logger.Named("api"), opts...)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	if a.forwarder != nil {
		fwdCtx, cancelFwd := context.WithCancel(ctx)
		defer cancelFwd()
		go a.forwarder.Run(fwdCtx)
		logger.Info("Forwarding attack events to Splunk", zap.String("hec_url", cfg.Splunk.HECURL))
	}

	poller := a.aggregator.Start(ctx)
	defer poller.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	poller.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown error", zap.Error(err))
	}

	logger.Info("Server stopped")
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jbweber/vmlease/internal/config"
	"github.com/jbweber/vmlease/internal/httpapi"
	"github.com/jbweber/vmlease/internal/logging"
	"github.com/jbweber/vmlease/internal/metrics"
	"github.com/jbweber/vmlease/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and expiry sweeper",
	Long: `Run the HTTP API and, unless disabled, the periodic expiry sweeper.

Configuration is read from --config, ./vmlease.yaml or
/etc/vmlease/vmlease.yaml, with VMLEASE_* environment overrides such as
VMLEASE_GATEWAY_SOCKET or VMLEASE_LOG_LEVEL.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		log, closeLog, err := logging.New(logging.Options{
			Level:  cfg.Log.Level,
			Format: cfg.Log.Format,
			File:   cfg.Log.File,
		})
		if err != nil {
			return err
		}
		defer func() { _ = closeLog() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, log)
	},
}

func serve(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	tp, shutdownTracing, err := telemetry.NewTracerProvider(telemetry.Options{
		Enabled: cfg.Tracing.Enabled,
		Version: version,
	})
	if err != nil {
		return err
	}
	telemetry.Install(tp)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.WithError(err).Warn("Failed to flush traces")
		}
	}()

	a, err := newApp(cfg, log, tp)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.WithError(err).Warn("Failed to close resources")
		}
	}()

	log.WithFields(logrus.Fields{
		"version":  version,
		"config":   cfg.File(),
		"registry": cfg.Registry.Backend,
		"gateway":  cfg.Gateway.Driver,
	}).Info("Starting vmlease")

	opts := httpapi.Options{
		Service: a.service,
		Sweeper: a.sweeper,
		Health:  a.health,
		Logger:  log,
	}
	servers := []*http.Server{}
	if cfg.MetricsAddr == "" {
		opts.Gatherer = a.registry
	} else {
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(a.registry),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}
	servers = append(servers, &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpapi.New(opts),
		ReadHeaderTimeout: 10 * time.Second,
	})

	errCh := make(chan error, len(servers)+1)
	for _, srv := range servers {
		go func() {
			log.WithField("addr", srv.Addr).Info("Listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("server on %s failed: %w", srv.Addr, err)
			}
		}()
	}

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	sweepDone := make(chan struct{})
	if cfg.Sweeper.Enabled {
		go func() {
			defer close(sweepDone)
			_ = a.sweeper.Run(sweepCtx, cfg.Sweeper.Interval)
		}()
	} else {
		close(sweepDone)
		log.Info("Expiry sweeper disabled")
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case runErr = <-errCh:
		log.WithError(runErr).Error("Server failed, shutting down")
	}

	cancelSweep()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(sctx); err != nil {
			log.WithError(err).WithField("addr", srv.Addr).Warn("Graceful shutdown failed")
		}
	}
	<-sweepDone

	return runErr
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/absmach/mbridge"
	"github.com/absmach/mbridge/pkg/bridge"
	"github.com/absmach/mbridge/pkg/health"
	"github.com/absmach/mbridge/pkg/metrics"
)

const (
	inboundPrefix  = "MBRIDGE_INBOUND_"
	outboundPrefix = "MBRIDGE_OUTBOUND_"

	opsShutdownTimeout = 5 * time.Second
)

type opsConfig struct {
	Host string `env:"MBRIDGE_OPS_HOST" envDefault:""`
	Port string `env:"MBRIDGE_OPS_PORT" envDefault:""`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	logger := slog.New(logHandler)

	// Load .env file
	if err := godotenv.Load(); err != nil {
		logger.Warn("no .env file found, using environment variables")
	}

	mtr := metrics.New("mbridge")

	inCfg, err := mbridge.NewConfig(env.Options{Prefix: inboundPrefix})
	if err != nil {
		logger.Error("failed to load inbound config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	outCfg, err := mbridge.NewConfig(env.Options{Prefix: outboundPrefix})
	if err != nil {
		logger.Error("failed to load outbound config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	inbound, err := mbridge.NewTransport(inCfg, mtr, logger)
	if err != nil {
		logger.Error("failed to build inbound transport", slog.String("error", err.Error()))
		os.Exit(1)
	}
	outbound, err := mbridge.NewTransport(outCfg, mtr, logger)
	if err != nil {
		logger.Error("failed to build outbound transport", slog.String("error", err.Error()))
		os.Exit(1)
	}

	b := bridge.New(inbound, outbound, bridge.Config{
		Metrics: mtr,
		Logger:  logger,
	})

	checker := health.NewChecker(0)
	checker.RegisterTransport("inbound", inbound)
	checker.RegisterTransport("outbound", outbound)
	checker.RegisterTransport("bridge", b)

	if err := startOpsServer(g, ctx, checker, logger); err != nil {
		logger.Warn("ops server not started", slog.String("error", err.Error()))
	}

	g.Go(func() error {
		return b.Run(ctx)
	})

	logger.Info("bridge configured",
		slog.String("inbound", inCfg.Kind),
		slog.String("outbound", outCfg.Kind))

	// Signal handler
	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("mBridge service terminated with error: %s", err))
	} else {
		logger.Info("mBridge service stopped")
	}
}

// startOpsServer serves Prometheus metrics and health probes on a
// dedicated listener. Skipped when no port is configured.
func startOpsServer(g *errgroup.Group, ctx context.Context, checker *health.Checker, logger *slog.Logger) error {
	var cfg opsConfig
	if err := env.Parse(&cfg); err != nil {
		return err
	}
	if cfg.Port == "" {
		return fmt.Errorf("port not configured")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", checker.HTTPHandler())
	mux.HandleFunc("/readyz", checker.ReadinessHandler())
	mux.HandleFunc("/livez", health.LivenessHandler())

	server := &http.Server{
		Addr:    net.JoinHostPort(cfg.Host, cfg.Port),
		Handler: mux,
	}

	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- server.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), opsShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		}
	})

	logger.Info("ops server started", slog.String("address", server.Addr))
	return nil
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}

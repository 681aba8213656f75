package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	x402 "github.com/vitwit/x402-facilitator"
	"github.com/vitwit/x402-facilitator/config"
	"github.com/vitwit/x402-facilitator/logger"
	"github.com/vitwit/x402-facilitator/metrics"
	"github.com/vitwit/x402-facilitator/server"
	"github.com/vitwit/x402-facilitator/telemetry"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		logger.NewZapLogger("error").Error("failed to load configuration", map[string]any{"error": err})
		return err
	}

	log := logger.NewZapLogger(cfg.X402.LogLevel)
	defer func() { _ = log.Sync() }()
	log.Info("configuration loaded", cfg.LogFields())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.ServiceName, cfg.OTELEndpoint, log)
	if err != nil {
		log.Error("failed to initialize tracer", map[string]any{"error": err})
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Error("error shutting down tracer provider", map[string]any{"error": err})
		}
	}()

	signers, err := cfg.Signers()
	if err != nil {
		log.Error("failed to load signers", map[string]any{"error": err})
		return err
	}

	opts := []x402.Option{x402.WithLogger(log)}
	var gatherer prometheus.Gatherer
	var recorder metrics.Recorder
	if cfg.X402.EnableMetrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		rec, err := metrics.NewPrometheusRecorder(reg)
		if err != nil {
			log.Error("failed to register metrics", map[string]any{"error": err})
			return err
		}
		gatherer, recorder = reg, rec
		opts = append(opts, x402.WithMetrics(rec))
	}

	facilitator, err := x402.New(ctx, cfg.X402, signers, opts...)
	if err != nil {
		log.Error("failed to initialize facilitator", map[string]any{"error": err})
		return err
	}
	defer facilitator.Close()
	if len(facilitator.Networks()) == 0 {
		log.Warn("no network has an RPC endpoint configured", nil)
	}

	gin.SetMode(gin.ReleaseMode)
	router := server.NewRouter(facilitator, server.Options{
		ServiceName: cfg.ServiceName,
		RateLimits:  cfg.RateLimits,
		Gatherer:    gatherer,
		Logger:      log,
		Metrics:     recorder,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("facilitator listening", map[string]any{"addr": srv.Addr, "version": x402.Version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			log.Error("server failed", map[string]any{"error": err})
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", map[string]any{"error": err})
		return err
	}
	return nil
}

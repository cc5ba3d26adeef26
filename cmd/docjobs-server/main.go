package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"time"

	_ "time/tzdata"

	"docjobs"
	"docjobs/internal/api"
	"docjobs/internal/config"
	"docjobs/internal/logging"
	"docjobs/internal/shutdown"
	"docjobs/internal/tracing"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the YAML configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, "docjobs-server")
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	// Initialize shutdown manager
	shutdownManager := shutdown.NewManager(cfg.ShutdownTimeout, logger)

	if cfg.Tracing.Enabled {
		tcfg := tracing.DefaultTracerConfig()
		tcfg.Enabled = true
		tcfg.Endpoint = cfg.Tracing.Endpoint
		tcfg.Environment = cfg.Tracing.Environment
		stopTracer, err := tracing.InitTracer(ctx, tcfg)
		if err != nil {
			slog.Error("failed to initialize tracing", "err", err)
			os.Exit(1)
		}
		shutdownManager.Add("tracer", stopTracer)
	}

	engine, err := docjobs.New(ctx, cfg, docjobs.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create engine", "err", err)
		os.Exit(1)
	}

	engineDone := make(chan error, 1)
	runCtx, stopEngine := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		err := engine.Run(runCtx)
		if err != nil {
			cancel(err)
		}
		engineDone <- err
	}()
	// Closers run in reverse: servers stop first, then the engine drains,
	// then the store and webhook lane close.
	shutdownManager.Add("engine", func(ctx context.Context) error {
		return engine.Close(ctx)
	})
	shutdownManager.Add("queues", func(ctx context.Context) error {
		stopEngine()
		select {
		case err := <-engineDone:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	// Start servers
	apiErrChan := make(chan error, 1)
	apiServer := api.StartServer(cfg.APIPort, engine.Handler(), apiErrChan)
	shutdownManager.Add("api server", func(ctx context.Context) error {
		slog.Info("shutting down api server")
		return apiServer.Shutdown(ctx)
	})

	metricsErrChan := make(chan error, 1)
	metricsServer := api.StartMetricsServer(cfg.MetricsPort, metricsErrChan)
	shutdownManager.Add("metrics server", func(ctx context.Context) error {
		slog.Info("shutting down metrics server")
		return metricsServer.Shutdown(ctx)
	})

	// A server or engine failure triggers the same shutdown as a signal.
	go func() {
		select {
		case err, ok := <-apiErrChan:
			if ok && err != nil {
				cancel(err)
			}
		case err, ok := <-metricsErrChan:
			if ok && err != nil {
				cancel(err)
			}
		case <-runCtx.Done():
		}
	}()

	start := time.Now()
	if err := shutdownManager.Wait(ctx); err != nil {
		slog.Error("shutdown finished with errors", "err", err, "uptime", time.Since(start))
		os.Exit(1)
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		os.Exit(1)
	}
}

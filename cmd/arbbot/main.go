// Crossarb — a cross-exchange crypto arbitrage engine trading spot on
// MEXC and spot/futures on Gate.io.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go      — orchestrator: wires adapters → composites → scheduler
//	composite/            — per-exchange runtime: cached market data + uncached trading
//	adapter/mexc,gateio   — venue-specific REST/WS clients behind common interfaces
//	scheduler/            — cooperative task engine with JSON context persistence
//	strategy/             — iceberg, delta-neutral, and cross-exchange state machines
//	transport/            — shared REST/WS plumbing: rate limits, retries, reconnects
//
// How it makes money:
//
//	The engine buys spot where it is cheap relative to a futures contract
//	and shorts the futures against it, collecting the basis when the two
//	converge. The delta stays hedged through partial fills, restarts, and
//	spot-venue migrations, so price direction never matters.
package main

import (
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"crossarb/internal/config"
	"crossarb/internal/engine"
	"crossarb/internal/metrics"

	_ "crossarb/internal/adapter/gateio"
	_ "crossarb/internal/adapter/mexc"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("CROSSARB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if cfg.Metrics.Enabled {
		go func() {
			logger.Info("metrics endpoint up", "listen", cfg.Metrics.Listen)
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("crossarb started",
		"exchanges", len(cfg.Exchanges),
		"persist_dir", cfg.Scheduler.PersistDir,
		"recover", cfg.Scheduler.Recover,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

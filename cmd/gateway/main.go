// perp-gateway is a multi-tenant perpetual-futures execution-and-
// reconciliation gateway.
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go        — orchestrator: wires the connector, chase/momentum engines, reconciler, risk, api
//	exchange/client.go      — signed REST client: orders, positions, balances
//	exchange/ws.go          — multiplexed market-data WebSocket streams with refcounted subscriptions
//	exchange/userstream.go  — account order-update WebSocket (listenKey-based)
//	priceboard/board.go     — in-memory price cache + per-symbol pub/sub
//	chase/engine.go         — per-order reprice state machine (CHASE_LIMIT/SURF_LIMIT)
//	momentum/engine.go      — per-(account,symbol,side) momentum/SURF state machine
//	reconciler/reconciler.go — turns order updates into Position Ledger writes
//	ledger/store.go         — Postgres-backed position/pending-order ledger
//	risk/gate.go            — pre-trade validation
//	risk/monitor.go         — continuous margin-ratio monitor
//	api/server.go           — HTTP surface: start/cancel chases and momentum instances, event WebSocket
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"perp-gateway/internal/config"
	"perp-gateway/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("GATEWAY_CONFIG"); p != "" {
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

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("perp gateway started",
		"symbols", cfg.Symbols,
		"max_chases", cfg.Chase.MaxActive,
		"max_momentum", cfg.Momentum.MaxActive,
		"api_addr", cfg.API.Addr,
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

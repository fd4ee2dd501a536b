// Orion Trading Event Core — an event-driven backbone for RFQ and order
// workflows in OTC trading.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go      — orchestrator: wires storage, bus, services, workers, and the API surface
//	rfq/service.go        — RFQ lifecycle commands: create, quote, accept, cancel, expire
//	order/service.go      — order state machine: place, ack, fill, amend, cancel, reject
//	execution/saga.go     — turns quote acceptances into trades, confirmations, and settlement
//	execution/settlement.go — drives settlement records to a terminal status with retries
//	marketdata/           — tick ingestion, normalization, caching, and coalesced fanout
//	gate/                 — kill switches, rate limits, and notional ceilings on every command
//	outbox/               — transactional outbox: aggregate writes and events commit together
//	consumer/             — idempotent consumer runtime with dedup, retries, and a DLQ
//	projection/           — trade blotter and RFQ board rebuilt from the event log
//	api/                  — REST command surface plus the WebSocket market-data stream
//
// Every state change commits an event through the outbox, so the event log
// is a complete, replayable record of what the core did and why.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"orion/internal/api"
	"orion/internal/config"
	"orion/internal/engine"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ORION_CONFIG"); p != "" {
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

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Create and start engine
	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	apiServer := api.NewServer(cfg.API.Port, eng.Handlers(), eng.Hub(), logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	logger.Info("trading event core started",
		"env", cfg.Env,
		"port", cfg.API.Port,
		"storage", cfg.Storage.Driver,
		"bus", cfg.Bus.Driver,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop the API surface first so no new commands arrive mid-drain
	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}

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

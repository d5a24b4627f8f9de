// Up/Down Market Maker — an automated complete-set market-making bot for
// binary UP/DOWN crypto prediction markets (15-minute and 1-hour series).
//
// Architecture:
//
//	main.go              — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	strategy/engine.go   — single-goroutine evaluation loop: discovery → gates → top-ups → quotes
//	strategy/quote.go    — entry prices (bid-join + inventory skew) and size schedules
//	strategy/orders.go   — one resting order per leg: place/replace/cancel, fill polling
//	strategy/positions.go— exposure accounting: positions cache + unbooked fills
//	market/discovery.go  — deterministic slug enumeration resolved via the events API
//	market/tob.go        — top-of-book cache fed by the market WebSocket
//	exchange/client.go   — REST client for the order executor (rate-limited, retried)
//	exchange/ws.go       — market-data WebSocket with auto-reconnect
//	events/publisher.go  — order lifecycle events for downstream analytics
//	api/server.go        — read-only status HTTP/WebSocket server
//
// How it makes money:
//
//	In a binary market, one UP share plus one DOWN share always redeems
//	for $1. The bot rests buy orders on both legs priced so the pair
//	costs less than $1 combined; when both fill it locks in the
//	difference. Top-ups buy the lagging leg at the ask when fills come
//	in one-sided, so incomplete sets are not carried to resolution.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"updown-mm/internal/api"
	"updown-mm/internal/config"
	"updown-mm/internal/events"
	"updown-mm/internal/exchange"
	"updown-mm/internal/market"
	"updown-mm/internal/strategy"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("UPDOWN_CONFIG"); p != "" {
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

	if !cfg.Strategy.Enabled {
		logger.Warn("strategy disabled in config, exiting")
		return
	}

	client := exchange.NewClient(*cfg, logger)
	books := market.NewTOBCache()
	feed := exchange.NewMarketFeed(cfg.API.WSMarketURL, books, logger)

	discovery, err := market.NewDiscovery(*cfg, logger)
	if err != nil {
		logger.Error("failed to create discovery", "error", err)
		os.Exit(1)
	}

	hub := events.NewHub(events.NewLogPublisher(logger))

	eng := strategy.NewEngine(cfg.Strategy, strategy.Deps{
		Source:    discovery,
		Feed:      feed,
		Executor:  client,
		Ticks:     client,
		Positions: client,
		Books:     books,
		Publisher: hub,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("market feed error", "error", err)
		}
	}()

	var statusServer *api.Server
	if cfg.Status.Enabled {
		statusServer = api.NewServer(cfg.Status, eng, hub, logger)
		go func() {
			if err := statusServer.Start(); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
		logger.Info("status server started", "url", fmt.Sprintf("http://localhost:%d", cfg.Status.Port))
	}

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		eng.Run(ctx)
	}()

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("up/down market maker started",
		"run_id", eng.RunID(),
		"bankroll", cfg.Strategy.BankrollUsd,
		"min_edge", cfg.Strategy.CompleteSetMinEdge,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if statusServer != nil {
		if err := statusServer.Stop(); err != nil {
			logger.Error("failed to stop status server", "error", err)
		}
	}

	// Cancel the loop and wait for it to pull resting orders.
	cancel()
	<-engineDone
	feed.Close()
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

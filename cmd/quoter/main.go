// Command quoter runs the active quoting engine: a binary-prediction-market
// maker that posts two-sided quotes on an operator-supplied asset list,
// adjusting for inventory skew and momentum, and halting via circuit breaker
// on feed loss, repeated errors, or drawdown breach.
//
// Architecture:
//
//	main.go                   — entry point: flags, config, signal handling
//	orchestrator/orchestrator — owns every component's lifecycle and the main event loop
//	orderbook/orderbook.go    — per-asset top-of-book mirror fed by WebSocket events
//	userchannel/userchannel.go — authoritative open-order map, fill/order callbacks
//	inventory/inventory.go    — position tracking, pending-fill reconciliation, limit checks
//	momentum/momentum.go      — rolling-window price-move and depth-sweep detection
//	quote/quote.go            — bid/ask pricing, inventory skew, hysteresis, rate limiting
//	ordermanager/ordermanager.go — fee-aware order placement/cancellation batching
//	risk/manager.go           — circuit breaker: per-scope NORMAL/WARNING/HALTED/RECOVERING
//	analytics/analytics.go    — post-fill markout sampling at fixed horizons
//	discovery/discovery.go    — Gamma API metadata hydration for the operator's asset list
//	exchange/client.go, ws.go — CLOB REST client and WebSocket feeds
//	store/store.go            — gorm/sqlite persistence for positions, fills, markouts, sessions
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"activequoter/internal/api"
	"activequoter/internal/config"
	"activequoter/internal/orchestrator"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		dryRun     bool
		detectOnly bool
		assetsFlag string
		logLevel   string
	)
	flag.BoolVar(&dryRun, "dry-run", false, "simulate order placement without hitting the exchange")
	flag.BoolVar(&detectOnly, "detect-only", false, "run the quote cycle without placing or cancelling orders")
	flag.StringVar(&assetsFlag, "assets", "", "comma-separated condition IDs to trade, overrides config")
	flag.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	flag.Parse()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		return 1
	}
	if dryRun {
		cfg.DryRun = true
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return 1
	}

	conditionIDs := splitAssets(assetsFlag)
	if len(conditionIDs) == 0 {
		conditionIDs = cfg.Discovery.AssetIDs
	}
	if len(conditionIDs) == 0 {
		slog.Error("no assets configured: pass --assets or set discovery.asset_ids")
		return 1
	}

	logger := slog.New(newLogHandler(cfg.Logging))

	orch, err := orchestrator.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to construct orchestrator", "error", err)
		return 2
	}
	orch.SetDetectOnly(detectOnly)

	var apiServer *api.Server
	if cfg.Status.Enabled {
		apiServer = api.NewServer(cfg.Status, orch, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
		logger.Info("status server started", "port", cfg.Status.Port)
	}

	if err := orch.Start(conditionIDs); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		return 2
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	if detectOnly {
		logger.Warn("DETECT-ONLY MODE — quote cycle runs, no placements sent")
	}

	logger.Info("active quoting engine started",
		"assets", strings.Join(conditionIDs, ","),
		"dry_run", cfg.DryRun,
		"detect_only", detectOnly,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop status server", "error", err)
		}
	}

	orch.Stop()
	return 0
}

func splitAssets(flagVal string) []string {
	if flagVal == "" {
		return nil
	}
	parts := strings.Split(flagVal, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func newLogHandler(cfg config.LoggingConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.NewTextHandler(os.Stdout, opts)
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

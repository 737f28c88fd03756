package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"portfolio_engine/internal/config"
	"portfolio_engine/internal/core"
	"portfolio_engine/internal/decision"
	"portfolio_engine/internal/gateway"
	"portfolio_engine/internal/ledger"
	"portfolio_engine/internal/logging"
	"portfolio_engine/internal/metrics"
	"portfolio_engine/internal/runner"

	"portfolio_engine/internal/brokerage/alpaca"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/trader.yaml", "Path to configuration file")
	reviewOnly := flag.Bool("review-weights", false, "Run one weight review and exit")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("trader version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info("Starting trader",
		"version", version,
		"accounts", len(cfg.Accounts),
		"persistence", cfg.Persistence.Driver)

	store, err := openStore(cfg)
	if err != nil {
		logger.Fatal("Failed to open store", "error", err.Error())
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	caps, quoteStream := buildCapabilities(cfg, store, logger)
	if quoteStream != nil {
		quoteStream.Start()
		defer quoteStream.Stop()
	}

	r, err := runner.New(ctx, cfg, caps, logger)
	if err != nil {
		logger.Fatal("Failed to assemble runner", "error", err.Error())
	}

	if *reviewOnly {
		r.ReviewWeights(ctx)
		logger.Info("Weight review complete")
		return
	}

	var metricsServer *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
		metricsServer.Start()
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
		<-sigChan
		logger.Info("Received shutdown signal, gracefully shutting down...")
		cancel()
	}()

	if err := r.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("Runner stopped", "error", err.Error())
	}

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error during metrics server shutdown", "error", err.Error())
		}
	}

	logger.Info("trader stopped")
}

func openStore(cfg *config.Config) (core.Store, error) {
	switch cfg.Persistence.Driver {
	case "sqlite":
		return ledger.NewSQLiteStore(cfg.Persistence.Path)
	default:
		return ledger.NewMemoryStore(), nil
	}
}

// buildCapabilities wires the live external dependencies from config.
func buildCapabilities(cfg *config.Config, store core.Store, logger core.Logger) (runner.Capabilities, *gateway.QuoteStream) {
	timeout := time.Duration(cfg.Brokerage.TimeoutSeconds) * time.Second
	brokerage := alpaca.NewClient(alpaca.Config{
		BaseURL:   cfg.Brokerage.BaseURL,
		APIKey:    cfg.Brokerage.APIKey,
		SecretKey: cfg.Brokerage.SecretKey,
		Timeout:   timeout,
	}, logger)

	var providers []core.SignalProvider
	for _, feed := range cfg.Gateway.SignalFeeds {
		providers = append(providers, gateway.NewHTTPProvider(
			core.SignalSource(feed.Source), feed.URL, feed.APIKey, timeout, logger))
	}

	var scorer core.DecisionProvider
	if cfg.Advisor.BaseURL != "" {
		scorer = decision.NewHTTPScorer(
			cfg.Advisor.BaseURL,
			cfg.Advisor.APIKey,
			time.Duration(cfg.Advisor.TimeoutSeconds)*time.Second,
			logger)
	}

	var quoteStream *gateway.QuoteStream
	var quotes core.QuoteSource
	if cfg.Gateway.QuoteStreamURL != "" {
		symbols := make(map[string]bool)
		for _, acct := range cfg.Accounts {
			for _, s := range acct.Symbols {
				symbols[s] = true
			}
		}
		all := make([]string, 0, len(symbols))
		for s := range symbols {
			all = append(all, s)
		}
		quoteStream = gateway.NewQuoteStream(
			cfg.Gateway.QuoteStreamURL,
			all,
			time.Duration(cfg.Gateway.QuoteStaleSeconds)*time.Second,
			logger)
		quotes = quoteStream
	}

	return runner.Capabilities{
		Brokerage: brokerage,
		Providers: providers,
		Decision:  scorer,
		Quotes:    quotes,
		Store:     store,
	}, quoteStream
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"paper-trading-engine/config"
	"paper-trading-engine/internal/advisor"
	"paper-trading-engine/internal/api"
	"paper-trading-engine/internal/arb"
	"paper-trading-engine/internal/engine"
	"paper-trading-engine/internal/events"
	"paper-trading-engine/internal/history"
	"paper-trading-engine/internal/logging"
	"paper-trading-engine/internal/market"
	"paper-trading-engine/internal/stream"
	"paper-trading-engine/internal/vault"
)

const (
	exitConfigError = 1
	exitStoreError  = 2
	exitInterrupted = 130
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(exitConfigError)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogJSON)
	logger.Info().
		Str("mode", string(cfg.Mode)).
		Strs("symbols", cfg.Symbols).
		Str("timeframe", cfg.Timeframe).
		Msg("paper trading engine starting")

	bus := events.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// history store: Postgres when DATABASE_URL is set, JSONL files otherwise
	var store history.Store
	if cfg.DatabaseURL != "" {
		pgCtx, pgCancel := context.WithTimeout(ctx, 15*time.Second)
		pg, err := history.NewPostgresStore(pgCtx, cfg.DatabaseURL, logging.Component(logger, "postgres"))
		pgCancel()
		if err != nil {
			logger.Error().Err(err).Msg("database unreachable")
			os.Exit(exitStoreError)
		}
		store = pg
	} else {
		fs, err := history.NewFileStore(cfg.HistoryDir, logging.Component(logger, "history"))
		if err != nil {
			logger.Error().Err(err).Str("dir", cfg.HistoryDir).Msg("history directory unusable")
			os.Exit(exitStoreError)
		}
		store = fs
	}
	if cfg.RedisConfig.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
		store = history.NewCachedStore(store, rdb, "", logging.Component(logger, "redis"))
		logger.Info().Str("addr", cfg.RedisConfig.Address).Msg("redis idempotency cache enabled")
	}

	// venue adapters; KuCoin credentials come from Vault in LIVE mode
	kucoinKey, kucoinSecret, kucoinPassphrase := cfg.KucoinAPIKey, cfg.KucoinAPISecret, cfg.KucoinAPIPassphrase
	if cfg.Mode == config.ModeLive && cfg.VaultConfig.Enabled {
		creds, err := vault.Load(ctx, cfg.VaultConfig, logging.Component(logger, "vault"))
		if err != nil {
			logger.Error().Err(err).Msg("vault credential load failed")
			os.Exit(exitConfigError)
		}
		kucoinKey, kucoinSecret, kucoinPassphrase = creds.Key, creds.Secret, creds.Passphrase
	}
	binanceAdapter := market.NewBinanceAdapter("", "", "")
	kucoinAdapter := market.NewKucoinAdapter(kucoinKey, kucoinSecret, kucoinPassphrase, "")
	bybitAdapter := market.NewBybitAdapter("")

	marketStream := stream.New(binanceAdapter, bus, logging.Component(logger, "stream"), "")

	eng := engine.New(cfg, marketStream, store, bus, logging.Component(logger, "engine"))
	eng.SetAdvisor(advisor.NewClient(cfg.AdvisorURL, logging.Component(logger, "advisor")))

	if err := eng.Restore(ctx); err != nil {
		logger.Error().Err(err).Msg("portfolio restore failed")
		os.Exit(exitStoreError)
	}

	for _, sym := range cfg.Symbols {
		symbol := market.Normalize(sym)
		bootCtx, bootCancel := context.WithTimeout(ctx, 30*time.Second)
		if err := marketStream.Bootstrap(bootCtx, symbol, cfg.Timeframe, 200); err != nil {
			logger.Warn().Err(err).Str("symbol", symbol).Msg("bootstrap failed, stream will backfill")
		}
		bootCancel()
		marketStream.Subscribe(symbol, cfg.Timeframe, eng.OnCandleClose)
	}

	eng.Start()

	if cfg.ArbEnabled {
		adapters := []market.Adapter{binanceAdapter, kucoinAdapter, bybitAdapter}
		arbCfg := arb.DefaultConfig(cfg.Symbols)
		arbCfg.Interval = cfg.LoopInterval
		arbCfg.MinNetPct = cfg.MinExpectedEdge
		arbCfg.SlippageBufferPct = cfg.PaperSlippageBps / 10_000
		arbCfg.Paper = cfg.Mode == config.ModePaper
		scanner := arb.New(arbCfg, adapters, store, bus, logging.Component(logger, "arb"))
		go scanner.Run(ctx)
		logger.Info().Msg("cross-venue arbitrage scanner enabled")
	}

	server := api.New(cfg, eng, logging.Component(logger, "api"))
	go func() {
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("api server stopped")
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	interrupted := false
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		interrupted = true
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api shutdown error")
	}
	cancel()
	marketStream.Close()
	eng.Shutdown()

	logger.Info().Msg("shutdown complete")
	if interrupted {
		os.Exit(exitInterrupted)
	}
}

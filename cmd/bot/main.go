package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ronniedreams/nifty-options-agent/internal/broker"
	"github.com/ronniedreams/nifty-options-agent/internal/config"
	"github.com/ronniedreams/nifty-options-agent/internal/dashboard"
	"github.com/ronniedreams/nifty-options-agent/internal/feed"
	"github.com/ronniedreams/nifty-options-agent/internal/notify"
	"github.com/ronniedreams/nifty-options-agent/internal/pipeline"
	"github.com/ronniedreams/nifty-options-agent/internal/state"
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("load config: %v", err)
		return 1
	}

	logger := log.New(os.Stdout, "[BOT] ", log.LstdFlags)
	logger.Printf("starting in %s mode", cfg.Environment.Mode)
	if cfg.IsPaperTrading() {
		logger.Println("paper trading: broker mutations are synthesized")
	} else {
		logger.Println("LIVE TRADING - real money at risk, starting in 10s")
		time.Sleep(10 * time.Second)
	}

	if cfg.Market.Expiry == "" || cfg.Market.ATMStrike == 0 {
		logger.Printf("market.expiry and market.atm_strike must be set for the session")
		return 1
	}

	if err := os.MkdirAll(cfg.Storage.StateDir, 0o755); err != nil {
		logger.Printf("state dir %s: %v", cfg.Storage.StateDir, err)
		return 1
	}
	store, err := state.Open(cfg.Storage.DBPath, logger)
	if err != nil {
		logger.Printf("open state store: %v", err)
		return 1
	}
	defer store.Close()
	sentinels := state.NewSentinels(cfg.Storage.StateDir)

	var brokerClient broker.Broker
	if cfg.IsPaperTrading() {
		brokerClient = broker.NewPaperBroker()
	} else {
		client := broker.NewOpenAlgoClient(cfg.Broker.APIKey, cfg.Broker.Host,
			cfg.Broker.Exchange, cfg.BrokerTimeout(), cfg.Location())
		brokerClient = broker.NewCircuitBreakerBroker(client)
	}

	retryDelay := time.Duration(cfg.Pipeline.ReconnectDelaySeconds) * time.Second
	var primary, backup feed.Feed
	if cfg.Broker.WSURL == "" {
		// No live quotes configured; run against simulated feeds.
		primary, backup = feed.NewSimFeed("primary"), feed.NewSimFeed("backup")
		logger.Println("no websocket URL configured, using simulated feeds")
	} else {
		primary = feed.NewWSFeed("primary", cfg.Broker.WSURL, cfg.Broker.APIKey,
			cfg.Broker.Exchange, cfg.Pipeline.MaxReconnectAttempts, retryDelay, cfg.Location(), logger)
		backupURL := cfg.Broker.BackupWSURL
		if backupURL == "" {
			backupURL = cfg.Broker.WSURL
		}
		backup = feed.NewWSFeed("backup", backupURL, cfg.Broker.APIKey,
			cfg.Broker.Exchange, cfg.Pipeline.MaxReconnectAttempts, retryDelay, cfg.Location(), logger)
	}

	pipe := pipeline.New(cfg, primary, backup, brokerClient, logger)

	notifier, err := notify.New(cfg.Telegram, cfg.Environment.InstanceName, logger)
	if err != nil {
		logger.Printf("telegram: %v", err)
		return 1
	}

	orch := newOrchestrator(cfg, brokerClient, pipe, store, sentinels, notifier, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })

	listener, err := notify.NewListener(cfg.Telegram, sentinels, orch.Status, logger)
	if err != nil {
		logger.Printf("telegram listener: %v", err)
		return 1
	}
	if listener != nil {
		g.Go(func() error { return listener.Run(gctx) })
	}

	if cfg.Dashboard.Enabled {
		dashLogger := logrus.New()
		dash := dashboard.NewServer(cfg.Dashboard, store, dashLogger)
		g.Go(func() error {
			errCh := make(chan error, 1)
			go func() { errCh <- dash.Start() }()
			select {
			case <-gctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = dash.Shutdown(shutdownCtx)
				return gctx.Err()
			case err := <-errCh:
				return fmt.Errorf("dashboard: %w", err)
			}
		})
	}

	err = g.Wait()
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, errKillSwitch):
		logger.Println("stopped")
		return 0
	case errors.Is(err, errFatal):
		logger.Printf("fatal: %v", err)
		return 2
	default:
		logger.Printf("error: %v", err)
		return 1
	}
}

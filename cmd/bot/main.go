package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vitos/option_exit_bot/internal/infrastructure/broker"
	"github.com/vitos/option_exit_bot/internal/infrastructure/logger"
	"github.com/vitos/option_exit_bot/internal/infrastructure/storage"
	"github.com/vitos/option_exit_bot/internal/usecase"
	"github.com/vitos/option_exit_bot/internal/web"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Broker struct {
		AccessToken string `yaml:"access_token"`
		RESTBaseURL string `yaml:"rest_base_url"`
		WSURL       string `yaml:"ws_url"`
	} `yaml:"broker"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Feed        usecase.FeedConfig         `yaml:"feed"`
	Risk        usecase.RiskConfig         `yaml:"risk"`
	Drawdown    usecase.DrawdownConfig     `yaml:"drawdown"`
	ReverseStop usecase.ReverseStopConfig  `yaml:"reverse_stop"`
	TrendFail   usecase.TrendFailureConfig `yaml:"trend_failure"`
	Limits      usecase.LimitsConfig       `yaml:"limits"`
	Router      usecase.RouterConfig       `yaml:"router"`
	Reconcile   struct {
		IntervalMs int `yaml:"interval_ms"`
	} `yaml:"reconcile"`
	Logging struct {
		Level    string `yaml:"level"`
		OrderLog string `yaml:"order_log"`
	} `yaml:"logging"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := &Config{
		Feed:        usecase.DefaultFeedConfig(),
		Risk:        usecase.DefaultRiskConfig(),
		Drawdown:    usecase.DefaultDrawdownConfig(),
		ReverseStop: usecase.DefaultReverseStopConfig(),
		TrendFail:   usecase.DefaultTrendFailureConfig(),
		Router:      usecase.DefaultRouterConfig(),
	}
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, err
	}
	if token := os.Getenv("UPSTOX_ACCESS_TOKEN"); token != "" {
		cfg.Broker.AccessToken = token
	}
	// The reverse stop must never demand a wider loss than the static
	// fallback allows.
	if cfg.ReverseStop.CeilingPct > cfg.Risk.StaticStopLossPct {
		cfg.ReverseStop.CeilingPct = cfg.Risk.StaticStopLossPct
	}
	return cfg, nil
}

func main() {
	// 1. Load Config
	configPath := "config/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 3. Init Storage
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = "positions.db"
	}
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	// 4. Init Broker
	adapter := broker.NewUpstoxAdapter(cfg.Broker.AccessToken, cfg.Broker.RESTBaseURL, cfg.Broker.WSURL)

	// 5. Caches and Feed
	ticks := usecase.NewTickCache()
	positions := usecase.NewActivePositionCache(log)
	feed := usecase.NewFeedIngestor(cfg.Feed, adapter, ticks, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := feed.Start(ctx); err != nil {
		log.Fatal("Failed to connect market feed", zap.Error(err))
	}

	// Fold every accepted tick into the position cache.
	go func() {
		updates := feed.Updates(1024)
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-updates:
				positions.OnTick(t, time.Now())
			}
		}
	}()

	// 6. Risk components
	sched := usecase.NewScheduler(cfg.Drawdown, cfg.ReverseStop)
	etf := usecase.NewTrendFailureDetector(cfg.TrendFail)
	limits := usecase.NewDailyLimits(cfg.Limits, log)

	orderLog := log
	if cfg.Logging.OrderLog != "" {
		if fl, err := logger.NewFileLogger(cfg.Logging.OrderLog, cfg.Logging.Level); err == nil {
			orderLog = fl
		} else {
			log.Error("Failed to init order log, using default", zap.Error(err))
		}
	}
	router := usecase.NewExitRouter(cfg.Router, adapter, ticks, positions, store, limits, orderLog)

	// Indicator snapshots come from the entry pipeline when it runs in
	// process; without it the ETF rule stays dormant and the price-based
	// rules carry the exits.
	risk := usecase.NewRiskEvaluator(cfg.Risk, positions, ticks, sched, etf, limits, router, nil, log)
	risk.Start(ctx)

	// 7. Reconciler: durable rows are the source of truth.
	reconcileInterval := time.Duration(cfg.Reconcile.IntervalMs) * time.Millisecond
	if reconcileInterval <= 0 {
		reconcileInterval = 15 * time.Second
	}
	reconciler := usecase.NewReconciler(store, positions, ticks, feed, reconcileInterval, log)
	reconciler.Start(ctx)

	// 8. Status server
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := web.NewServer(port, feed, risk, limits, positions, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// 9. Wait for Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down...")

	// Stop accepting new cycles, let in-flight exits finish, then
	// disconnect the feed last.
	cancel()
	router.Drain(30 * time.Second)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	feed.Stop()
}

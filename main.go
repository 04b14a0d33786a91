package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"quantflow/internal/account"
	"quantflow/internal/api"
	"quantflow/internal/dataengine"
	"quantflow/internal/events"
	"quantflow/internal/indicators"
	"quantflow/internal/strategy"
	"quantflow/internal/trade"
	"quantflow/pkg/config"
	"quantflow/pkg/db"
	"quantflow/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	zlog, err := logger.New(logger.Options{
		Level:      cfg.LogLevel,
		FilePath:   cfg.LogPath,
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 14,
		Console:    true,
	})
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer zlog.Sync()
	zlog.Info("trading core starting")

	database, err := db.New(cfg.DBPath)
	if err != nil {
		zlog.Fatal("db init failed", zap.Error(err))
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		zlog.Fatal("db migrations failed", zap.Error(err))
	}

	// Core services: bus with the SQLite journal, then the managers in
	// dependency order. All cross-manager traffic goes through the bus.
	journal := db.NewEventStore(database, events.DefaultJournalCap)
	bus := events.GetInstance(journal, zlog)
	store := db.NewStore(database)

	registry := account.NewRegistry(bus, zlog)

	engine := dataengine.NewManager(bus, zlog,
		time.Duration(cfg.RESTTimeoutSec)*time.Second,
		time.Duration(cfg.WSReadTimeoutSec)*time.Second)
	engine.Start()

	factory := indicators.NewFactory()
	factory.Register("ma_stop_ta", indicators.NewMAStop)
	factory.Register("ma_stop", indicators.NewMAStop)
	factory.Register("rsi", indicators.NewRSI)
	ta := indicators.NewEngine(bus, factory, zlog)
	ta.Start()

	st := strategy.NewEngine(bus, cfg.StrategyConfigDir, zlog)
	st.Start()

	executor := trade.NewExecutor(bus, store, zlog)
	executor.Start()

	loaded, err := registry.LoadFile(cfg.AccountConfigPath)
	if err != nil {
		zlog.Fatal("account config load failed", zap.Error(err))
	}
	zlog.Info("accounts loaded", zap.Int("count", loaded))

	server := api.New(bus, registry, executor, cfg.APIAuthSecret, zlog)
	go func() {
		if err := server.Run(cfg.Port); err != nil {
			zlog.Error("admin api stopped", zap.Error(err))
		}
	}()

	zlog.Info("trading core ready")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	grace := time.Duration(cfg.GracePeriodSec) * time.Second
	zlog.Info("shutting down", zap.Duration("grace", grace))

	// Quiesce in reverse order: announce, stop new events, close sockets.
	registry.Shutdown()
	executor.Shutdown()
	bus.Close(grace)
	engine.Shutdown()
	zlog.Info("trading core stopped")
}

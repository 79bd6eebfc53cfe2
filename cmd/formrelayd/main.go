package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"formrelay/internal/formrelay/auth"
	"formrelay/internal/formrelay/broadcast"
	"formrelay/internal/formrelay/feed"
	"formrelay/internal/formrelay/logstore"
	"formrelay/internal/formrelay/registry"
	"formrelay/internal/formrelay/runner"
	"formrelay/internal/formrelay/server"
	"formrelay/pkg/config"
	"formrelay/pkg/logger"
	"formrelay/pkg/version"
)

func main() {
	configPath := flag.String("config", "formrelay.yml", "path to the configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		os.Stdout.WriteString(version.Long())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	initializeLogging(cfg)
	mainLogger := logger.WithField("component", "main")

	store, err := openStore(cfg)
	if err != nil {
		mainLogger.Fatal("failed to open log store", "error", err)
	}

	reg := registry.New(cfg.Store.Retention.Std(), store, nil)
	b := broadcast.New(broadcast.WithBufferSize(cfg.Stream.BufferSize))
	f := feed.New(reg, store, b, cfg.Stream.Heartbeat.Std(), nil)

	pool := runner.NewPool(cfg.Runner.Workers, f, runner.NewHTTPSubmitter(), nil)
	pool.Start()

	authn := auth.New(cfg.Auth.Tokens, nil)
	srv := server.New(reg, store, f, pool, authn, nil)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		mainLogger.Info("formrelayd listening", "address", cfg.ListenAddr(), "version", version.Get())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			mainLogger.Fatal("http server failed", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	mainLogger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		mainLogger.Warn("http shutdown incomplete", "error", err)
	}

	pool.Shutdown()
	_ = b.Close()
	_ = reg.Close()
	_ = store.Close()
	mainLogger.Info("shutdown complete")
}

func initializeLogging(cfg *config.Config) {
	if level, err := logger.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	} else {
		log.Printf("Invalid log level '%s', using INFO", cfg.Logging.Level)
		logger.SetLevel(logger.INFO)
	}
}

func openStore(cfg *config.Config) (logstore.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(cfg.Store.DSN), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, err
		}
		return logstore.NewGormStore(db, nil)
	default:
		return logstore.NewMemoryStore(nil), nil
	}
}

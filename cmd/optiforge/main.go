package main

import (
	"log"
	"os"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/optiforge/optiforge/internal/api"
	"github.com/optiforge/optiforge/internal/config"
	"github.com/optiforge/optiforge/internal/engine"
	"github.com/optiforge/optiforge/internal/executor"
	"github.com/optiforge/optiforge/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("optiforge: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"executor", cfg.Executor,
		"concurrency", cfg.Concurrency,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := executor.NewRegistry()
	reg.Register(executor.NameLocal, executor.NewLocal(0, nil))

	exec, err := reg.Resolve(cfg.Executor)
	if err != nil {
		log.Fatalf("unknown executor %q (registered: %v)", cfg.Executor, reg.Names())
	}

	metrics := engine.NewMetrics(prometheus.DefaultRegisterer)
	eng := engine.New(db, exec, clock.New(), logger, metrics, engine.Options{
		Concurrency:  cfg.Concurrency,
		JobTimeout:   cfg.JobTimeout,
		PollInterval: cfg.PollInterval,
		Retry:        engine.DefaultRetryPolicy(),
		Thresholds:   cfg.Thresholds,
		CacheTTL:     cfg.CacheTTL,
		CacheSize:    cfg.CacheSize,
		StaleAge:     cfg.StaleAge,
	})

	srv := api.NewServer(cfg.ListenAddr, db, reg, eng, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

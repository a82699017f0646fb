package main

import (
	"context"
	"log"
	"os"

	"github.com/seantiz/drover/internal/api"
	"github.com/seantiz/drover/internal/config"
	"github.com/seantiz/drover/internal/coordinator"
	"github.com/seantiz/drover/internal/registry"
	"github.com/seantiz/drover/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("drover: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"heartbeat_timeout", cfg.HeartbeatTimeout.String(),
		"sweep_interval", cfg.SweepInterval.String(),
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := registry.New()
	coord := coordinator.New(db, reg, coordinator.Config{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		SweepInterval:    cfg.SweepInterval,
		TaskDeadline:     cfg.TaskDeadline,
		AssignRetries:    cfg.AssignRetries,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Run(ctx)

	srv := api.NewServer(cfg.ListenAddr, db, coord, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avollmer/gpuforge/internal/config"
	"github.com/avollmer/gpuforge/internal/docker"
	"github.com/avollmer/gpuforge/internal/recovery"
	"github.com/avollmer/gpuforge/internal/session"
	"github.com/avollmer/gpuforge/internal/store"
)

const shutdownJoinTimeout = 10 * time.Second

func main() {
	cfgPath := flag.String("config", "", "path to gpuforge.yaml")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		logger.Error("migrate", "error", err)
		os.Exit(1)
	}
	if err := st.EnsureGpuPool(cfg.Session.GpuPoolSize); err != nil {
		logger.Error("seed gpu pool", "error", err)
		os.Exit(1)
	}
	if _, err := st.EnsureDefaultPack(cfg.Session.DefaultPackImage, cfg.Session.DefaultPackDigest); err != nil {
		logger.Error("seed default pack", "error", err)
		os.Exit(1)
	}

	runtime, err := docker.NewSessionRuntime(cfg)
	if err != nil {
		logger.Error("build session runtime", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := session.NewRepo(st)
	runner := recovery.NewRunner(repo, runtime, cfg, logger)

	if cfg.Recovery.Enabled {
		updated, err := runner.ReconcileOnStartup(ctx)
		if err != nil {
			logger.Error("startup reconcile failed", "error", err)
			os.Exit(1)
		}
		logger.Info("startup reconcile complete", "updated", updated)
	}

	workerDone := make(chan struct{})
	if cfg.Recovery.Enabled {
		go func() {
			defer close(workerDone)
			runner.Run(ctx)
		}()
	} else {
		close(workerDone)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	logger.Info("gpuforged ready",
		"runtime_mode", cfg.Runtime.Mode,
		"gpu_pool_size", cfg.Session.GpuPoolSize,
		"poll_interval_seconds", cfg.Recovery.PollIntervalSeconds)

	<-sigCh
	logger.Info("shutting down...")
	cancel()

	select {
	case <-workerDone:
	case <-time.After(shutdownJoinTimeout):
		logger.Warn("recovery worker did not stop in time")
	}
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"studyroom/internal/config"
	"studyroom/internal/mirror"
	"studyroom/internal/registry"
	"studyroom/internal/relay"
	"studyroom/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := cfg.RelayOptions()
	if cfg.MirrorEnabled() {
		rdb, err := mirror.Dial(ctx, cfg.RedisAddress, cfg.RedisPassword)
		if err != nil {
			slog.Error("error connecting to Redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		opts.Mirror = mirror.NewRedis(rdb, cfg.RedisKey, cfg.RedisTTL)
		slog.Info("presence mirror enabled", "redis", cfg.RedisAddress, "key", cfg.RedisKey)
	}

	manager := relay.NewManager(registry.New(), opts)
	managerDone := make(chan struct{})
	go func() {
		defer close(managerDone)
		manager.Run(ctx)
	}()

	if err := server.New(cfg, manager).ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		stop()
		<-managerDone
		os.Exit(1)
	}
	<-managerDone
	slog.Info("relay stopped")
}

func setupLogger(cfg config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.IsDevelopment() {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

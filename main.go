package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"trading-core/internal/config"
	"trading-core/internal/engine"
	"trading-core/internal/opsapi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	eng, err := engine.New(cfg)
	if err != nil {
		slog.Error("engine construction failed", "error", err)
		os.Exit(1)
	}

	token, err := opsapi.IssueOperatorToken(cfg.JWTSecret)
	if err != nil {
		slog.Error("ops api token issue failed", "error", err)
		os.Exit(1)
	}
	slog.Info("ops api operator token issued, use as Authorization: Bearer <token>", "token", token)

	api := opsapi.NewServer(eng.Registry(), eng.Breaker(), eng, cfg.JWTSecret)
	go func() {
		if err := api.Run(":" + cfg.Port); err != nil {
			slog.Error("ops api server stopped", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	if err := eng.Run(ctx); err != nil {
		slog.Error("engine run stopped", "error", err)
	}
}

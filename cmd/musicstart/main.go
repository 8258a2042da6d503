package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"musicstart/internal/bot"
	"musicstart/internal/config"
	"musicstart/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))

	db, err := storage.OpenDB(cfg.DataDir)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bot.NewBot(cfg, storage.NewStore(db))
	if err := b.Run(ctx); err != nil {
		slog.Error("bot exited", "err", err)
		os.Exit(1)
	}
	slog.Info("shut down")
}

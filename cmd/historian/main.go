// cmd/historian/main.go is the asynchronous historian: it pops archived lobby
// events from the Redis queue and persists them to PostgreSQL.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jason-s-yu/classlobby/internal/cache"
	"github.com/jason-s-yu/classlobby/internal/config"
	"github.com/jason-s-yu/classlobby/internal/database"
	"github.com/jason-s-yu/classlobby/internal/historian"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	logger := config.NewLogger(cfg, "historian")
	log := logrus.NewEntry(logger)

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.WithError(err).Fatal("Database unavailable")
	}
	if err := database.Migrate(ctx, pool); err != nil {
		log.WithError(err).Fatal("Migration failed")
	}
	store := database.NewPostgres(pool, log)
	defer store.Close()

	rdb, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		log.WithError(err).Fatal("Redis unavailable")
	}
	defer rdb.Close()

	src := historian.NewRedisSource(rdb, cfg.ArchiveQueue, cfg.Historian.PopTimeout)
	svc := historian.New(src, store, cfg.Historian, log.WithField("queue", cfg.ArchiveQueue))
	if err := svc.Run(ctx); err != nil {
		log.WithError(err).Error("Historian exited")
	}
	log.Info("Historian shutdown complete")
}

// cmd/server/main.go is the lobby coordinator: it owns every active lobby in
// memory and serves the HTTP and WebSocket API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/classlobby/internal/auth"
	"github.com/jason-s-yu/classlobby/internal/cache"
	"github.com/jason-s-yu/classlobby/internal/config"
	"github.com/jason-s-yu/classlobby/internal/database"
	"github.com/jason-s-yu/classlobby/internal/handlers"
	"github.com/jason-s-yu/classlobby/internal/lobby"
	"github.com/jason-s-yu/classlobby/internal/metrics"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout  = 10 * time.Second
	poolStatInterval = 15 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	logger := config.NewLogger(cfg, "lobbyd")
	log := logrus.NewEntry(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	authenticator, err := newAuthenticator(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize auth keys")
	}

	m := metrics.New()
	g, gctx := errgroup.WithContext(ctx)

	var store lobby.Store
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using in-memory store")
		store = database.NewMemory()
	} else {
		pool, err := database.Connect(ctx, cfg.DatabaseURL, log)
		if err != nil {
			log.WithError(err).Fatal("Database unavailable")
		}
		if err := database.Migrate(ctx, pool); err != nil {
			log.WithError(err).Fatal("Migration failed")
		}
		pg := database.NewPostgres(pool, log)
		defer pg.Close()
		g.Go(func() error {
			pg.WatchPool(gctx, m, poolStatInterval)
			return nil
		})
		store = pg
	}

	// the archive outlives the registry so the aborts published at shutdown
	// still reach the queue
	archiveCtx, stopArchive := context.WithCancel(context.Background())
	defer stopArchive()

	regOpts := []lobby.Option{lobby.WithLogger(log), lobby.WithMetrics(m)}
	if cfg.RedisAddr != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			log.WithError(err).Fatal("Redis unavailable")
		}
		defer rdb.Close()
		archiver := cache.NewArchiver(rdb, cfg.ArchiveQueue, 0, log, m)
		g.Go(func() error { return archiver.Run(archiveCtx) })
		regOpts = append(regOpts, lobby.WithObserver(archiver))
	} else {
		log.Info("REDIS_ADDR not set, event archive disabled")
	}

	reg := lobby.NewRegistry(cfg.Lobby, store, regOpts...)

	srvOpts := []handlers.Option{handlers.WithMetrics(m)}
	if cfg.GuestSessions {
		log.Warn("Guest sessions enabled")
		srvOpts = append(srvOpts, handlers.WithGuestSessions())
	}
	api := handlers.NewServer(reg, authenticator, log, srvOpts...)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Infof("Running on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		// closes every lobby channel so lingering WebSocket handlers return
		reg.Shutdown()
		stopArchive()
		return err
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("Server exited")
	}
	log.Info("Shutdown complete")
}

// newAuthenticator loads the Ed25519 key pair from disk, or generates a
// throwaway pair when no key path is configured.
func newAuthenticator(cfg config.Config, log *logrus.Entry) (*auth.Authenticator, error) {
	ttl, err := auth.ParseTTL(cfg.TokenExpireTime)
	if err != nil {
		return nil, err
	}
	if cfg.JWTPrivateKeyPath == "" && cfg.JWTPublicKeyPath == "" {
		log.Warn("No JWT key paths set, generated ephemeral keys; tokens will not survive a restart")
		return auth.NewEphemeral(ttl)
	}
	return auth.NewFromPath(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, ttl)
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/abrahaamv/realtime-gateway/internal/auth"
	"github.com/abrahaamv/realtime-gateway/internal/config"
	"github.com/abrahaamv/realtime-gateway/internal/gateway"
	"github.com/abrahaamv/realtime-gateway/internal/pubsub"
	"github.com/abrahaamv/realtime-gateway/internal/store"
	pkglog "github.com/abrahaamv/realtime-gateway/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	pkglog.Init(pkglog.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, ServiceName: "realtime-gateway"})
	logger := pkglog.L()

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str(pkglog.FieldServerID, cfg.Server.InstanceID).
		Msg("starting realtime gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Auth.JWTSecret == "" {
		logger.Fatal().Msg("auth.jwt_secret is required")
	}
	verifier := auth.NewJWTVerifier(cfg.Auth.JWTSecret)

	var messageStore store.MessageStore
	if cfg.Database.DSN != "" {
		messageStore, err = store.NewGormMessageStore(cfg.Database.DSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to message store")
		}
	} else {
		logger.Warn().Msg("database.dsn not set, using in-memory message store")
		messageStore = store.NewMemoryMessageStore()
	}
	defer messageStore.Close()

	bus, err := pubsub.NewRedisPubSub(ctx, pubsub.Config{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis bus")
	}
	logger.Info().Str("address", cfg.Redis.Address).Msg("connected to redis bus")

	srv := gateway.NewServer(cfg, verifier, messageStore, bus)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start gateway")
	}

	router := mux.NewRouter()
	srv.RegisterRoutes(router)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", httpServer.Addr).Msg("gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down gateway")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http server forced to shut down")
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("gateway exited with error")
	}
	logger.Info().Msg("gateway stopped")
}

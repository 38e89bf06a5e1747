package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hongminglow/sampledeck-billing/internal/config"
	"github.com/hongminglow/sampledeck-billing/internal/logging"
	"github.com/hongminglow/sampledeck-billing/internal/payment/stripe"
	"github.com/hongminglow/sampledeck-billing/internal/server"
	"github.com/hongminglow/sampledeck-billing/internal/storage"
	"github.com/hongminglow/sampledeck-billing/internal/storage/backend"
	"github.com/hongminglow/sampledeck-billing/internal/storage/postgres"
)

func main() {
	envLoaded := godotenv.Load() == nil

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.Development())
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	if !envLoaded {
		logger.Info("no .env file found; relying on existing environment")
	}
	if cfg.Catalog.Len() == 0 {
		logger.Warn("PRODUCT_CATALOG is empty; every one-time purchase will be rejected")
	}

	ctx := context.Background()
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer store.Close()

	srv, err := server.New(cfg, store, stripe.NewSubscriptionClient(cfg.StripeKey), logger)
	if err != nil {
		logger.Fatal("init server", zap.Error(err))
	}

	go func() {
		logger.Info("billing webhook service listening",
			zap.String("addr", cfg.HTTPAddress()),
			zap.String("store", cfg.StoreDriver),
		)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.WebhookTimeout+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctxShutdown); err != nil {
		logger.Error("graceful shutdown error", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (storage.Store, error) {
	if cfg.StoreDriver == config.DriverPostgres {
		store, err := postgres.NewStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return backend.New(cfg.BackendURL, cfg.BackendToken, &http.Client{Timeout: 10 * time.Second}, logger), nil
}

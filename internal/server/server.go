package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/hongminglow/sampledeck-billing/internal/auth"
	"github.com/hongminglow/sampledeck-billing/internal/config"
	"github.com/hongminglow/sampledeck-billing/internal/http/handlers"
	"github.com/hongminglow/sampledeck-billing/internal/ledger"
	"github.com/hongminglow/sampledeck-billing/internal/metrics"
	"github.com/hongminglow/sampledeck-billing/internal/middleware"
	"github.com/hongminglow/sampledeck-billing/internal/payment/stripe"
	"github.com/hongminglow/sampledeck-billing/internal/reconcile"
	"github.com/hongminglow/sampledeck-billing/internal/storage"
)

// Server wraps an http.Server with configured routes.
type Server struct {
	inner *http.Server
}

// New wires the reconciliation pipeline, middleware and routes.
func New(cfg config.Config, store storage.Store, subs reconcile.SubscriptionFetcher, logger *zap.Logger) (*Server, error) {
	reg := promclient.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.New(reg)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	mutator := reconcile.NewMutator(store, ledger.NewWriter(store, logger), logger)
	mutator.AttachObserver(recorder)
	dispatcher := reconcile.NewDispatcher(
		cfg.Catalog,
		reconcile.NewLocator(store, logger),
		mutator,
		subs,
		reconcile.Config{RenewalCredits: cfg.RenewalCredits},
		logger,
	)

	mux := http.NewServeMux()
	health := handlers.NewHealthHandler(time.Now())
	health.Register(mux)
	webhook := handlers.NewWebhookHandler(stripe.NewVerifier(cfg.WebhookSecret), dispatcher, cfg.WebhookTimeout, logger)
	webhook.AttachObserver(recorder)
	webhook.Register(mux)
	tokenManager := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, time.Hour)
	credits := handlers.NewCreditsHandler(store, store, tokenManager, logger)
	credits.Register(mux)
	mux.Handle("/metrics", recorder.Handler())

	handler := middleware.CORS(cfg.CORSOrigins, middleware.Logging(logger, mux))

	// The write deadline has to outlast the per-event timeout.
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddress(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.WebhookTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          zap.NewStdLog(logger.Named("http.server")),
	}

	return &Server{inner: httpServer}, nil
}

// Handler exposes the routed handler chain.
func (s *Server) Handler() http.Handler {
	return s.inner.Handler
}

// Start begins serving HTTP traffic.
func (s *Server) Start() error {
	return s.inner.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}

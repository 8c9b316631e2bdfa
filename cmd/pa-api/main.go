// Package main provides the prior authorization API entry point.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-priorauth/internal/api/handlers"
	"github.com/drfirst/go-priorauth/internal/api/middleware"
	"github.com/drfirst/go-priorauth/internal/app"
	"github.com/drfirst/go-priorauth/internal/config"
	"github.com/drfirst/go-priorauth/internal/observability/metrics"
)

// maxBodyBytes bounds a request including an inline FHIR bundle.
const maxBodyBytes = 2 << 20

func main() {
	cfg, err := config.Load(os.Getenv("PA_CONFIG"))
	if err != nil {
		panic(err)
	}

	logger, err := app.NewLogger(cfg.Service.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()
	tp, err := app.InitTracing(ctx, cfg, "api")
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	m := metrics.New()
	a, err := app.Build(ctx, cfg, logger, app.Options{Metrics: m})
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	a.Service.Start()

	authHandler := handlers.NewAuthorizationHandler(a.Service, a.Records, logger.Named("handlers"))

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Observe("pa-api", m, logger.Named("http")))
	r.Use(middleware.Recover(logger))

	// Health check (no auth)
	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !a.Service.Healthy() {
			http.Error(w, "queue full", http.StatusServiceUnavailable)
			return
		}
		if a.DB != nil {
			if err := a.DB.Ping(r.Context()); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/debug/stats", func(w http.ResponseWriter, r *http.Request) {
		stats := map[string]any{
			"workers":  a.Service.Stats(),
			"breakers": a.Breakers.GetHealthStatus(),
		}
		if a.Inbox != nil {
			if inbox, err := a.Inbox.Stats(r.Context()); err == nil {
				stats["inbox"] = inbox
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	})

	// API routes (with auth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.Server.APIKeys))
		r.Use(middleware.BodyLimit(maxBodyBytes))
		r.Mount("/authorizations", authHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	if len(cfg.Server.APIKeys) == 0 {
		logger.Warn("no API keys configured, authentication disabled")
	}
	logger.Info("starting prior authorization API", zap.String("port", cfg.Server.Port))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	a.Close()
	if err := tp.Shutdown(context.Background()); err != nil {
		logger.Warn("tracer shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "pa-api",
		"version": app.Version,
	})
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"admission-gateway/config"
	"admission-gateway/logging"
	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"
)

func main() {
	// Exemplo: gate injetado direto no webserver (sem proxy e sem Redis).
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if cfg.ListenAddr == ":8080" {
		cfg.ListenAddr = ":8081"
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := infra.NewMemoryWindowStore()
	store.StartJanitor(ctx)
	stats := infra.NewMemoryStatsStore()

	gate := application.Gate{
		Store:     store,
		Policies:  cfg.Policies,
		Exempt:    domain.NewExemptSet(cfg.ExemptPaths...),
		KeyPrefix: cfg.Store.KeyPrefix,
		Stats:     stats,
		Logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(headerPrincipal)
	r.Use(ratelimit.Middleware(ratelimit.Options{
		Gate:               gate,
		ServiceKeyHeader:   cfg.ServiceKeyHeader,
		TrustXForwardedFor: cfg.TrustXFF,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"total":    stats.Total(),
			"by_tier":  stats.ByTier(),
			"by_route": stats.ByRoute(),
		})
	})
	r.Get("/orders", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, []map[string]any{{"id": 1, "status": "paid"}, {"id": 2, "status": "pending"}})
	})
	r.Post("/checkout", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "accepted"})
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("example server listening", zap.String("addr", cfg.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}

// headerPrincipal simula uma camada de auth: X-User-ID vira o principal,
// X-User-Role: admin marca como admin. Só para demonstração.
func headerPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
			p := &domain.Principal{
				ID:      id,
				IsAdmin: strings.EqualFold(strings.TrimSpace(r.Header.Get("X-User-Role")), "admin"),
			}
			r = r.WithContext(domain.WithPrincipal(r.Context(), p))
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/http/httputil"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"admission-gateway/config"
	"admission-gateway/logging"
	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	target, err := cfg.RequireUpstream()
	if err != nil {
		logger.Fatal("config error", zap.Error(err))
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("proxy error", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()

	// Redis fora do ar no boot não impede a subida: o gate falha aberto.
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed, requests will fail open until it recovers",
			zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := infra.NewPromStats(reg)

	var store domain.WindowStore = prom.InstrumentStore(infra.NewRedisWindowStore(rdb))
	if cfg.Store.BreakerEnabled {
		store = infra.NewBreakerStore(store, infra.BreakerOptions{
			Name:        "redis-window",
			MaxFailures: cfg.Store.BreakerMaxFailures,
			OpenTimeout: cfg.Store.BreakerOpenTimeout,
			Logger:      logger,
		})
	}

	stats := infra.MultiStats{prom}
	if cfg.Stats.Enabled {
		stats = append(stats, infra.NewRedisStatsStore(
			rdb,
			infra.WithStatsPrefix(cfg.Stats.Prefix),
			infra.WithStatsTTL(cfg.Stats.TTL),
			infra.WithStatsBucket(cfg.Stats.Bucket),
			infra.WithStatsTrackKeys(cfg.Stats.TrackKeys),
		))
	}

	gate := application.Gate{
		Store:     store,
		Policies:  cfg.Policies,
		Exempt:    domain.NewExemptSet(cfg.ExemptPaths...),
		KeyPrefix: cfg.Store.KeyPrefix,
		Guard: application.StoreGuard{
			Pool:    infra.NewChanPool(cfg.Store.MaxInflight),
			Timeout: cfg.Store.Timeout,
		},
		Stats:  stats,
		Logger: logger,
	}

	r := chi.NewRouter()
	r.Use(ratelimit.Middleware(ratelimit.Options{
		Gate:               gate,
		ServiceKeyHeader:   cfg.ServiceKeyHeader,
		TrustXForwardedFor: cfg.TrustXFF,
	}))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Handle("/*", proxy)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("gateway listening",
		zap.String("addr", cfg.ListenAddr),
		zap.String("upstream", target.String()),
		zap.String("redis", cfg.Redis.Addr),
		zap.String("user_policy", domain.FormatPolicy(cfg.Policies.Tiers[domain.RoleUser])),
		zap.String("admin_policy", domain.FormatPolicy(cfg.Policies.Tiers[domain.RoleAdmin])),
		zap.String("service_policy", domain.FormatPolicy(cfg.Policies.Tiers[domain.RoleService])),
		zap.String("anonymous_policy", domain.FormatPolicy(cfg.Policies.Tiers[domain.RoleAnonymous])),
		zap.Int("endpoint_overrides", len(cfg.Policies.Endpoints)),
		zap.Strings("exempt", cfg.ExemptPaths),
		zap.Duration("store_timeout", cfg.Store.Timeout),
		zap.Int("store_max_inflight", cfg.Store.MaxInflight),
		zap.Bool("breaker", cfg.Store.BreakerEnabled),
		zap.Bool("redis_stats", cfg.Stats.Enabled),
		zap.Bool("trust_xff", cfg.TrustXFF),
	)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/offerforge/offerforge/core/httpapi"
	"github.com/offerforge/offerforge/core/infra/buildinfo"
	"github.com/offerforge/offerforge/core/infra/bus"
	"github.com/offerforge/offerforge/core/infra/config"
	"github.com/offerforge/offerforge/core/infra/logging"
	"github.com/offerforge/offerforge/core/infra/metrics"
	"github.com/offerforge/offerforge/core/infra/secrets"
	"github.com/offerforge/offerforge/core/orchestrator"
	"github.com/offerforge/offerforge/core/run"
)

func main() {
	buildinfo.Log("offerd")
	cfg := config.Load()

	tracker, closeTracker := newTracker(cfg)
	defer closeTracker()

	provider := secrets.FromConfig(cfg.SecretsFile)
	gen := metrics.NewProm("offerd")
	api := metrics.NewAPIProm("offerd")
	events := bus.FromConfig(cfg.NatsURL, cfg.RunEventSubject)
	defer events.Close()

	svc := orchestrator.New(cfg, tracker, provider, gen, events)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewServer(svc, api).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logging.Info("offerd", "metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("offerd", "metrics server failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logging.Info("offerd", "listening", "addr", cfg.HTTPAddr, "backend", cfg.Backend, "demo_mode", cfg.DemoMode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("offerd", "server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logging.Info("offerd", "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error("offerd", "shutdown failed", "error", err)
	}
	_ = metricsServer.Shutdown(shutdownCtx)
}

func newTracker(cfg *config.Config) (run.Tracker, func()) {
	if cfg.RedisURL != "" {
		rt, err := run.NewRedisTracker(cfg.RedisURL, cfg.HistoryCapacity)
		if err == nil {
			logging.Info("offerd", "run tracker backed by redis", "url", cfg.RedisURL)
			return rt, func() { _ = rt.Close() }
		}
		logging.Warn("offerd", "redis unavailable, falling back to memory tracker", "error", err)
	}
	return run.NewMemoryTracker(cfg.HistoryCapacity), func() {}
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

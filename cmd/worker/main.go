package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zachbroad/webhook-engine/internal/app"
	"github.com/zachbroad/webhook-engine/internal/config"
	"github.com/zachbroad/webhook-engine/internal/logging"
	"github.com/zachbroad/webhook-engine/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := app.Open(ctx, cfg, log)
	if err != nil {
		svc.Close()
		log.Fatal("failed to start", zap.Error(err))
	}
	defer svc.Close()

	w := worker.New(svc.Redis, svc.Dispatcher, svc.Executor, svc.Store, log, worker.Options{
		Stream:        cfg.EventStream,
		Group:         cfg.ConsumerGroup,
		Concurrency:   cfg.WorkerConcurrency,
		SweepInterval: cfg.SweepInterval,
	})

	// Liveness and metrics for the worker pod.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	healthSrv := &http.Server{
		Addr:              ":" + cfg.WorkerHealthPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("worker health server listening", zap.String("port", cfg.WorkerHealthPort))
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("health server error", zap.Error(err))
		}
	}()

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("health server shutdown error", zap.Error(err))
	}
	log.Info("worker stopped")
}

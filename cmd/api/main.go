package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zachbroad/webhook-engine/internal/app"
	"github.com/zachbroad/webhook-engine/internal/config"
	"github.com/zachbroad/webhook-engine/internal/handler"
	"github.com/zachbroad/webhook-engine/internal/logging"
	"github.com/zachbroad/webhook-engine/internal/worker"
)

func main() {
	withWorker := flag.Bool("worker", false, "also run the fan-out worker in-process")
	flag.Parse()

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

	r := handler.NewRouter(handler.Deps{
		Registry:   svc.Registry,
		Executor:   svc.Executor,
		Dispatcher: svc.Dispatcher,
		Publisher:  svc.Publisher,
		Log:        log,
	})

	// Running the worker in-process is meant for local development.
	if *withWorker {
		w := worker.New(svc.Redis, svc.Dispatcher, svc.Executor, svc.Store, log, worker.Options{
			Stream:        cfg.EventStream,
			Group:         cfg.ConsumerGroup,
			Concurrency:   cfg.WorkerConcurrency,
			SweepInterval: cfg.SweepInterval,
		})
		go func() {
			if err := w.Run(ctx); err != nil {
				log.Error("worker stopped", zap.Error(err))
				cancel()
			}
		}()
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("api server listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	log.Info("api server stopped")
}

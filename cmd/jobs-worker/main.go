// Command jobs-worker runs the enforcement loops without the HTTP API. Run
// several with JOB_LEASE_TTL set so only one executes each tick.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ms-orders/internal/app"
	"ms-orders/internal/config"
	"ms-orders/internal/logger"
)

func main() {
	logger := logger.NewLogger()
	defer logger.Close()

	if err := godotenv.Load(); err != nil {
		logger.Warn("CONFIG", ".env file not found, using environment variables")
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("APP", fmt.Sprintf("Initialization failed: %v", err))
	}
	defer a.Close()

	a.StartListeners(ctx)
	a.StartJobs(ctx)

	metricsServer := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           a.Metrics.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}
	go func() {
		logger.Info("HTTP", fmt.Sprintf("Worker metrics on %s", cfg.Server.Port))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP", fmt.Sprintf("Metrics server error: %v", err))
		}
	}()

	logger.Info("APP", "Jobs worker started, waiting for shutdown signal")
	<-ctx.Done()

	logger.Info("APP", "Shutdown signal received, stopping jobs")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	a.StopJobs()
	logger.Info("APP", "Jobs worker stopped")
}

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

	logger.Info("APP", "Starting Order Service initialization")

	if err := godotenv.Load(); err != nil {
		logger.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		logger.Info("CONFIG", "Loaded environment variables from .env file")
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	verifier, err := app.Verifier(ctx, cfg.Auth, logger)
	if err != nil {
		logger.Fatal("AUTH", fmt.Sprintf("Token verifier setup failed: %v", err))
	}

	logger.Info("APP", "Verifying database connections")
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("APP", fmt.Sprintf("Initialization failed: %v", err))
	}
	defer a.Close()

	a.StartListeners(ctx)
	if cfg.Jobs.Enabled {
		a.StartJobs(ctx)
	} else {
		logger.Info("JOB", "Background jobs disabled; run cmd/jobs-worker instead")
	}

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      a.Router(verifier),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("HTTP", fmt.Sprintf("Order Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	logger.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-ctx.Done()

	logger.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	}
	a.StopJobs()
	logger.Info("HTTP", "Order Service shutdown complete")
}

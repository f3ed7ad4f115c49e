package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/browsertrace/browsertrace/internal/api"
	"github.com/browsertrace/browsertrace/internal/config"
	"github.com/browsertrace/browsertrace/internal/driver"
	"github.com/browsertrace/browsertrace/internal/engine"
	"github.com/browsertrace/browsertrace/internal/logging"
	"github.com/browsertrace/browsertrace/internal/profile"
	"github.com/browsertrace/browsertrace/internal/ratelimit"
	"github.com/browsertrace/browsertrace/internal/recorder"
	"github.com/browsertrace/browsertrace/internal/session"
	"github.com/browsertrace/browsertrace/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using system environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := logging.New(cfg.Debug)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting browsertrace",
		zap.String("addr", cfg.Addr),
		zap.Int("maxConcurrent", cfg.MaxConcurrent),
		zap.Bool("engine", cfg.UseEngine))

	registry, err := storage.NewRegistry(cfg.DataDir)
	if err != nil {
		logger.Fatal("failed to open session registry", zap.Error(err))
	}
	defer registry.Close()

	profiles, err := profile.NewManager(filepath.Join(cfg.DataDir, "profiles"))
	if err != nil {
		logger.Fatal("failed to create profile store", zap.Error(err))
	}

	var launcher engine.Launcher
	if cfg.UseEngine {
		dockerLauncher, err := engine.NewDockerLauncher(cfg.EngineImage, logger)
		if err != nil {
			logger.Fatal("failed to create engine launcher", zap.Error(err))
		}
		defer dockerLauncher.Close()

		pullCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		if err := dockerLauncher.EnsureImage(pullCtx); err != nil {
			cancel()
			logger.Fatal("failed to ensure engine image", zap.Error(err))
		}
		cancel()
		launcher = dockerLauncher
		logger.Info("engine image ready", zap.String("image", cfg.EngineImage))
	}

	newDriver := func(connectURL string, rec *recorder.Recorder) (session.Driver, error) {
		return driver.New(connectURL, rec, logger)
	}
	manager := session.NewManager(cfg, launcher, registry, profiles, newDriver, logger)
	rateLimiter := ratelimit.NewLimiter(100, 10)

	handler := api.NewHandler(manager, registry, profiles, logger)
	router := handler.SetupRoutes(rateLimiter)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shut down", zap.Error(err))
	}
	manager.Shutdown()

	logger.Info("stopped cleanly")
}

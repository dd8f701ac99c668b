package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/kirillkom/pathology-assistant/internal/adapters/http"
	"github.com/kirillkom/pathology-assistant/internal/bootstrap"
	"github.com/kirillkom/pathology-assistant/internal/config"
	"github.com/kirillkom/pathology-assistant/internal/observability/logging"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		logging.NewJSONLogger("api", "info").Error("dotenv_load_failed", "error", err)
		os.Exit(1)
	}
	cfg := config.Load()
	logger := logging.NewJSONLogger("api", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, "api", logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	router := httpadapter.NewRouter(cfg, httpadapter.Services{
		Ingest:   app.IngestUC,
		Cases:    app.AnalysisUC,
		Analyzer: app.AnalysisUC,
		Settings: app.AnalysisUC,
		Clinical: app.Clinical,
		Metrics:  app.APIMetrics,
		Logger:   logger,
	}).Handler()
	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("api_listening", "port", cfg.APIPort, "model_loaded", app.Engine.IsLoaded(), "mode", app.Engine.Mode())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api_shutdown_failed", "error", err)
	}
}

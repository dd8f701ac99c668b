package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirillkom/pathology-assistant/internal/bootstrap"
	"github.com/kirillkom/pathology-assistant/internal/config"
	"github.com/kirillkom/pathology-assistant/internal/observability/logging"
	"github.com/kirillkom/pathology-assistant/internal/observability/metrics"
)

const slideTimeout = 30 * time.Minute

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		logging.NewJSONLogger("worker", "info").Error("dotenv_load_failed", "error", err)
		os.Exit(1)
	}
	cfg := config.Load()
	logger := logging.NewJSONLogger("worker", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, "worker", logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	workerMetrics := metrics.NewWorkerMetrics("worker")
	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           metricsMux(workerMetrics),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker_metrics_server_failed", "error", err)
		}
	}()

	logger.Info("worker_subscribed", "subject", cfg.NATSSubject)
	err = app.Queue.SubscribeSlideUploaded(ctx, func(handlerCtx context.Context, caseID string) error {
		processCtx, cancel := context.WithTimeout(handlerCtx, slideTimeout)
		defer cancel()

		if c, err := app.Repo.GetByID(processCtx, caseID); err == nil {
			workerMetrics.ObserveQueueLag(time.Since(c.CreatedAt))
		}

		workerMetrics.StartSlide()
		started := time.Now()
		result, err := app.ProcessUC.Process(processCtx, caseID)
		workerMetrics.FinishSlide(time.Since(started), err)
		if err != nil {
			return err
		}
		workerMetrics.ObservePatches(result.TissuePatches, result.BackgroundCount)
		logger.Info("slide_processed",
			"case_id", caseID,
			"total_patches", result.TotalPatches,
			"tissue_patches", result.TissuePatches,
			"saved_patches", result.SavedPatches,
			"seconds", result.ProcessingTime,
		)
		return nil
	})
	if err != nil {
		logger.Error("worker_subscribe_failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}

func metricsMux(m *metrics.WorkerMetrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

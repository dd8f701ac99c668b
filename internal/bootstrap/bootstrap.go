package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/kirillkom/pathology-assistant/internal/config"
	"github.com/kirillkom/pathology-assistant/internal/core/domain"
	"github.com/kirillkom/pathology-assistant/internal/core/ports"
	"github.com/kirillkom/pathology-assistant/internal/core/usecase"
	"github.com/kirillkom/pathology-assistant/internal/infrastructure/extractor/clinical"
	"github.com/kirillkom/pathology-assistant/internal/infrastructure/imaging"
	"github.com/kirillkom/pathology-assistant/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/pathology-assistant/internal/infrastructure/llm/remote"
	"github.com/kirillkom/pathology-assistant/internal/infrastructure/queue/nats"
	"github.com/kirillkom/pathology-assistant/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/pathology-assistant/internal/infrastructure/resilience"
	"github.com/kirillkom/pathology-assistant/internal/infrastructure/slide"
	"github.com/kirillkom/pathology-assistant/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/pathology-assistant/internal/observability/metrics"
)

type App struct {
	Config config.Config
	Logger *slog.Logger

	Queue      ports.MessageQueue
	Repo       ports.CaseRepository
	Clinical   ports.ClinicalContextExtractor
	IngestUC   *usecase.IngestSlideUseCase
	ProcessUC  *usecase.SlideProcessingUseCase
	AnalysisUC *usecase.CaseAnalysisUseCase
	Engine     *usecase.InferenceEngine
	APIMetrics *metrics.HTTPServerMetrics

	closeFn func()
}

// New wires every adapter. service names the process in logs and metrics.
func New(ctx context.Context, cfg config.Config, service string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	repo := postgres.NewCaseRepository(db)

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	queue, err := nats.New(cfg.NATSURL, cfg.NATSSubject, nats.Options{
		Name:               "pathology-" + service,
		ResilienceExecutor: resilience.NewExecutor(cfg.ResilienceConfig(0, 0), logger),
		Logger:             logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init message queue: %w", err)
	}

	settings, err := cfg.InferenceSettings()
	if err != nil {
		queue.Close()
		_ = db.Close()
		return nil, fmt.Errorf("load inference settings: %w", err)
	}

	apiMetrics := metrics.NewHTTPServerMetrics(service)
	opener := slide.NewOpener(storage, cfg.PyramidOptions())
	tiles := usecase.NewTileGenerator(
		imaging.NewTissueDetector(cfg.MinTissueRatio),
		imaging.NewVarianceScorer(cfg.VarianceCeiling),
		cfg.TilingOptions(),
		logger,
	)
	exporter := usecase.NewPatchExporter(storage, logger)
	selector := usecase.NewROISelector(cfg.ROIOptions(), logger)
	engine := usecase.NewInferenceEngine(ctx, settings, newBackendResolver(cfg, logger), cfg.QualityGate(), apiMetrics, logger)

	return &App{
		Config: cfg,
		Logger: logger,

		Queue:      queue,
		Repo:       repo,
		Clinical:   clinical.NewExtractor(),
		IngestUC:   usecase.NewIngestSlideUseCase(repo, storage, queue),
		ProcessUC:  usecase.NewSlideProcessingUseCase(repo, opener, storage, tiles, exporter, logger),
		AnalysisUC: usecase.NewCaseAnalysisUseCase(repo, opener, selector, engine, logger),
		Engine:     engine,
		APIMetrics: apiMetrics,

		closeFn: closer(queue, db),
	}, nil
}

func closer(queue *nats.Queue, db *sql.DB) func() {
	return func() {
		queue.Close()
		_ = db.Close()
	}
}

// newBackendResolver builds a remote client when a remote URL is configured,
// otherwise probes the local Ollama model to pick multimodal or text mode.
func newBackendResolver(cfg config.Config, logger *slog.Logger) usecase.BackendResolver {
	return func(ctx context.Context, s domain.InferenceSettings) (usecase.ResolvedBackend, error) {
		if s.RemoteURL != "" {
			exec := resilience.NewExecutor(cfg.ResilienceConfig(cfg.RemoteRateLimitRPS, cfg.RemoteRateBurst), logger)
			return usecase.ResolvedBackend{
				Mode:    domain.ModeRemote,
				Backend: remote.New(s.RemoteURL, s.RemoteAPIKey, exec, logger),
			}, nil
		}

		client := ollama.New(cfg.OllamaURL, s.ModelName,
			ollama.WithExecutor(resilience.NewExecutor(cfg.ResilienceConfig(0, 0), logger)),
			ollama.WithLogger(logger),
		)
		caps, probeErr := client.Probe(ctx)
		mode, err := usecase.SelectMode(s, caps, probeErr)
		if err != nil {
			return usecase.ResolvedBackend{}, err
		}
		logger.Info("model_resolved", "model", s.ModelName, "mode", mode, "vision", caps.Vision)
		return usecase.ResolvedBackend{Mode: mode, Backend: client}, nil
	}
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

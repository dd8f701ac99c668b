package ports

import (
	"context"
	"io"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
)

// SlideIngestor is the inbound contract for slide upload orchestration.
type SlideIngestor interface {
	Upload(ctx context.Context, filename string, body io.Reader, clinical *domain.ClinicalMetadata) (*domain.Case, error)
}

// SlideProcessor is the inbound contract for asynchronous tiling.
type SlideProcessor interface {
	ProcessByID(ctx context.Context, caseID string) error
}

// CaseReader is the inbound read model for case state.
type CaseReader interface {
	GetByID(ctx context.Context, id string) (*domain.Case, error)
	ListPatches(ctx context.Context, id string) ([]domain.Patch, error)
	GetAnalysis(ctx context.Context, id string) (*domain.AnalysisResult, error)
}

// CaseAnalyzer is the inbound contract for ROI confirmation, analysis and chat.
type CaseAnalyzer interface {
	ConfirmROI(ctx context.Context, caseID string, req domain.ROISelectionRequest) (*domain.ROIResult, error)
	Analyze(ctx context.Context, caseID string, req domain.AnalyzeCaseRequest) (*domain.AnalysisResult, error)
	Chat(ctx context.Context, caseID string, req domain.ChatCaseRequest) (string, error)
}

// SettingsUpdater applies new inference settings.
type SettingsUpdater interface {
	CurrentSettings() domain.InferenceSettings
	UpdateSettings(ctx context.Context, settings domain.InferenceSettings) (reloaded bool, err error)
}

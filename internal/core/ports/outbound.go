package ports

import (
	"context"
	"image"
	"io"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
)

// SlideSource reads regions from a multi-resolution slide. Coordinates are in
// the pixel space of the requested level.
type SlideSource interface {
	LevelCount() int
	LevelDimensions(level int) (width, height int, err error)
	ReadRegion(x, y, level int, size image.Point) (image.Image, error)
}

// SlideOpener opens a stored slide for reading.
type SlideOpener interface {
	OpenSlide(ctx context.Context, key string) (Slide, error)
}

// Slide is an opened slide with its extracted metadata.
type Slide interface {
	SlideSource
	Metadata() domain.SlideMetadata
	Thumbnail(maxWidth, maxHeight int) image.Image
}

// TissueDetector classifies a tile as tissue or background.
type TissueDetector interface {
	DetectTissue(img image.Image) (isBackground bool, tissueRatio float64)
}

// VarianceScorer rates how much visual detail a tile carries, in [0,1].
type VarianceScorer interface {
	Score(img image.Image) float64
}

// ModelBackend generates text from a prompt, optionally grounded on images.
type ModelBackend interface {
	Generate(ctx context.Context, req domain.GenerationRequest) (string, error)
	Chat(ctx context.Context, req domain.ChatRequest) (string, error)
}

// ModelProber reports whether a backend is reachable and what it can do.
type ModelProber interface {
	Probe(ctx context.Context) (domain.ModelCapabilities, error)
}

// CaseRepository persists case state, tiles, ROI selections and analyses.
type CaseRepository interface {
	Create(ctx context.Context, c *domain.Case) error
	GetByID(ctx context.Context, id string) (*domain.Case, error)
	UpdateStatus(ctx context.Context, id string, status domain.CaseStatus, message string) error
	SaveMetadata(ctx context.Context, id string, meta domain.SlideMetadata) error
	SavePatches(ctx context.Context, id string, patches []domain.Patch) error
	ListPatches(ctx context.Context, id string) ([]domain.Patch, error)
	SaveROI(ctx context.Context, id string, roi domain.ROIResult) error
	GetROI(ctx context.Context, id string) (*domain.ROIResult, error)
	SaveAnalysis(ctx context.Context, result domain.AnalysisResult) error
	GetAnalysis(ctx context.Context, id string) (*domain.AnalysisResult, error)
}

// ObjectStorage stores slides, thumbnails and exported tiles.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// MessageQueue publishes/consumes slide processing jobs.
type MessageQueue interface {
	PublishSlideUploaded(ctx context.Context, caseID string) error
	SubscribeSlideUploaded(ctx context.Context, handler func(context.Context, string) error) error
}

// ClinicalContextExtractor turns an uploaded context file into clinical metadata.
type ClinicalContextExtractor interface {
	Parse(filename string, content []byte) (domain.ClinicalMetadata, error)
}

// AnalysisObserver receives analysis outcomes for metrics.
type AnalysisObserver interface {
	ObserveAnalysis(mode domain.InferenceMode, status string, seconds float64, findings int)
	ObserveRefusal(reason string)
	ObserveSafetyViolations(count int)
}

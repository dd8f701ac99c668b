package usecase

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"log/slog"
	"time"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
	"github.com/kirillkom/pathology-assistant/internal/core/ports"
)

const thumbnailSize = 512

// SlideProcessingUseCase turns an uploaded slide into scored, stored tiles.
type SlideProcessingUseCase struct {
	repo     ports.CaseRepository
	opener   ports.SlideOpener
	storage  ports.ObjectStorage
	tiles    *TileGenerator
	exporter *PatchExporter
	logger   *slog.Logger
}

func NewSlideProcessingUseCase(
	repo ports.CaseRepository,
	opener ports.SlideOpener,
	storage ports.ObjectStorage,
	tiles *TileGenerator,
	exporter *PatchExporter,
	logger *slog.Logger,
) *SlideProcessingUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlideProcessingUseCase{
		repo:     repo,
		opener:   opener,
		storage:  storage,
		tiles:    tiles,
		exporter: exporter,
		logger:   logger,
	}
}

func (uc *SlideProcessingUseCase) ProcessByID(ctx context.Context, caseID string) error {
	_, err := uc.Process(ctx, caseID)
	return err
}

func (uc *SlideProcessingUseCase) Process(ctx context.Context, caseID string) (*domain.WSIProcessingResult, error) {
	if err := uc.markStatus(ctx, caseID, domain.CaseProcessing, ""); err != nil {
		return nil, fmt.Errorf("set status=processing: %w", err)
	}

	result, err := uc.processPipeline(ctx, caseID)
	if err != nil {
		if failErr := uc.markStatus(ctx, caseID, domain.CaseFailed, err.Error()); failErr != nil {
			return nil, fmt.Errorf("%w; mark failed status: %v", err, failErr)
		}
		return nil, err
	}

	if err := uc.markStatus(ctx, caseID, domain.CaseROIPending, ""); err != nil {
		return nil, fmt.Errorf("set status=roi_pending: %w", err)
	}
	return result, nil
}

func (uc *SlideProcessingUseCase) processPipeline(ctx context.Context, caseID string) (*domain.WSIProcessingResult, error) {
	start := time.Now()
	c, err := uc.repo.GetByID(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("fetch case by id: %w", err)
	}

	slide, err := uc.opener.OpenSlide(ctx, c.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("open slide: %w", err)
	}

	meta := slide.Metadata()
	if key, err := uc.saveThumbnail(ctx, caseID, slide); err == nil {
		meta.ThumbnailKey = key
	} else {
		uc.logger.Warn("thumbnail_save_failed", "case_id", caseID, "error", err)
	}
	if c.Metadata != nil && c.Metadata.Clinical != nil {
		meta.Clinical = c.Metadata.Clinical
	}

	opts := uc.tiles.Options()
	patches, err := uc.tiles.GeneratePatches(ctx, slide, caseID, opts.PatchSize, meta.Magnification, opts.Level)
	if err != nil {
		return nil, fmt.Errorf("generate patches: %w", err)
	}

	tissue := FilterBackground(patches)
	saved := 0
	if uc.exporter != nil {
		saved, err = uc.exporter.SavePatches(ctx, caseID, slide, tissue, opts.PatchSize)
		if err != nil {
			return nil, fmt.Errorf("save patch images: %w", err)
		}
	}

	if err := uc.repo.SavePatches(ctx, caseID, patches); err != nil {
		return nil, fmt.Errorf("persist patches: %w", err)
	}
	if err := uc.repo.SaveMetadata(ctx, caseID, meta); err != nil {
		return nil, fmt.Errorf("persist metadata: %w", err)
	}

	return &domain.WSIProcessingResult{
		CaseID:          caseID,
		TotalPatches:    len(patches),
		TissuePatches:   len(tissue),
		BackgroundCount: len(patches) - len(tissue),
		SavedPatches:    saved,
		Patches:         patches,
		ProcessingTime:  time.Since(start).Seconds(),
		ThumbnailKey:    meta.ThumbnailKey,
		ProcessedAt:     time.Now().UTC(),
	}, nil
}

func (uc *SlideProcessingUseCase) saveThumbnail(ctx context.Context, caseID string, slide ports.Slide) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, slide.Thumbnail(thumbnailSize, thumbnailSize)); err != nil {
		return "", err
	}
	key := fmt.Sprintf("thumbnails/%s.png", caseID)
	if err := uc.storage.Save(ctx, key, &buf); err != nil {
		return "", err
	}
	return key, nil
}

func (uc *SlideProcessingUseCase) markStatus(ctx context.Context, caseID string, status domain.CaseStatus, message string) error {
	return uc.repo.UpdateStatus(ctx, caseID, status, message)
}

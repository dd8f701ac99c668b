package usecase

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
	"github.com/kirillkom/pathology-assistant/internal/core/ports"
)

type IngestSlideUseCase struct {
	repo    ports.CaseRepository
	storage ports.ObjectStorage
	queue   ports.MessageQueue
}

func NewIngestSlideUseCase(
	repo ports.CaseRepository,
	storage ports.ObjectStorage,
	queue ports.MessageQueue,
) *IngestSlideUseCase {
	return &IngestSlideUseCase{
		repo:    repo,
		storage: storage,
		queue:   queue,
	}
}

func NewCaseID() string {
	return "case_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Upload stores the slide, records the case and queues it for tiling.
// clinical may be nil.
func (uc *IngestSlideUseCase) Upload(
	ctx context.Context,
	filename string,
	body io.Reader,
	clinical *domain.ClinicalMetadata,
) (*domain.Case, error) {
	if err := ValidateSlideFilename(filename); err != nil {
		return nil, err
	}

	id := NewCaseID()
	storageKey := fmt.Sprintf("slides/%s_%s", id, SanitizeFilename(filename))
	now := time.Now().UTC()

	if err := uc.storage.Save(ctx, storageKey, body); err != nil {
		return nil, fmt.Errorf("save to object storage: %w", err)
	}

	c := &domain.Case{
		ID:         id,
		Filename:   filename,
		StorageKey: storageKey,
		Status:     domain.CaseUploaded,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if clinical != nil {
		c.Metadata = &domain.SlideMetadata{Clinical: clinical}
	}
	if err := uc.repo.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create case: %w", err)
	}

	if err := uc.queue.PublishSlideUploaded(ctx, c.ID); err != nil {
		return nil, fmt.Errorf("publish slide event: %w", err)
	}

	return c, nil
}

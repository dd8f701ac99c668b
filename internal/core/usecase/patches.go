package usecase

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"runtime"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
	"github.com/kirillkom/pathology-assistant/internal/core/ports"
)

const exportYieldEvery = 20

// PatchExporter writes tile images to object storage as PNG.
type PatchExporter struct {
	storage ports.ObjectStorage
	logger  *slog.Logger
}

func NewPatchExporter(storage ports.ObjectStorage, logger *slog.Logger) *PatchExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &PatchExporter{storage: storage, logger: logger}
}

func PatchKey(caseID, patchID string) string {
	return fmt.Sprintf("patches/%s/%s.png", caseID, patchID)
}

// SavePatches stores each tile under PatchKey and returns how many were
// written. Per-tile failures are logged and skipped.
func (x *PatchExporter) SavePatches(
	ctx context.Context,
	caseID string,
	slide ports.SlideSource,
	patches []domain.Patch,
	patchSize int,
) (int, error) {
	saved := 0
	for i, p := range patches {
		if i > 0 && i%exportYieldEvery == 0 {
			if err := ctx.Err(); err != nil {
				return saved, err
			}
			runtime.Gosched()
		}

		size := patchSize
		if p.Coordinates.Width > 0 {
			size = p.Coordinates.Width
		}
		region, err := slide.ReadRegion(p.X, p.Y, p.Level, image.Pt(size, size))
		if err != nil {
			x.logger.Warn("patch_export_read_failed", "case_id", caseID, "patch_id", p.ID, "error", err)
			continue
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, region); err != nil {
			x.logger.Warn("patch_export_encode_failed", "case_id", caseID, "patch_id", p.ID, "error", err)
			continue
		}
		if err := x.storage.Save(ctx, PatchKey(caseID, p.ID), &buf); err != nil {
			x.logger.Warn("patch_export_save_failed", "case_id", caseID, "patch_id", p.ID, "error", err)
			continue
		}
		saved++
	}
	return saved, nil
}

package usecase

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"runtime"
	"sort"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
	"github.com/kirillkom/pathology-assistant/internal/core/ports"
)

type TilingOptions struct {
	PatchSize          int
	MaxPatchesPerSlide int
	YieldEvery         int
	Magnification      int
	Level              int
}

func DefaultTilingOptions() TilingOptions {
	return TilingOptions{
		PatchSize:          256,
		MaxPatchesPerSlide: 2000,
		YieldEvery:         100,
		Magnification:      40,
		Level:              0,
	}
}

func (o TilingOptions) normalize() TilingOptions {
	def := DefaultTilingOptions()
	if o.PatchSize <= 0 {
		o.PatchSize = def.PatchSize
	}
	if o.MaxPatchesPerSlide <= 0 {
		o.MaxPatchesPerSlide = def.MaxPatchesPerSlide
	}
	if o.YieldEvery <= 0 {
		o.YieldEvery = def.YieldEvery
	}
	if o.Magnification <= 0 {
		o.Magnification = def.Magnification
	}
	if o.Level < 0 {
		o.Level = def.Level
	}
	return o
}

type TileGenerator struct {
	detector ports.TissueDetector
	scorer   ports.VarianceScorer
	opts     TilingOptions
	logger   *slog.Logger
}

func NewTileGenerator(detector ports.TissueDetector, scorer ports.VarianceScorer, opts TilingOptions, logger *slog.Logger) *TileGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &TileGenerator{detector: detector, scorer: scorer, opts: opts.normalize(), logger: logger}
}

func (g *TileGenerator) Options() TilingOptions {
	return g.opts
}

// GeneratePatches sweeps the level with a 25% tile overlap, widening the
// stride when the grid would exceed the per-slide cap. Unreadable regions are
// skipped. Non-positive patchSize or magnification use the configured values.
func (g *TileGenerator) GeneratePatches(
	ctx context.Context,
	slide ports.SlideSource,
	caseID string,
	patchSize, magnification, level int,
) ([]domain.Patch, error) {
	if patchSize <= 0 {
		patchSize = g.opts.PatchSize
	}
	if magnification <= 0 {
		magnification = g.opts.Magnification
	}
	width, height, err := slide.LevelDimensions(level)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read level dimensions", err)
	}

	step := g.stride(width, height, patchSize)
	size := image.Pt(patchSize, patchSize)
	patches := make([]domain.Patch, 0)
	visited := 0

	for y := 0; y+patchSize <= height; y += step {
		for x := 0; x+patchSize <= width; x += step {
			visited++
			if visited%g.opts.YieldEvery == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				runtime.Gosched()
			}

			region, err := slide.ReadRegion(x, y, level, size)
			if err != nil {
				g.logger.Warn("tile_read_failed", "case_id", caseID, "x", x, "y", y, "level", level, "error", err)
				continue
			}
			patches = append(patches, g.scoreTile(region, caseID, x, y, level, patchSize, magnification))
		}
	}

	g.logger.Info("tiling_complete",
		"case_id", caseID,
		"tiles", len(patches),
		"tissue_tiles", len(domain.TissuePatches(patches)),
		"step", step,
	)
	return patches, nil
}

func (g *TileGenerator) stride(width, height, patchSize int) int {
	step := patchSize - patchSize/4
	if step <= 0 {
		step = 1
	}
	if width < patchSize || height < patchSize {
		return step
	}
	numX := (width-patchSize)/step + 1
	numY := (height-patchSize)/step + 1
	total := numX * numY
	if total > g.opts.MaxPatchesPerSlide {
		step = int(float64(step) * math.Sqrt(float64(total)/float64(g.opts.MaxPatchesPerSlide)))
	}
	return max(step, 1)
}

func (g *TileGenerator) scoreTile(region image.Image, caseID string, x, y, level, patchSize, magnification int) domain.Patch {
	isBackground, ratio := g.detector.DetectTissue(region)
	variance := 0.0
	if !isBackground {
		variance = g.scorer.Score(region)
	}
	return domain.Patch{
		ID:            PatchID(caseID, x, y, level),
		CaseID:        caseID,
		X:             x,
		Y:             y,
		Level:         level,
		Magnification: magnification,
		TissueRatio:   ratio,
		VarianceScore: variance,
		IsBackground:  isBackground,
		Coordinates:   domain.Coordinates{X: x, Y: y, Width: patchSize, Height: patchSize},
	}
}

func PatchID(caseID string, x, y, level int) string {
	return fmt.Sprintf("%s_%d_%d_%d", caseID, x, y, level)
}

// FilterBackground drops background tiles.
func FilterBackground(patches []domain.Patch) []domain.Patch {
	return domain.TissuePatches(patches)
}

// SelectTopPatches keeps the k tissue tiles with the highest variance.
func SelectTopPatches(patches []domain.Patch, k int) []domain.Patch {
	tissue := domain.TissuePatches(patches)
	sort.SliceStable(tissue, func(i, j int) bool {
		return tissue[i].VarianceScore > tissue[j].VarianceScore
	})
	if k >= 0 && len(tissue) > k {
		tissue = tissue[:k]
	}
	return tissue
}

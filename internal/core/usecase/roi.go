package usecase

import (
	"log/slog"
	"math"
	"sort"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
)

type ROIOptions struct {
	VarianceWeight float64
	DensityWeight  float64
	TopK           int
	MinDistance    int
}

func DefaultROIOptions() ROIOptions {
	return ROIOptions{VarianceWeight: 0.6, DensityWeight: 0.4, TopK: 50, MinDistance: 500}
}

type ROISelector struct {
	opts   ROIOptions
	logger *slog.Logger
}

func NewROISelector(opts ROIOptions, logger *slog.Logger) *ROISelector {
	def := DefaultROIOptions()
	if opts.VarianceWeight < 0 || opts.DensityWeight < 0 || opts.VarianceWeight+opts.DensityWeight == 0 {
		opts.VarianceWeight, opts.DensityWeight = def.VarianceWeight, def.DensityWeight
	}
	if opts.TopK <= 0 {
		opts.TopK = def.TopK
	}
	if opts.MinDistance < 0 {
		opts.MinDistance = def.MinDistance
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ROISelector{opts: opts, logger: logger}
}

func (s *ROISelector) Options() ROIOptions {
	return s.opts
}

// CalculatePatchScore weights variance and tissue density; background scores 0.
func (s *ROISelector) CalculatePatchScore(p domain.Patch) float64 {
	if p.IsBackground {
		return 0
	}
	return s.opts.VarianceWeight*p.VarianceScore + s.opts.DensityWeight*p.TissueRatio
}

// AutoSelectROIs ranks tissue tiles by score, keeping input order on ties.
// topK <= 0 uses the configured default.
func (s *ROISelector) AutoSelectROIs(patches []domain.Patch, topK int) []domain.Patch {
	if topK <= 0 {
		topK = s.opts.TopK
	}
	ranked := s.rank(domain.TissuePatches(patches))
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	out := make([]domain.Patch, 0, len(ranked))
	for _, sp := range ranked {
		out = append(out, sp.Patch)
	}
	return out
}

// ConfirmROISelection honors manual picks first and, when autoSelect is set,
// fills the remainder up to topK from the automatic ranking. Unknown ids are
// dropped with a warning.
func (s *ROISelector) ConfirmROISelection(all []domain.Patch, selectedIDs []string, autoSelect bool, topK int) domain.ROIResult {
	if topK <= 0 {
		topK = s.opts.TopK
	}

	byID := make(map[string]domain.Patch, len(all))
	for _, p := range all {
		byID[p.ID] = p
	}

	chosen := make(map[string]bool, len(selectedIDs))
	manual := make([]domain.Patch, 0, len(selectedIDs))
	for _, id := range selectedIDs {
		p, ok := byID[id]
		if !ok {
			s.logger.Warn("roi_unknown_patch_id", "patch_id", id)
			continue
		}
		if chosen[id] {
			continue
		}
		chosen[id] = true
		manual = append(manual, p)
	}

	selected := manual
	autoCount := 0
	if autoSelect && len(manual) < topK {
		remaining := topK - len(manual)
		for _, p := range s.AutoSelectROIs(all, len(all)) {
			if remaining == 0 {
				break
			}
			if chosen[p.ID] {
				continue
			}
			selected = append(selected, p)
			chosen[p.ID] = true
			autoCount++
			remaining--
		}
	}

	return domain.ROIResult{
		CaseID:              caseIDOf(all),
		SelectedPatches:     selected,
		AutoSelectedCount:   autoCount,
		ManualOverrideCount: len(manual),
	}
}

// FilterBySpatialDiversity is a greedy first-fit over tiles ordered by score:
// a tile is kept unless it lies closer than minDistance to a kept tile. It
// is not an optimal packing.
func (s *ROISelector) FilterBySpatialDiversity(patches []domain.Patch, minDistance int) []domain.Patch {
	if minDistance <= 0 {
		minDistance = s.opts.MinDistance
	}
	ranked := s.rank(patches)
	kept := make([]domain.Patch, 0, len(ranked))
	for _, sp := range ranked {
		tooClose := false
		for _, k := range kept {
			if math.Hypot(float64(sp.Patch.X-k.X), float64(sp.Patch.Y-k.Y)) < float64(minDistance) {
				tooClose = true
				break
			}
		}
		if !tooClose {
			kept = append(kept, sp.Patch)
		}
	}
	return kept
}

func (s *ROISelector) rank(patches []domain.Patch) []domain.ScoredPatch {
	scored := make([]domain.ScoredPatch, 0, len(patches))
	for _, p := range patches {
		scored = append(scored, domain.ScoredPatch{Patch: p, Score: s.CalculatePatchScore(p)})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	return scored
}

func PatchByID(patches []domain.Patch, id string) (domain.Patch, bool) {
	for _, p := range patches {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Patch{}, false
}

func caseIDOf(patches []domain.Patch) string {
	for _, p := range patches {
		if p.CaseID != "" {
			return p.CaseID
		}
	}
	return "unknown"
}

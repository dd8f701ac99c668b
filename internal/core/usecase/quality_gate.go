package usecase

import (
	"fmt"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
)

const (
	RefusalInsufficientTissue = "INSUFFICIENT_TISSUE"
	RefusalInsufficientDetail = "INSUFFICIENT_DETAIL"
)

type QualityGate struct {
	MinTissueFraction float64
	MinVariance       float64
}

func DefaultQualityGate() QualityGate {
	return QualityGate{MinTissueFraction: 0.1, MinVariance: 0.1}
}

type Refusal struct {
	Reason  string
	Message string
}

// Evaluate decides whether the tile set is worth a model call at all.
func (g QualityGate) Evaluate(patches []domain.Patch) *Refusal {
	tissue := domain.TissuePatches(patches)
	fraction := 0.0
	if len(patches) > 0 {
		fraction = float64(len(tissue)) / float64(len(patches))
	}
	if len(tissue) == 0 || fraction < g.MinTissueFraction {
		return &Refusal{
			Reason: RefusalInsufficientTissue,
			Message: fmt.Sprintf("Insufficient tissue: only %d of %d regions (%.0f%%) contain tissue, below the %.0f%% required for analysis.",
				len(tissue), len(patches), fraction*100, g.MinTissueFraction*100),
		}
	}
	for _, p := range tissue {
		if p.VarianceScore >= g.MinVariance {
			return nil
		}
	}
	return &Refusal{
		Reason: RefusalInsufficientDetail,
		Message: fmt.Sprintf("Insufficient detail: every tissue region has low variance (below %.2f), suggesting blur or poor focus quality. Rescan the slide before analysis.",
			g.MinVariance),
	}
}

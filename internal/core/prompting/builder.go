package prompting

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
)

const (
	// MaxPromptROIs bounds the per-region detail list and the images sent with it.
	MaxPromptROIs        = 8
	defaultMagnification = 40
	noPatchDetails       = "   No specific patch details available."
	noClinicalContext    = "No specific clinical history provided. Analyze based on morphology only."
)

type Builder struct {
	system   string
	template string
}

func NewBuilder() *Builder {
	return &Builder{system: SystemInstruction, template: DefaultAnalysisTemplate}
}

func (b *Builder) SystemPrompt() string {
	return b.system
}

// RankForPrompt orders tissue tiles by descending variance, stable on input
// order, and keeps at most limit of them. Position i is "ROI #i+1".
func RankForPrompt(patches []domain.Patch, limit int) []domain.Patch {
	ranked := domain.TissuePatches(patches)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].VarianceScore > ranked[j].VarianceScore
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// BuildAnalysisPrompt renders the analysis prompt. templateContent overrides
// the default layout; one missing any placeholder gets a plain CONTEXT block
// appended instead of substitution.
func (b *Builder) BuildAnalysisPrompt(patches []domain.Patch, clinicalContext, templateContent string) string {
	summary, details := summarizeTissue(patches)
	clinical := clinicalSection(clinicalContext)

	tmpl := b.template
	if strings.TrimSpace(templateContent) != "" {
		tmpl = templateContent
	}

	for _, placeholder := range templatePlaceholders {
		if !strings.Contains(tmpl, placeholder) {
			return fmt.Sprintf("%s\n\nCONTEXT:\nRegions: %d\nSummary: %s\nROI Details:\n%s\n%s",
				tmpl, len(patches), summary, details, clinical)
		}
	}

	return strings.NewReplacer(
		"{num_patches}", fmt.Sprintf("%d", len(patches)),
		"{tissue_summary}", summary,
		"{patch_details}", details,
		"{clinical_context}", clinical,
	).Replace(tmpl)
}

func (b *Builder) BuildDescriptionPrompt(observations string) string {
	return strings.ReplaceAll(descriptionTemplate, "{observations}", observations)
}

// BuildStructuredPrompt renders a free-form task with uppercase context keys
// in sorted order.
func BuildStructuredPrompt(task string, context map[string]string) string {
	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := []string{fmt.Sprintf("TASK: %s\n", task)}
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", strings.ToUpper(k), context[k]))
	}
	parts = append(parts, "\nProvide analysis following safety guidelines.")
	return strings.Join(parts, "\n")
}

func summarizeTissue(patches []domain.Patch) (string, string) {
	tissue := domain.TissuePatches(patches)
	if len(tissue) == 0 {
		return "No tissue regions detected", noPatchDetails
	}

	var sumRatio float64
	minVar, maxVar := tissue[0].VarianceScore, tissue[0].VarianceScore
	var high, medium, low int
	for _, p := range tissue {
		sumRatio += p.TissueRatio
		minVar = min(minVar, p.VarianceScore)
		maxVar = max(maxVar, p.VarianceScore)
		switch {
		case p.VarianceScore > 0.7:
			high++
		case p.VarianceScore >= 0.3:
			medium++
		default:
			low++
		}
	}
	avgRatio := sumRatio / float64(len(tissue))

	density := "low"
	switch {
	case avgRatio > 0.7:
		density = "high"
	case avgRatio > 0.4:
		density = "moderate"
	}

	heterogeneity := "relatively homogeneous"
	switch spread := maxVar - minVar; {
	case spread > 0.5:
		heterogeneity = "highly heterogeneous"
	case spread > 0.2:
		heterogeneity = "moderately heterogeneous"
	}

	magnification := tissue[0].Magnification
	if magnification <= 0 {
		magnification = defaultMagnification
	}

	summary := fmt.Sprintf("%d tissue-containing regions analyzed at %dx magnification.\n"+
		"   - Tissue density: %s (avg %.1f%%)\n"+
		"   - Tissue heterogeneity: %s (variance range %.2f-%.2f)\n"+
		"   - High-interest regions: %d (areas with significant cellular variation)\n"+
		"   - Medium-interest regions: %d (areas with moderate features)\n"+
		"   - Background/low-interest: %d regions",
		len(tissue), magnification, density, avgRatio*100, heterogeneity, minVar, maxVar, high, medium, low)

	ranked := RankForPrompt(patches, MaxPromptROIs)
	lines := make([]string, 0, len(ranked))
	for i, p := range ranked {
		lines = append(lines, fmt.Sprintf(
			"   ROI #%d (Location x=%d, y=%d): Tissue Context=%.0f%%, Complexity Score=%.2f. "+
				"Visual Feature: possible cellular atypia or mitoses based on variance.",
			i+1, p.X, p.Y, p.TissueRatio*100, p.VarianceScore))
	}
	return summary, strings.Join(lines, "\n")
}

func clinicalSection(clinicalContext string) string {
	ctx := strings.TrimSpace(clinicalContext)
	if ctx == "" {
		return noClinicalContext
	}
	return "Patient Data & History:\n" + ctx +
		"\n\n(IMPORTANT - Integrate into analysis: use this patient history to inform the differential diagnosis and risk assessment)"
}

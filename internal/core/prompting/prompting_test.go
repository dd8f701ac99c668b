package prompting

import (
	"strings"
	"testing"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
)

const wellFormedResponse = `TISSUE TYPE: Epithelial (Confidence: HIGH)

FINDINGS:
1. Nuclear: Enlarged hyperchromatic nuclei are present in ROI #2
   Confidence: HIGH
   Evidence: Nuclear enlargement in ROI #2

DIFFERENTIAL DIAGNOSIS:
- Invasive ductal carcinoma: HIGH - Cribriform pattern with atypia
- Ductal carcinoma in situ: LOW - Basement membrane appears intact

SUMMARY: Epithelial proliferation with marked atypia that warrants expert review.

RECOMMENDATIONS:
- Immunohistochemistry panel
- Second opinion from a breast pathologist

CONFIDENCE ASSESSMENT:
Overall analysis confidence: 0.8
`

func patch(id string, x, y int, background bool, ratio, variance float64) domain.Patch {
	return domain.Patch{ID: id, CaseID: "case", X: x, Y: y, IsBackground: background, TissueRatio: ratio, VarianceScore: variance, Magnification: 40}
}

func TestParseStructuredOutputWellFormed(t *testing.T) {
	out := ParseStructuredOutput(wellFormedResponse)

	if out.TissueType != "Epithelial" {
		t.Fatalf("expected tissue type Epithelial, got %q", out.TissueType)
	}
	if len(out.Findings) != 1 {
		t.Fatalf("expected exactly one finding, got %d: %+v", len(out.Findings), out.Findings)
	}
	f := out.Findings[0]
	if f.Category != "Nuclear" || f.Confidence != domain.ConfidenceHigh || f.ConfidenceScore != 0.85 {
		t.Fatalf("unexpected finding: %+v", f)
	}
	if f.VisualEvidence != "Nuclear enlargement in ROI #2" {
		t.Fatalf("unexpected evidence %q", f.VisualEvidence)
	}
	if out.Confidence != 0.8 {
		t.Fatalf("expected confidence 0.8, got %f", out.Confidence)
	}
	if !strings.HasPrefix(out.Summary, "Epithelial proliferation") {
		t.Fatalf("unexpected summary %q", out.Summary)
	}
	if len(out.DifferentialDiagnosis) != 2 {
		t.Fatalf("expected 2 differentials, got %+v", out.DifferentialDiagnosis)
	}
	if dd := out.DifferentialDiagnosis[0]; dd.Condition != "Invasive ductal carcinoma" || dd.LikelihoodScore != 0.85 || dd.Reasoning != "Cribriform pattern with atypia" {
		t.Fatalf("unexpected differential: %+v", dd)
	}
	if dd := out.DifferentialDiagnosis[1]; dd.Likelihood != domain.ConfidenceLow || dd.LikelihoodScore != 0.25 {
		t.Fatalf("unexpected differential: %+v", dd)
	}
	if len(out.Recommendations) != 2 {
		t.Fatalf("expected 2 recommendations, got %+v", out.Recommendations)
	}
}

func TestParseStructuredOutputEmpty(t *testing.T) {
	out := ParseStructuredOutput("")
	if out.TissueType != defaultTissueType {
		t.Fatalf("expected default tissue type, got %q", out.TissueType)
	}
	if len(out.Findings) != 0 {
		t.Fatalf("expected no findings, got %+v", out.Findings)
	}
	if out.Confidence != 0.5 {
		t.Fatalf("expected default confidence 0.5, got %f", out.Confidence)
	}
	if out.Summary == "" {
		t.Fatalf("expected non-empty default summary")
	}
}

func TestParseStructuredObservationsAndQualitativeConfidence(t *testing.T) {
	text := "Tissue Type: connective stroma\n" +
		"- Cellularity: Moderate - evenly spaced fibroblasts\n" +
		"- Necrosis: none\n" +
		"- Inflammation: Scattered lymphocytes near vessels\n" +
		"Overall confidence: medium\n"
	out := ParseStructuredOutput(text)
	if out.TissueType != "connective stroma" {
		t.Fatalf("unexpected tissue type %q", out.TissueType)
	}
	if len(out.Findings) != 2 {
		t.Fatalf("expected 2 observations, got %+v", out.Findings)
	}
	if out.Findings[0].Category != "Cellularity" || out.Findings[0].Confidence != domain.ConfidenceHigh {
		t.Fatalf("unexpected first observation: %+v", out.Findings[0])
	}
	if out.Confidence != 0.65 {
		t.Fatalf("expected medium confidence 0.65, got %f", out.Confidence)
	}
	if out.Summary != "Analysis identified 2 notable findings in the tissue specimen." {
		t.Fatalf("unexpected summary %q", out.Summary)
	}
}

func TestParseFallsBackToSentenceMining(t *testing.T) {
	text := "The sample shows dense sheets of cells with crowded nuclei. " +
		"The sample shows dense sheets of cells with crowded nuclei again. " +
		"Fine. Glandular structure appears preserved in most regions. " +
		"We are 90% confidence on this."
	out := ParseStructuredOutput(text)
	if len(out.Findings) != 2 {
		t.Fatalf("expected 2 mined findings after dedup, got %+v", out.Findings)
	}
	if out.Findings[0].Confidence != domain.ConfidenceMedium || out.Findings[0].ConfidenceScore != 0.65 {
		t.Fatalf("expected mined findings at medium confidence, got %+v", out.Findings[0])
	}
	if out.TissueType != "Glandular" {
		t.Fatalf("expected keyword tissue type, got %q", out.TissueType)
	}
	if out.Confidence != 0.9 {
		t.Fatalf("expected 0.9 from percent token, got %f", out.Confidence)
	}
}

func TestParseNumberedFindingWithoutCategory(t *testing.T) {
	text := "TISSUE TYPE: Epithelial\n\nFINDINGS:\n" +
		"1. Glandular epithelial cells with mild nuclear atypia observed in ROI #2\n\n" +
		"SUMMARY: Epithelial proliferation with mild atypia in glandular structures.\n\nconfidence: 0.8"
	out := ParseStructuredOutput(text)

	if len(out.Findings) != 1 {
		t.Fatalf("expected exactly one finding, got %+v", out.Findings)
	}
	f := out.Findings[0]
	if f.Category != "Finding 1" || f.Confidence != domain.ConfidenceMedium {
		t.Fatalf("unexpected finding %+v", f)
	}
	if strings.Contains(f.Finding, "SUMMARY") || !strings.HasPrefix(f.Finding, "Glandular epithelial cells") {
		t.Fatalf("finding text leaked neighbouring lines: %q", f.Finding)
	}
	if f.VisualEvidence != "ROI #2" {
		t.Fatalf("expected ROI reference as evidence, got %q", f.VisualEvidence)
	}
}

func TestFindingsSectionSurvivesInlineLabels(t *testing.T) {
	text := "FINDINGS:\n" +
		"1. Architecture: Crowded glands with loss of polarity\n" +
		"H&E: standard stain\n" +
		"IHC: not performed\n" +
		"2. Stroma: Desmoplastic reaction around the glands\n\n" +
		"SUMMARY: Gland-forming lesion with desmoplasia and architectural atypia."
	out := ParseStructuredOutput(text)

	if len(out.Findings) != 2 {
		t.Fatalf("expected both numbered findings, got %+v", out.Findings)
	}
	if out.Findings[1].Category != "Stroma" {
		t.Fatalf("unexpected second finding %+v", out.Findings[1])
	}
}

func TestSentenceMiningRequiresKeywordsAndKeepsLinesApart(t *testing.T) {
	text := "REPORT HEADER\nThe quick brown fox jumps over the lazy dog repeatedly\n" +
		"Dense sheets of atypical cells fill the field\nwithout any visible gland formation here"
	out := ParseStructuredOutput(text)

	if len(out.Findings) != 1 {
		t.Fatalf("expected one keyword finding, got %+v", out.Findings)
	}
	if out.Findings[0].Finding != "Dense sheets of atypical cells fill the field" {
		t.Fatalf("unexpected mined text %q", out.Findings[0].Finding)
	}
}

func TestParseConfidenceScalesPercentAndClamps(t *testing.T) {
	if got := ParseStructuredOutput("confidence: 85").Confidence; got != 0.85 {
		t.Fatalf("expected 0.85, got %f", got)
	}
	if got := ParseStructuredOutput("confidence: 250").Confidence; got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
}

func TestExtractConfidenceLevel(t *testing.T) {
	if level, ok := ExtractConfidenceLevel("overall CONFIDENCE: low here"); !ok || level != domain.ConfidenceLow {
		t.Fatalf("expected low, got %q %v", level, ok)
	}
	if level, ok := ExtractConfidenceLevel("High confidence in this"); !ok || level != domain.ConfidenceHigh {
		t.Fatalf("expected high, got %q %v", level, ok)
	}
	if _, ok := ExtractConfidenceLevel("nothing"); ok {
		t.Fatalf("expected no level")
	}
}

func TestCheckSafety(t *testing.T) {
	safe, violations := CheckSafety("Patient is definitively diagnosed with carcinoma.")
	if safe {
		t.Fatalf("expected unsafe text")
	}
	found := map[string]bool{}
	for _, v := range violations {
		found[v] = true
	}
	if !found["definitively"] || !found["diagnosed with"] {
		t.Fatalf("expected definitively and diagnosed with, got %v", violations)
	}

	safe, violations = CheckSafety("Findings are consistent with carcinoma.")
	if !safe || len(violations) != 0 {
		t.Fatalf("expected safe text, got %v", violations)
	}
}

func TestAddDisclaimer(t *testing.T) {
	got := AddDisclaimer("summary")
	if !strings.HasPrefix(got, "summary\n\n") || !strings.HasSuffix(got, MedicalDisclaimer) {
		t.Fatalf("unexpected disclaimer output %q", got)
	}
}

func TestBuildAnalysisPromptSummarizesTissue(t *testing.T) {
	patches := []domain.Patch{
		patch("a", 0, 0, false, 0.9, 0.8),
		patch("b", 10, 0, false, 0.8, 0.2),
		patch("c", 20, 0, true, 0.01, 0),
		patch("d", 30, 0, false, 0.7, 0.5),
	}
	prompt := NewBuilder().BuildAnalysisPrompt(patches, "", "")

	for _, want := range []string{
		"Number of regions analyzed: 4",
		"3 tissue-containing regions analyzed at 40x magnification.",
		"Tissue density: high (avg 80.0%)",
		"highly heterogeneous (variance range 0.20-0.80)",
		"High-interest regions: 1",
		"Medium-interest regions: 1",
		"Background/low-interest: 1 regions",
		"ROI #1 (Location x=0, y=0): Tissue Context=90%, Complexity Score=0.80",
		"ROI #2 (Location x=30, y=0)",
		"ROI #3 (Location x=10, y=0)",
		"No specific clinical history provided",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("expected prompt to contain %q\n%s", want, prompt)
		}
	}
}

func TestBuildAnalysisPromptIncludesClinicalContext(t *testing.T) {
	prompt := NewBuilder().BuildAnalysisPrompt([]domain.Patch{patch("a", 0, 0, false, 0.5, 0.5)}, "65 year old female, breast lump", "")
	if !strings.Contains(prompt, "Patient Data & History:\n65 year old female, breast lump") {
		t.Fatalf("expected clinical context section, got:\n%s", prompt)
	}
}

func TestBuildAnalysisPromptNoTissue(t *testing.T) {
	prompt := NewBuilder().BuildAnalysisPrompt([]domain.Patch{patch("a", 0, 0, true, 0, 0)}, "", "")
	if !strings.Contains(prompt, "No tissue regions detected") || !strings.Contains(prompt, noPatchDetails) {
		t.Fatalf("expected no-tissue summary, got:\n%s", prompt)
	}
}

func TestBuildAnalysisPromptCustomTemplateFallback(t *testing.T) {
	prompt := NewBuilder().BuildAnalysisPrompt([]domain.Patch{patch("a", 0, 0, false, 0.5, 0.5)}, "", "Report for {num_patches} regions only")
	if !strings.HasPrefix(prompt, "Report for {num_patches} regions only\n\nCONTEXT:\nRegions: 1\n") {
		t.Fatalf("expected plain concatenation fallback, got:\n%s", prompt)
	}

	full := "{num_patches}|{tissue_summary}|{patch_details}|{clinical_context}"
	prompt = NewBuilder().BuildAnalysisPrompt([]domain.Patch{patch("a", 0, 0, false, 0.5, 0.5)}, "", full)
	if !strings.HasPrefix(prompt, "1|1 tissue-containing") {
		t.Fatalf("expected substituted custom template, got:\n%s", prompt)
	}
}

func TestRankForPromptIsStableAndCapped(t *testing.T) {
	var patches []domain.Patch
	for i := 0; i < 12; i++ {
		patches = append(patches, patch(string(rune('a'+i)), i, 0, false, 0.5, 0.4))
	}
	ranked := RankForPrompt(patches, MaxPromptROIs)
	if len(ranked) != MaxPromptROIs {
		t.Fatalf("expected %d ranked, got %d", MaxPromptROIs, len(ranked))
	}
	for i, p := range ranked {
		if p.X != i {
			t.Fatalf("expected stable order on ties, got %+v", ranked)
		}
	}
}

func TestBuildStructuredPrompt(t *testing.T) {
	got := BuildStructuredPrompt("grade tumor", map[string]string{"stain": "H&E", "site": "breast"})
	want := "TASK: grade tumor\n\nSITE: breast\nSTAIN: H&E\n\nProvide analysis following safety guidelines."
	if got != want {
		t.Fatalf("unexpected structured prompt:\n%q\nwant\n%q", got, want)
	}
}

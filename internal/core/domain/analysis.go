package domain

import (
	"strings"
	"time"
)

type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// Score tables shared by every place that turns a qualitative token into a number.
const (
	ConfidenceScoreHigh   = 0.85
	ConfidenceScoreMedium = 0.65
	ConfidenceScoreLow    = 0.45

	LikelihoodScoreHigh   = 0.85
	LikelihoodScoreMedium = 0.55
	LikelihoodScoreLow    = 0.25
)

// ParseConfidenceLevel maps free text to a level; anything unrecognized is medium.
func ParseConfidenceLevel(raw string) ConfidenceLevel {
	upper := strings.ToUpper(raw)
	switch {
	case strings.Contains(upper, "HIGH"):
		return ConfidenceHigh
	case strings.Contains(upper, "LOW"):
		return ConfidenceLow
	default:
		return ConfidenceMedium
	}
}

func (c ConfidenceLevel) Score() float64 {
	switch c {
	case ConfidenceHigh:
		return ConfidenceScoreHigh
	case ConfidenceLow:
		return ConfidenceScoreLow
	default:
		return ConfidenceScoreMedium
	}
}

func (c ConfidenceLevel) LikelihoodScore() float64 {
	switch c {
	case ConfidenceHigh:
		return LikelihoodScoreHigh
	case ConfidenceLow:
		return LikelihoodScoreLow
	default:
		return LikelihoodScoreMedium
	}
}

type TissueType string

const (
	TissueEpithelial TissueType = "epithelial"
	TissueConnective TissueType = "connective"
	TissueMuscle     TissueType = "muscle"
	TissueNervous    TissueType = "nervous"
	TissueBlood      TissueType = "blood"
	TissueMixed      TissueType = "mixed"
	TissueUnknown    TissueType = "unknown"
)

type Finding struct {
	Category        string          `json:"category"`
	Finding         string          `json:"finding"`
	Confidence      ConfidenceLevel `json:"confidence"`
	ConfidenceScore float64         `json:"confidence_score"`
	VisualEvidence  string          `json:"visual_evidence,omitempty"`
}

type DifferentialDiagnosis struct {
	Condition       string          `json:"condition"`
	Likelihood      ConfidenceLevel `json:"likelihood"`
	LikelihoodScore float64         `json:"likelihood_score"`
	Reasoning       string          `json:"reasoning"`
}

// AnalysisResult is the persisted outcome of one analysis run. Its JSON shape
// is the storage contract.
type AnalysisResult struct {
	CaseID                string                  `json:"case_id"`
	Findings              []Finding               `json:"findings"`
	DifferentialDiagnosis []DifferentialDiagnosis `json:"differential_diagnosis"`
	NarrativeSummary      string                  `json:"narrative_summary"`
	Recommendations       []string                `json:"recommendations,omitempty"`
	TissueType            TissueType              `json:"tissue_type"`
	OverallConfidence     float64                 `json:"overall_confidence"`
	Warnings              []string                `json:"warnings"`
	ProcessingTime        float64                 `json:"processing_time"`
	AnalyzedAt            time.Time               `json:"analyzed_at"`
	InferenceMode         InferenceMode           `json:"inference_mode,omitempty"`
	Refused               bool                    `json:"refused,omitempty"`
}

package usecase

import (
	"fmt"
	"strings"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
)

// ClinicalSummary renders clinical metadata as prompt-ready text.
func ClinicalSummary(m domain.ClinicalMetadata) string {
	var parts []string
	if m.PatientAge != nil {
		parts = append(parts, fmt.Sprintf("Patient age: %d", *m.PatientAge))
	}
	if m.Gender != "" {
		parts = append(parts, "Gender: "+m.Gender)
	}
	if m.BodySite != "" {
		parts = append(parts, "Body site: "+m.BodySite)
	}
	if m.ProcedureType != "" {
		parts = append(parts, "Procedure: "+m.ProcedureType)
	}
	if m.StainType != "" {
		parts = append(parts, "Stain: "+m.StainType)
	}
	if m.ClinicalHistory != "" {
		parts = append(parts, "History: "+m.ClinicalHistory)
	}
	return strings.Join(parts, "\n")
}

package clinical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
)

const maxHistoryChars = 2000

// Extractor parses clinical context files uploaded next to a slide. JSON may
// be a flat map or a GDC case export; TXT and PDF become the clinical history.
type Extractor struct {
	now func() time.Time
}

func NewExtractor() *Extractor {
	return &Extractor{now: time.Now}
}

func (e *Extractor) Parse(filename string, content []byte) (domain.ClinicalMetadata, error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".json":
		return e.parseJSON(content)
	case ".txt":
		return parseText(content)
	case ".pdf":
		return parsePDF(content)
	default:
		return domain.ClinicalMetadata{}, domain.WrapError(domain.ErrInvalidInput, "parse clinical context",
			fmt.Errorf("unsupported context file format %q", ext))
	}
}

func parseText(content []byte) (domain.ClinicalMetadata, error) {
	if !utf8.Valid(content) {
		return domain.ClinicalMetadata{}, domain.WrapError(domain.ErrInvalidInput, "parse clinical text", errors.New("file is not valid utf-8"))
	}
	return domain.ClinicalMetadata{ClinicalHistory: clip(strings.TrimSpace(string(content)))}, nil
}

func parsePDF(content []byte) (domain.ClinicalMetadata, error) {
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return domain.ClinicalMetadata{}, domain.WrapError(domain.ErrInvalidInput, "parse clinical pdf", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return domain.ClinicalMetadata{}, domain.WrapError(domain.ErrInvalidInput, "extract clinical pdf text", err)
	}
	raw, err := io.ReadAll(plain)
	if err != nil {
		return domain.ClinicalMetadata{}, fmt.Errorf("read clinical pdf text: %w", err)
	}
	return domain.ClinicalMetadata{ClinicalHistory: clip(strings.Join(strings.Fields(string(raw)), " "))}, nil
}

func (e *Extractor) parseJSON(content []byte) (domain.ClinicalMetadata, error) {
	var decoded any
	if err := json.Unmarshal(content, &decoded); err != nil {
		return domain.ClinicalMetadata{}, domain.WrapError(domain.ErrInvalidInput, "parse clinical json", err)
	}
	// GDC exports wrap cases in a list.
	if list, ok := decoded.([]any); ok {
		if len(list) == 0 {
			return domain.ClinicalMetadata{}, nil
		}
		decoded = list[0]
	}
	data, ok := decoded.(map[string]any)
	if !ok {
		return domain.ClinicalMetadata{}, domain.WrapError(domain.ErrInvalidInput, "parse clinical json", errors.New("expected a json object"))
	}

	var m domain.ClinicalMetadata
	var history []string
	e.applyGDC(&m, data, &history)
	applyFlat(&m, data)

	if m.ClinicalHistory != "" {
		history = append([]string{m.ClinicalHistory}, history...)
	}
	if v := stringValue(data["disease_type"]); v != "" {
		history = append(history, "Disease Type: "+v)
	}
	if diag := firstDiagnosis(data); diag != nil {
		if v := stringValue(diag["primary_diagnosis"]); v != "" {
			history = append(history, "Primary Diagnosis: "+v)
		}
	}
	m.ClinicalHistory = clip(strings.Join(history, "\n"))
	return m, nil
}

func (e *Extractor) applyGDC(m *domain.ClinicalMetadata, data map[string]any, history *[]string) {
	if demo, ok := data["demographic"].(map[string]any); ok {
		if age, ok := intValue(demo["age_at_index"]); ok {
			m.PatientAge = &age
		} else if year, ok := intValue(demo["year_of_birth"]); ok {
			age := e.now().Year() - year
			m.PatientAge = &age
		}
		if g := stringValue(demo["gender"]); g != "" {
			m.Gender = capitalize(g)
		}
	}
	if diag := firstDiagnosis(data); diag != nil {
		m.BodySite = stringValue(diag["tissue_or_organ_of_origin"])
		stage := stringValue(diag["ajcc_pathologic_stage"])
		if stage == "" {
			stage = stringValue(diag["ajcc_clinical_stage"])
		}
		if stage != "" {
			*history = append(*history, "Stage: "+stage)
		}
	}
}

// applyFlat maps common flat keys; GDC values already set win.
func applyFlat(m *domain.ClinicalMetadata, data map[string]any) {
	for key, value := range data {
		switch strings.ToLower(key) {
		case "age", "patient_age":
			if m.PatientAge == nil {
				if age, ok := intValue(value); ok {
					m.PatientAge = &age
				}
			}
		case "gender", "sex", "patient_gender":
			setIfEmpty(&m.Gender, stringValue(value))
		case "site", "body_site":
			setIfEmpty(&m.BodySite, stringValue(value))
		case "procedure", "procedure_type":
			setIfEmpty(&m.ProcedureType, stringValue(value))
		case "stain", "stain_type":
			setIfEmpty(&m.StainType, stringValue(value))
		case "diagnosis", "history", "clinical_history":
			setIfEmpty(&m.ClinicalHistory, stringValue(value))
		}
	}
}

func firstDiagnosis(data map[string]any) map[string]any {
	list, ok := data["diagnoses"].([]any)
	if !ok || len(list) == 0 {
		return nil
	}
	diag, _ := list[0].(map[string]any)
	return diag
}

func setIfEmpty(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func intValue(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	default:
		return 0, false
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

func clip(s string) string {
	r := []rune(s)
	if len(r) <= maxHistoryChars {
		return s
	}
	return string(r[:maxHistoryChars])
}

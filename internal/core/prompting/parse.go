package prompting

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
)

const (
	defaultTissueType    = "Mixed tissue specimen"
	defaultSummary       = "No structured summary could be extracted from the model output."
	defaultConfidence    = 0.5
	maxHeuristicFindings = 5
	maxSummaryChars      = 500
)

// ParsedOutput always carries every field; missing sections fall back to
// defaults instead of failing.
type ParsedOutput struct {
	TissueType            string
	Findings              []domain.Finding
	DifferentialDiagnosis []domain.DifferentialDiagnosis
	Summary               string
	Recommendations       []string
	Confidence            float64
}

// textStage is one step of a field cascade. Stages run in order and the first
// that accepts wins.
type textStage struct {
	name string
	run  func(text string) (string, bool)
}

func regexStage(name string, re *regexp.Regexp, accept func(string) bool) textStage {
	return textStage{name: name, run: func(text string) (string, bool) {
		m := re.FindStringSubmatch(text)
		if m == nil {
			return "", false
		}
		v := cleanValue(m[1])
		if accept != nil && !accept(v) {
			return "", false
		}
		return v, true
	}}
}

func runStages(text string, stages []textStage) (string, bool) {
	for _, s := range stages {
		if v, ok := s.run(text); ok {
			return v, true
		}
	}
	return "", false
}

var (
	// A section ends at a known report header, or at any capitalized label
	// standing alone on its line. "H&E: standard stain" stays inside.
	sectionHeaderRe = regexp.MustCompile(`^\s*(?:\*\*)?(?:(?:TISSUE TYPE|FINDINGS|STRUCTURED OBSERVATIONS|DIFFERENTIAL DIAGNOSIS|SUMMARY|RECOMMENDATIONS|CONFIDENCE ASSESSMENT|MULTIMODAL SYNTHESIS|CLINICAL CONTEXT)(?:\*\*)?\s*:|[A-Z][A-Z /&()-]{2,}(?:\*\*)?:\s*$)`)
	roiRefRe        = regexp.MustCompile(`(?i)ROI\s*#\s*\d+`)

	tissueTypeStages = []textStage{
		regexStage("tissue_type_header", regexp.MustCompile(`(?i)TISSUE TYPE:\s*([^\n(]+)`), usefulTissueType),
		regexStage("tissue_type_label", regexp.MustCompile(`(?i)Tissue Type[:\s]+([^\n|]+)`), usefulTissueType),
		regexStage("type_of_tissue", regexp.MustCompile(`(?i)Type of tissue[:\s]+([^\n]+)`), usefulTissueType),
		{name: "tissue_keywords", run: inferTissueKeyword},
	}

	observationCategories = []struct {
		name string
		re   *regexp.Regexp
	}{
		{"Cellularity", observationRe(`Cellularity|Cell density`)},
		{"Nuclear Features", observationRe(`Nuclear Features|Nuclear Atypia`)},
		{"Mitosis", observationRe(`Mitosis|Mitotic Activity`)},
		{"Necrosis", observationRe(`Necrosis`)},
		{"Inflammation", observationRe(`Inflammation`)},
	}

	numberedItemRe  = regexp.MustCompile(`^\s*(\d+)\.\s*(?:\*\*)?\[?([^\]:\n]+?)\]?(?:\*\*)?\s*:\s*(?:\*\*)?\s*(.+)$`)
	numberedPlainRe = regexp.MustCompile(`^\s*(\d+)\.\s+(?:\*\*)?(.+?)(?:\*\*)?\s*$`)
	confidenceRowRe = regexp.MustCompile(`(?i)^\s*(?:[-*]\s*)?Confidence\s*:\s*(.+)$`)
	evidenceRowRe   = regexp.MustCompile(`(?i)^\s*(?:[-*]\s*)?Evidence\s*:\s*(.+)$`)

	differentialSpacedRe = regexp.MustCompile(`^\s*[-•*]\s*(?:\*\*)?([^:\n]+?)(?:\*\*)?\s*:\s*(\S[^\n]*?)\s+[-–—]\s+(.+)$`)
	differentialTightRe  = regexp.MustCompile(`^\s*[-•*]\s*(?:\*\*)?([^:\n]+?)(?:\*\*)?\s*:\s*([^-–\n]+?)\s*[-–]\s*(.+)$`)
	differentialBareRe   = regexp.MustCompile(`^\s*[-•*]\s*(?:\*\*)?([^:\n]+?)(?:\*\*)?\s*:\s*(\S.*)$`)

	bulletRe = regexp.MustCompile(`^\s*(?:[-•*]|\d+\.)\s*(.+)$`)

	summaryStages = []textStage{
		{name: "summary_section", run: summarySection},
		regexStage("summary_label", regexp.MustCompile(`(?i)(?:Summary|Conclusion)[:\s]+([^\n]+)`), longerThan(20)),
		regexStage("summary_bold", regexp.MustCompile(`\*\*Summary[:*]*\*?\s*([^\n]+)`), longerThan(20)),
	}

	confidenceNumericRe = regexp.MustCompile(`(?i)confidence[:\s]+(\d+(?:\.\d+)?)`)
	confidenceTokenRe   = regexp.MustCompile(`(?i)confidence[:\s]+(high|medium|low)\b`)
	confidencePercentRe = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*%?\s*confidence`)

	levelAfterRe  = regexp.MustCompile(`(?i)CONFIDENCE:\s*(HIGH|MEDIUM|LOW)\b`)
	levelBeforeRe = regexp.MustCompile(`(?i)\b(HIGH|MEDIUM|LOW)\s+CONFIDENCE`)
)

var tissueKeywords = []string{"epithelial", "connective", "muscle", "nervous", "blood", "lymph", "glandular", "carcinoma"}

var heuristicKeywords = []string{"cells", "tissue", "nuclei", "regions", "features", "observed", "shows", "appear", "structure"}

var uselessObservations = map[string]bool{"not assessed": true, "unknown": true, "none": true, "": true, "and": true}

func observationRe(alternatives string) *regexp.Regexp {
	return regexp.MustCompile(`(?im)^[ \t]*(?:[-*•][ \t]*)?(?:\*\*)?(?:` + alternatives + `)(?:\*\*)?[ \t]*:[ \t]*(?:\*\*)?[ \t]*(.+)$`)
}

// ParseStructuredOutput extracts typed fields from free model text. It never
// fails; degraded input yields defaults.
func ParseStructuredOutput(text string) ParsedOutput {
	out := ParsedOutput{
		TissueType: defaultTissueType,
		Summary:    defaultSummary,
		Confidence: defaultConfidence,
	}
	if strings.TrimSpace(text) == "" {
		return out
	}

	if v, ok := runStages(text, tissueTypeStages); ok {
		out.TissueType = v
	}
	out.Findings = parseFindings(text)
	out.DifferentialDiagnosis = parseDifferential(text)
	out.Recommendations = parseRecommendations(text)
	out.Summary = parseSummary(text, len(out.Findings))
	out.Confidence = parseConfidence(text)
	return out
}

// ExtractConfidenceLevel finds an explicit "CONFIDENCE: X" or "X CONFIDENCE" token.
func ExtractConfidenceLevel(text string) (domain.ConfidenceLevel, bool) {
	for _, re := range []*regexp.Regexp{levelAfterRe, levelBeforeRe} {
		if m := re.FindStringSubmatch(text); m != nil {
			return domain.ParseConfidenceLevel(m[1]), true
		}
	}
	return "", false
}

func parseFindings(text string) []domain.Finding {
	findings := structuredObservations(text)
	findings = append(findings, numberedFindings(text)...)
	if len(findings) > 0 {
		return findings
	}
	return minedFindings(text)
}

func structuredObservations(text string) []domain.Finding {
	var out []domain.Finding
	for _, cat := range observationCategories {
		m := cat.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		obs := cleanValue(m[1])
		if uselessObservations[strings.ToLower(obs)] || len(obs) <= 3 {
			continue
		}
		out = append(out, newFinding(cat.name, cat.name+": "+obs, domain.ConfidenceHigh, roiReference(obs)))
	}
	return out
}

// numberedFindings reads "N. Category: text" items. Inside a FINDINGS
// section an item without a category is accepted as "Finding N".
func numberedFindings(text string) []domain.Finding {
	scope, inSection := section(text, "FINDINGS")
	if !inSection {
		scope = text
	}

	var (
		out     []domain.Finding
		current *domain.Finding
	)
	flush := func() {
		if current == nil {
			return
		}
		if current.VisualEvidence == "" {
			current.VisualEvidence = roiReference(current.Finding)
		}
		out = append(out, *current)
		current = nil
	}

	for _, line := range strings.Split(scope, "\n") {
		if m := numberedItemRe.FindStringSubmatch(line); m != nil {
			flush()
			body := cleanValue(m[3])
			if len(body) <= 5 {
				continue
			}
			f := newFinding(cleanValue(m[2]), body, domain.ConfidenceMedium, "")
			current = &f
			continue
		}
		if m := numberedPlainRe.FindStringSubmatch(line); m != nil && inSection {
			flush()
			body := cleanValue(m[2])
			if len(body) <= 5 {
				continue
			}
			f := newFinding("Finding "+m[1], body, domain.ConfidenceMedium, "")
			current = &f
			continue
		}
		if current == nil {
			continue
		}
		if m := confidenceRowRe.FindStringSubmatch(line); m != nil {
			level := domain.ParseConfidenceLevel(m[1])
			current.Confidence = level
			current.ConfidenceScore = level.Score()
			continue
		}
		if m := evidenceRowRe.FindStringSubmatch(line); m != nil {
			current.VisualEvidence = cleanValue(m[1])
		}
	}
	flush()
	return out
}

// minedFindings is the last resort: keyword-bearing sentences. Lines are
// never joined, so headers cannot leak into a sentence.
func minedFindings(text string) []domain.Finding {
	sentences := make([]string, 0)
	for _, s := range strings.FieldsFunc(text, func(r rune) bool { return r == '.' || r == '\n' }) {
		s = strings.Join(strings.Fields(s), " ")
		s = strings.Trim(s, "*-• ")
		if len(s) > 30 {
			sentences = append(sentences, s)
		}
	}

	var out []domain.Finding
	for _, s := range sentences {
		if len(out) >= maxHeuristicFindings {
			break
		}
		if !hasHeuristicKeyword(s) || coveredBy(out, s) {
			continue
		}
		out = append(out, newFinding(fmt.Sprintf("Observation %d", len(out)+1), s, domain.ConfidenceMedium, roiReference(s)))
	}
	return out
}

func hasHeuristicKeyword(s string) bool {
	lower := strings.ToLower(s)
	for _, kw := range heuristicKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// coveredBy reports whether the first 20 characters of s already appear in a
// collected finding.
func coveredBy(findings []domain.Finding, s string) bool {
	prefix := strings.ToLower(s)
	if len(prefix) > 20 {
		prefix = prefix[:20]
	}
	for _, f := range findings {
		if strings.Contains(strings.ToLower(f.Finding), prefix) {
			return true
		}
	}
	return false
}

func parseDifferential(text string) []domain.DifferentialDiagnosis {
	body, ok := section(text, "DIFFERENTIAL DIAGNOSIS")
	if !ok {
		return nil
	}
	var out []domain.DifferentialDiagnosis
	for _, line := range strings.Split(body, "\n") {
		var condition, likelihood, reasoning string
		switch {
		case differentialSpacedRe.MatchString(line):
			m := differentialSpacedRe.FindStringSubmatch(line)
			condition, likelihood, reasoning = m[1], m[2], m[3]
		case differentialTightRe.MatchString(line):
			m := differentialTightRe.FindStringSubmatch(line)
			condition, likelihood, reasoning = m[1], m[2], m[3]
		case differentialBareRe.MatchString(line):
			m := differentialBareRe.FindStringSubmatch(line)
			condition, likelihood = m[1], m[2]
		default:
			continue
		}
		condition = strings.TrimSpace(strings.ReplaceAll(condition, "*", ""))
		if condition == "" {
			continue
		}
		level := domain.ParseConfidenceLevel(likelihood)
		out = append(out, domain.DifferentialDiagnosis{
			Condition:       condition,
			Likelihood:      level,
			LikelihoodScore: level.LikelihoodScore(),
			Reasoning:       cleanValue(reasoning),
		})
	}
	return out
}

func parseRecommendations(text string) []string {
	body, ok := section(text, "RECOMMENDATIONS")
	if !ok {
		return nil
	}
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if m := bulletRe.FindStringSubmatch(line); m != nil {
			if v := cleanValue(m[1]); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

func parseSummary(text string, findingCount int) string {
	if v, ok := runStages(text, summaryStages); ok {
		return v
	}
	if findingCount > 0 {
		return fmt.Sprintf("Analysis identified %d notable findings in the tissue specimen.", findingCount)
	}
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if len(para) > 50 {
			if len(para) > maxSummaryChars {
				para = para[:maxSummaryChars]
			}
			return para
		}
	}
	return defaultSummary
}

// summarySection reads the SUMMARY block up to the next line opening with
// three capitals.
func summarySection(text string) (string, bool) {
	idx := strings.Index(text, "SUMMARY:")
	if idx < 0 {
		return "", false
	}
	rest := strings.TrimLeft(text[idx+len("SUMMARY:"):], " \t\r\n")
	lines := strings.Split(rest, "\n")
	collected := []string{lines[0]}
	for _, line := range lines[1:] {
		if startsWithCapitalRun(line) {
			break
		}
		collected = append(collected, line)
	}
	v := cleanValue(strings.Join(collected, "\n"))
	return v, len(v) > 20
}

func parseConfidence(text string) float64 {
	if m := confidenceNumericRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return normalizeConfidence(v)
		}
	}
	if m := confidenceTokenRe.FindStringSubmatch(text); m != nil {
		return domain.ParseConfidenceLevel(m[1]).Score()
	}
	if m := confidencePercentRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return normalizeConfidence(v)
		}
	}
	return defaultConfidence
}

func normalizeConfidence(v float64) float64 {
	if v > 1 {
		v /= 100
	}
	return max(0, min(v, 1))
}

// section returns the body under a header line up to the next header.
func section(text, header string) (string, bool) {
	re := regexp.MustCompile(`(?im)^[ \t]*(?:\*\*)?` + regexp.QuoteMeta(header) + `(?:\*\*)?[ \t]*:`)
	loc := re.FindStringIndex(text)
	if loc == nil {
		return "", false
	}
	lines := strings.Split(text[loc[1]:], "\n")
	body := []string{lines[0]}
	for _, line := range lines[1:] {
		if sectionHeaderRe.MatchString(line) {
			break
		}
		body = append(body, line)
	}
	return strings.Join(body, "\n"), true
}

func startsWithCapitalRun(line string) bool {
	n := 0
	for _, r := range line {
		if r < 'A' || r > 'Z' {
			break
		}
		n++
	}
	return n >= 3
}

func inferTissueKeyword(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, kw := range tissueKeywords {
		if strings.Contains(lower, kw) {
			return strings.ToUpper(kw[:1]) + kw[1:], true
		}
	}
	return "", false
}

func usefulTissueType(v string) bool {
	switch strings.ToLower(v) {
	case "", "n/a", "unknown", "type":
		return false
	}
	return true
}

func longerThan(n int) func(string) bool {
	return func(v string) bool { return len(v) > n }
}

func roiReference(text string) string {
	if m := roiRefRe.FindString(text); m != "" {
		return strings.ToUpper(strings.Join(strings.Fields(m), " "))
	}
	return ""
}

func newFinding(category, text string, level domain.ConfidenceLevel, evidence string) domain.Finding {
	return domain.Finding{
		Category:        category,
		Finding:         text,
		Confidence:      level,
		ConfidenceScore: level.Score(),
		VisualEvidence:  evidence,
	}
}

func cleanValue(v string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(v), "*[]"))
}

package prompting

import "strings"

// ForbiddenPatterns are phrasings that present model output as a definitive
// diagnosis.
var ForbiddenPatterns = []string{
	"diagnosed with",
	"definitive diagnosis",
	"confirmed diagnosis",
	"conclusively shows",
	"definitely is",
	"positively identified as",
	"definitively",
}

// CheckSafety scans text case-insensitively and returns every matched pattern.
func CheckSafety(text string) (bool, []string) {
	lower := strings.ToLower(text)
	var violations []string
	for _, pattern := range ForbiddenPatterns {
		if strings.Contains(lower, pattern) {
			violations = append(violations, pattern)
		}
	}
	return len(violations) == 0, violations
}

func AddDisclaimer(text string) string {
	return text + "\n\n" + MedicalDisclaimer
}

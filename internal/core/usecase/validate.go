package usecase

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
)

const maxClinicalContextChars = 2000

var (
	caseIDPattern = regexp.MustCompile(`^[a-zA-Z0-9\-_]+$`)

	supportedSlideFormats = map[string]bool{
		".svs": true, ".tif": true, ".tiff": true, ".ndpi": true, ".mrxs": true,
		".png": true, ".jpg": true, ".jpeg": true, ".bmp": true,
	}

	markupPatterns = []string{"<script", "javascript:", "onerror="}
)

func ValidateCaseID(caseID string) error {
	if !caseIDPattern.MatchString(caseID) {
		return domain.WrapError(domain.ErrInvalidInput, "validate case id",
			errors.New("use only alphanumeric characters, hyphens, and underscores"))
	}
	return nil
}

// ValidatePatchIDs requires every id to follow "<case>_<x>_<y>_<level>".
func ValidatePatchIDs(caseID string, ids []string, maxCount int) error {
	if len(ids) == 0 {
		return domain.WrapError(domain.ErrInvalidInput, "validate patch ids", errors.New("no patch ids provided"))
	}
	if maxCount > 0 && len(ids) > maxCount {
		return domain.WrapError(domain.ErrInvalidInput, "validate patch ids", fmt.Errorf("too many patches, maximum %d", maxCount))
	}
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(caseID) + `_\d+_\d+_\d+$`)
	var invalid []string
	for _, id := range ids {
		if !pattern.MatchString(id) {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		if len(invalid) > 5 {
			invalid = invalid[:5]
		}
		return domain.WrapError(domain.ErrInvalidInput, "validate patch ids", fmt.Errorf("invalid patch ids: %s", strings.Join(invalid, ", ")))
	}
	return nil
}

func ValidateClinicalContext(text string) error {
	if text == "" {
		return nil
	}
	if len([]rune(text)) > maxClinicalContextChars {
		return domain.WrapError(domain.ErrInvalidInput, "validate clinical context",
			fmt.Errorf("clinical context too long, maximum %d characters", maxClinicalContextChars))
	}
	lower := strings.ToLower(text)
	for _, p := range markupPatterns {
		if strings.Contains(lower, p) {
			return domain.WrapError(domain.ErrInvalidInput, "validate clinical context", errors.New("clinical context contains invalid content"))
		}
	}
	return nil
}

func ValidateSlideFilename(name string) error {
	if strings.TrimSpace(name) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "validate slide", errors.New("no filename provided"))
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !supportedSlideFormats[ext] {
		return domain.WrapError(domain.ErrInvalidInput, "validate slide", fmt.Errorf("unsupported file format %q", ext))
	}
	return nil
}

func SanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." {
		return "slide.bin"
	}
	return base
}

package domain

import (
	"errors"
	"fmt"
)

var (
	ErrCaseNotFound        = errors.New("case not found")
	ErrAnalysisNotFound    = errors.New("analysis not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrTemporary           = errors.New("temporary failure")
	ErrModelUnavailable    = errors.New("model not loaded")
	ErrSamplingInstability = errors.New("sampling instability")
	ErrConflict            = errors.New("conflict")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
	"github.com/kirillkom/pathology-assistant/internal/infrastructure/resilience"
)

type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "remote inference status error"
	}
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("remote %s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("remote %s status: %s: %s", e.Operation, e.Status, strings.TrimSpace(e.Body))
}

var samplingInstabilityRe = regexp.MustCompile(`(?i)probabilit.*\b(inf|nan)\b|\b(inf|nan)\b.*probabilit`)

func classifyRemoteError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case samplingInstabilityRe.MatchString(statusErr.Body):
			return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
		case statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden:
			return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
		case isRetryableHTTPStatus(statusErr.StatusCode):
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		default:
			return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
}

// wrapRemoteError maps transport failures onto domain kinds.
func wrapRemoteError(operation string, err error) error {
	op := "remote " + operation
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		if samplingInstabilityRe.MatchString(statusErr.Body) {
			return domain.WrapError(domain.ErrSamplingInstability, op, err)
		}
		if statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden {
			return domain.WrapError(domain.ErrUnauthorized, op, err)
		}
	}
	if resilience.IsCircuitOpen(err) {
		return domain.WrapError(domain.ErrModelUnavailable, op, err)
	}
	if classifyRemoteError(err).Retryable {
		return domain.WrapError(domain.ErrTemporary, op, err)
	}
	return err
}

func isRetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

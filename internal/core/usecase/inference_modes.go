package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
	"github.com/kirillkom/pathology-assistant/internal/core/ports"
)

// ResolvedBackend is the backend chosen for one engine lifetime.
type ResolvedBackend struct {
	Mode    domain.InferenceMode
	Backend ports.ModelBackend
}

// BackendResolver builds the backend matching the given settings.
type BackendResolver func(ctx context.Context, settings domain.InferenceSettings) (ResolvedBackend, error)

// SelectMode picks the inference variant: a configured remote endpoint wins,
// then a local model with vision, then a reachable local text model.
func SelectMode(settings domain.InferenceSettings, local domain.ModelCapabilities, probeErr error) (domain.InferenceMode, error) {
	if settings.RemoteURL != "" {
		return domain.ModeRemote, nil
	}
	if probeErr != nil {
		return "", domain.WrapError(domain.ErrModelUnavailable, "probe local model", probeErr)
	}
	if !local.Loaded {
		return "", domain.WrapError(domain.ErrModelUnavailable, "probe local model", fmt.Errorf("model %q is not available", local.Model))
	}
	if settings.PreferredMode == string(domain.ModeLocalTextOnly) || !local.Vision {
		return domain.ModeLocalTextOnly, nil
	}
	return domain.ModeLocalMultimodal, nil
}

// variant is the closed set of ways the engine drives a backend.
type variant struct {
	mode    domain.InferenceMode
	backend ports.ModelBackend
}

func (v variant) acceptsImages() bool {
	return v.mode == domain.ModeRemote || v.mode == domain.ModeLocalMultimodal
}

func (v variant) run(ctx context.Context, req domain.GenerationRequest) (string, error) {
	switch v.mode {
	case domain.ModeRemote, domain.ModeLocalMultimodal:
	case domain.ModeLocalTextOnly:
		req.Images = nil
	default:
		return "", domain.WrapError(domain.ErrModelUnavailable, "run inference", fmt.Errorf("unsupported mode %q", v.mode))
	}
	if v.backend == nil {
		return "", domain.WrapError(domain.ErrModelUnavailable, "run inference", errors.New("backend is nil"))
	}
	return v.backend.Generate(ctx, req)
}

func (v variant) chat(ctx context.Context, req domain.ChatRequest) (string, error) {
	if v.backend == nil {
		return "", domain.WrapError(domain.ErrModelUnavailable, "run chat", errors.New("backend is nil"))
	}
	return v.backend.Chat(ctx, req)
}

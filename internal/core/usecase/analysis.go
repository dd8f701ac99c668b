package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
	"github.com/kirillkom/pathology-assistant/internal/core/ports"
)

// CaseAnalysisUseCase drives ROI confirmation and analysis for stored cases.
// Only one analysis per case runs at a time.
type CaseAnalysisUseCase struct {
	repo     ports.CaseRepository
	opener   ports.SlideOpener
	selector *ROISelector
	engine   *InferenceEngine
	logger   *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewCaseAnalysisUseCase(
	repo ports.CaseRepository,
	opener ports.SlideOpener,
	selector *ROISelector,
	engine *InferenceEngine,
	logger *slog.Logger,
) *CaseAnalysisUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &CaseAnalysisUseCase{
		repo:     repo,
		opener:   opener,
		selector: selector,
		engine:   engine,
		logger:   logger,
		inFlight: make(map[string]struct{}),
	}
}

func (uc *CaseAnalysisUseCase) GetByID(ctx context.Context, id string) (*domain.Case, error) {
	return uc.repo.GetByID(ctx, id)
}

func (uc *CaseAnalysisUseCase) ListPatches(ctx context.Context, id string) ([]domain.Patch, error) {
	if _, err := uc.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return uc.repo.ListPatches(ctx, id)
}

func (uc *CaseAnalysisUseCase) GetAnalysis(ctx context.Context, id string) (*domain.AnalysisResult, error) {
	return uc.repo.GetAnalysis(ctx, id)
}

func (uc *CaseAnalysisUseCase) ConfirmROI(ctx context.Context, caseID string, req domain.ROISelectionRequest) (*domain.ROIResult, error) {
	if err := ValidateCaseID(caseID); err != nil {
		return nil, err
	}
	if len(req.SelectedPatchIDs) > 0 {
		if err := ValidatePatchIDs(caseID, req.SelectedPatchIDs, 0); err != nil {
			return nil, err
		}
	}
	patches, err := uc.ListPatches(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("load patches: %w", err)
	}

	autoSelect := true
	if req.AutoSelect != nil {
		autoSelect = *req.AutoSelect
	}
	pool := patches
	if req.MinDistance > 0 {
		pool = uc.diversePool(patches, req.SelectedPatchIDs, req.MinDistance)
	}

	roi := uc.selector.ConfirmROISelection(pool, req.SelectedPatchIDs, autoSelect, req.TopK)
	roi.CaseID = caseID
	if err := uc.repo.SaveROI(ctx, caseID, roi); err != nil {
		return nil, fmt.Errorf("persist roi selection: %w", err)
	}
	return &roi, nil
}

// diversePool spreads automatic candidates apart while keeping every
// manually chosen tile available.
func (uc *CaseAnalysisUseCase) diversePool(patches []domain.Patch, manualIDs []string, minDistance int) []domain.Patch {
	pool := uc.selector.FilterBySpatialDiversity(domain.TissuePatches(patches), minDistance)
	present := make(map[string]bool, len(pool))
	for _, p := range pool {
		present[p.ID] = true
	}
	for _, id := range manualIDs {
		if present[id] {
			continue
		}
		if p, ok := PatchByID(patches, id); ok {
			pool = append(pool, p)
			present[id] = true
		}
	}
	return pool
}

func (uc *CaseAnalysisUseCase) Analyze(ctx context.Context, caseID string, req domain.AnalyzeCaseRequest) (*domain.AnalysisResult, error) {
	if err := ValidateCaseID(caseID); err != nil {
		return nil, err
	}
	if err := ValidateClinicalContext(req.ClinicalContext); err != nil {
		return nil, err
	}
	if !uc.begin(caseID) {
		return nil, domain.WrapError(domain.ErrConflict, "analyze case", fmt.Errorf("analysis already running for %s", caseID))
	}
	defer uc.end(caseID)

	c, err := uc.repo.GetByID(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("fetch case by id: %w", err)
	}
	patches, err := uc.selectPatches(ctx, caseID, req.PatchIDs)
	if err != nil {
		return nil, err
	}

	if err := uc.repo.UpdateStatus(ctx, caseID, domain.CaseAnalyzing, ""); err != nil {
		return nil, fmt.Errorf("set status=analyzing: %w", err)
	}

	input := AnalysisInput{
		CaseID:          caseID,
		Patches:         patches,
		ClinicalContext: uc.clinicalContext(c, req.ClinicalContext),
		TemplateContent: req.TemplateContent,
	}
	if uc.opener != nil {
		if slide, err := uc.opener.OpenSlide(ctx, c.StorageKey); err == nil {
			input.Slide = slide
		} else {
			uc.logger.Warn("slide_unavailable_for_images", "case_id", caseID, "error", err)
		}
	}

	result, err := uc.runAnalysis(ctx, input)
	if err != nil {
		if failErr := uc.repo.UpdateStatus(ctx, caseID, domain.CaseFailed, err.Error()); failErr != nil {
			return nil, fmt.Errorf("%w; mark failed status: %v", err, failErr)
		}
		return nil, err
	}
	return result, nil
}

// runAnalysis covers everything after status=analyzing; any error it returns
// marks the case failed.
func (uc *CaseAnalysisUseCase) runAnalysis(ctx context.Context, input AnalysisInput) (*domain.AnalysisResult, error) {
	result, err := uc.engine.AnalyzePatches(ctx, input)
	if err != nil {
		return nil, err
	}
	if err := uc.repo.SaveAnalysis(ctx, *result); err != nil {
		return nil, fmt.Errorf("persist analysis: %w", err)
	}
	if err := uc.repo.UpdateStatus(ctx, input.CaseID, domain.CaseCompleted, ""); err != nil {
		return nil, fmt.Errorf("set status=completed: %w", err)
	}
	return result, nil
}

// selectPatches resolves explicit ids, then a confirmed ROI, then the
// automatic ranking. An empty selection falls back to every tile so the
// quality gate can explain the refusal.
func (uc *CaseAnalysisUseCase) selectPatches(ctx context.Context, caseID string, ids []string) ([]domain.Patch, error) {
	all, err := uc.repo.ListPatches(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("load patches: %w", err)
	}
	if len(all) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "select patches", errors.New("case has no tiles; process the slide first"))
	}

	if len(ids) > 0 {
		if err := ValidatePatchIDs(caseID, ids, 0); err != nil {
			return nil, err
		}
		out := make([]domain.Patch, 0, len(ids))
		for _, id := range ids {
			if p, ok := PatchByID(all, id); ok {
				out = append(out, p)
			}
		}
		if len(out) == 0 {
			return nil, domain.WrapError(domain.ErrInvalidInput, "select patches", errors.New("no valid patches supplied"))
		}
		return out, nil
	}

	roi, err := uc.repo.GetROI(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("load roi selection: %w", err)
	}
	if roi != nil && len(roi.SelectedPatches) > 0 {
		return roi.SelectedPatches, nil
	}
	if selected := uc.selector.AutoSelectROIs(all, 0); len(selected) > 0 {
		return selected, nil
	}
	return all, nil
}

func (uc *CaseAnalysisUseCase) clinicalContext(c *domain.Case, supplied string) string {
	if supplied != "" {
		return supplied
	}
	if c.Metadata != nil && c.Metadata.Clinical != nil {
		return ClinicalSummary(*c.Metadata.Clinical)
	}
	return ""
}

func (uc *CaseAnalysisUseCase) Chat(ctx context.Context, caseID string, req domain.ChatCaseRequest) (string, error) {
	if err := ValidateCaseID(caseID); err != nil {
		return "", err
	}
	if _, err := uc.repo.GetByID(ctx, caseID); err != nil {
		return "", err
	}
	var prior *domain.AnalysisResult
	if res, err := uc.repo.GetAnalysis(ctx, caseID); err == nil {
		prior = res
	} else if !domain.IsKind(err, domain.ErrAnalysisNotFound) {
		return "", fmt.Errorf("load analysis: %w", err)
	}
	return uc.engine.Chat(ctx, ChatInput{CaseID: caseID, Message: req.Message, History: req.History, Analysis: prior})
}

func (uc *CaseAnalysisUseCase) CurrentSettings() domain.InferenceSettings {
	return uc.engine.Settings()
}

func (uc *CaseAnalysisUseCase) UpdateSettings(ctx context.Context, settings domain.InferenceSettings) (bool, error) {
	return uc.engine.Reload(ctx, settings)
}

func (uc *CaseAnalysisUseCase) begin(caseID string) bool {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if _, busy := uc.inFlight[caseID]; busy {
		return false
	}
	uc.inFlight[caseID] = struct{}{}
	return true
}

func (uc *CaseAnalysisUseCase) end(caseID string) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	delete(uc.inFlight, caseID)
}

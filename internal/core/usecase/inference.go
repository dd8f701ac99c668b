package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
	"github.com/kirillkom/pathology-assistant/internal/core/ports"
	"github.com/kirillkom/pathology-assistant/internal/core/prompting"
)

const (
	summaryFallback   = "Unable to generate summary. Please review individual findings."
	noFindingsSummary = "No significant findings to report."
)

func DefaultInferenceSettings() domain.InferenceSettings {
	return domain.InferenceSettings{
		ModelName:           "medgemma:4b",
		MaxTokens:           2048,
		Temperature:         0.7,
		TopP:                0.9,
		ConfidenceThreshold: 0.6,
	}
}

// AnalysisInput is one analysis request. Slide is optional; without it no
// tile images are sent.
type AnalysisInput struct {
	CaseID          string
	Patches         []domain.Patch
	ClinicalContext string
	TemplateContent string
	Slide           ports.SlideSource
	PatchSize       int
}

type ChatInput struct {
	CaseID   string
	Message  string
	History  []domain.ChatMessage
	Analysis *domain.AnalysisResult
}

type InferenceEngine struct {
	mu       sync.RWMutex
	settings domain.InferenceSettings
	active   *variant
	resolver BackendResolver

	prompts  *prompting.Builder
	gate     QualityGate
	observer ports.AnalysisObserver
	logger   *slog.Logger
	now      func() time.Time
}

// NewInferenceEngine resolves the backend once. A resolution failure leaves
// the engine unloaded; analyses then fail with ErrModelUnavailable.
func NewInferenceEngine(
	ctx context.Context,
	settings domain.InferenceSettings,
	resolver BackendResolver,
	gate QualityGate,
	observer ports.AnalysisObserver,
	logger *slog.Logger,
) *InferenceEngine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &InferenceEngine{
		settings: normalizeSettings(settings),
		resolver: resolver,
		prompts:  prompting.NewBuilder(),
		gate:     gate,
		observer: observer,
		logger:   logger,
		now:      time.Now,
	}
	if err := e.load(ctx, e.settings); err != nil {
		logger.Warn("model_not_loaded", "model", e.settings.ModelName, "error", err)
	}
	return e
}

func normalizeSettings(s domain.InferenceSettings) domain.InferenceSettings {
	def := DefaultInferenceSettings()
	if s.ModelName == "" {
		s.ModelName = def.ModelName
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = def.MaxTokens
	}
	if s.Temperature < 0 {
		s.Temperature = def.Temperature
	}
	if s.TopP <= 0 || s.TopP > 1 {
		s.TopP = def.TopP
	}
	if s.ConfidenceThreshold <= 0 || s.ConfidenceThreshold > 1 {
		s.ConfidenceThreshold = def.ConfidenceThreshold
	}
	return s
}

func (e *InferenceEngine) load(ctx context.Context, settings domain.InferenceSettings) error {
	if e.resolver == nil {
		return domain.WrapError(domain.ErrModelUnavailable, "load model", errors.New("no backend resolver"))
	}
	resolved, err := e.resolver(ctx, settings)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.active = &variant{mode: resolved.Mode, backend: resolved.Backend}
	e.settings = settings
	e.mu.Unlock()
	e.logger.Info("model_loaded", "model", settings.ModelName, "mode", resolved.Mode)
	return nil
}

func (e *InferenceEngine) IsLoaded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active != nil
}

func (e *InferenceEngine) Mode() domain.InferenceMode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.active == nil {
		return ""
	}
	return e.active.mode
}

func (e *InferenceEngine) Settings() domain.InferenceSettings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings
}

// Reload applies new settings. The backend is rebuilt only when the change
// touches model identity; sampling changes apply in place.
func (e *InferenceEngine) Reload(ctx context.Context, settings domain.InferenceSettings) (bool, error) {
	settings = normalizeSettings(settings)
	e.mu.Lock()
	loaded := e.active != nil
	needsReload := !loaded || domain.RequiresReload(e.settings, settings)
	if !needsReload {
		e.settings = settings
	}
	e.mu.Unlock()
	if !needsReload {
		return false, nil
	}
	if err := e.load(ctx, settings); err != nil {
		return false, fmt.Errorf("reload model: %w", err)
	}
	return true, nil
}

func (e *InferenceEngine) snapshot() (*variant, domain.InferenceSettings) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active, e.settings
}

// AnalyzePatches runs the quality gate, prompts the model and assembles a
// typed result. Refusals are results, not errors.
func (e *InferenceEngine) AnalyzePatches(ctx context.Context, in AnalysisInput) (*domain.AnalysisResult, error) {
	start := e.now()
	if len(in.Patches) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "analyze patches", errors.New("no valid patches supplied"))
	}
	active, settings := e.snapshot()
	if active == nil {
		return nil, domain.WrapError(domain.ErrModelUnavailable, "analyze patches", errors.New("load a model before analysis"))
	}

	if refusal := e.gate.Evaluate(in.Patches); refusal != nil {
		e.logger.Warn("quality_gate_refusal", "case_id", in.CaseID, "reason", refusal.Reason, "patches", len(in.Patches))
		if e.observer != nil {
			e.observer.ObserveRefusal(refusal.Reason)
			e.observer.ObserveAnalysis(active.mode, "refused", e.since(start), 0)
		}
		return e.refusalResult(in.CaseID, active.mode, refusal, start), nil
	}

	template := in.TemplateContent
	if strings.TrimSpace(template) == "" {
		template = settings.ReportTemplate
	}
	prompt := e.prompts.BuildAnalysisPrompt(in.Patches, in.ClinicalContext, template)

	req := domain.GenerationRequest{
		Prompt:      prompt,
		System:      e.prompts.SystemPrompt(),
		MaxTokens:   settings.MaxTokens,
		Temperature: settings.Temperature,
		TopP:        settings.TopP,
		Sampling:    samplingFor(settings),
	}
	if active.acceptsImages() && in.Slide != nil {
		req.Images = e.tileImages(in)
	}

	text, err := e.generate(ctx, *active, req)
	if err != nil {
		if e.observer != nil {
			e.observer.ObserveAnalysis(active.mode, "failed", e.since(start), 0)
		}
		return nil, fmt.Errorf("generate analysis: %w", err)
	}

	result := e.assemble(in.CaseID, text, settings, active.mode, start)
	if e.observer != nil {
		e.observer.ObserveAnalysis(active.mode, "completed", result.ProcessingTime, len(result.Findings))
	}
	return result, nil
}

// generate retries exactly once with greedy decoding when sampling breaks down.
func (e *InferenceEngine) generate(ctx context.Context, v variant, req domain.GenerationRequest) (string, error) {
	text, err := v.run(ctx, req)
	if err == nil || req.Sampling == domain.SamplingGreedy || !domain.IsKind(err, domain.ErrSamplingInstability) {
		return text, err
	}
	e.logger.Warn("sampling_instability_retry", "mode", v.mode, "error", err)
	req.Sampling = domain.SamplingGreedy
	req.Temperature = 0
	return v.run(ctx, req)
}

func samplingFor(settings domain.InferenceSettings) domain.SamplingMode {
	if settings.Temperature <= 0 {
		return domain.SamplingGreedy
	}
	return domain.SamplingStochastic
}

func (e *InferenceEngine) assemble(caseID, text string, settings domain.InferenceSettings, mode domain.InferenceMode, start time.Time) *domain.AnalysisResult {
	parsed := prompting.ParseStructuredOutput(text)
	warnings := make([]string, 0, 2)

	if safe, violations := prompting.CheckSafety(text); !safe {
		e.logger.Warn("safety_violation", "case_id", caseID, "patterns", violations)
		if e.observer != nil {
			e.observer.ObserveSafetyViolations(len(violations))
		}
		warnings = append(warnings, "Potentially inappropriate language detected: "+strings.Join(violations, ", "))
	}

	if parsed.Confidence < settings.ConfidenceThreshold {
		warnings = append(warnings, fmt.Sprintf(
			"Overall confidence (%.2f) is below threshold (%.2f). Findings require careful expert review.",
			parsed.Confidence, settings.ConfidenceThreshold))
	}

	findings := parsed.Findings
	if findings == nil {
		findings = []domain.Finding{}
	}
	differential := parsed.DifferentialDiagnosis
	if differential == nil {
		differential = []domain.DifferentialDiagnosis{}
	}

	return &domain.AnalysisResult{
		CaseID:                caseID,
		Findings:              findings,
		DifferentialDiagnosis: differential,
		NarrativeSummary:      prompting.AddDisclaimer(parsed.Summary),
		Recommendations:       parsed.Recommendations,
		TissueType:            classifyTissue(parsed.TissueType),
		OverallConfidence:     parsed.Confidence,
		Warnings:              warnings,
		ProcessingTime:        e.since(start),
		AnalyzedAt:            e.now().UTC(),
		InferenceMode:         mode,
	}
}

func (e *InferenceEngine) refusalResult(caseID string, mode domain.InferenceMode, refusal *Refusal, start time.Time) *domain.AnalysisResult {
	return &domain.AnalysisResult{
		CaseID:                caseID,
		Findings:              []domain.Finding{},
		DifferentialDiagnosis: []domain.DifferentialDiagnosis{},
		NarrativeSummary:      prompting.AddDisclaimer("Analysis was not performed. " + refusal.Message),
		TissueType:            domain.TissueUnknown,
		OverallConfidence:     0,
		Warnings:              []string{"QUALITY_GATE_REFUSAL (" + refusal.Reason + "): " + refusal.Message},
		ProcessingTime:        e.since(start),
		AnalyzedAt:            e.now().UTC(),
		InferenceMode:         mode,
		Refused:               true,
	}
}

// tileImages encodes the ranked ROIs as JPEG in prompt order. Unreadable
// tiles are skipped.
func (e *InferenceEngine) tileImages(in AnalysisInput) []domain.EncodedImage {
	ranked := prompting.RankForPrompt(in.Patches, prompting.MaxPromptROIs)
	out := make([]domain.EncodedImage, 0, len(ranked))
	for _, p := range ranked {
		size := p.Coordinates.Width
		if size <= 0 {
			size = in.PatchSize
		}
		if size <= 0 {
			continue
		}
		region, err := in.Slide.ReadRegion(p.X, p.Y, p.Level, image.Pt(size, size))
		if err != nil {
			e.logger.Warn("roi_image_read_failed", "patch_id", p.ID, "error", err)
			continue
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, region, &jpeg.Options{Quality: 90}); err != nil {
			e.logger.Warn("roi_image_encode_failed", "patch_id", p.ID, "error", err)
			continue
		}
		out = append(out, domain.EncodedImage{MimeType: "image/jpeg", Data: buf.Bytes()})
	}
	return out
}

// Chat answers a follow-up question about a case under the same safety rules.
func (e *InferenceEngine) Chat(ctx context.Context, in ChatInput) (string, error) {
	if strings.TrimSpace(in.Message) == "" {
		return "", domain.WrapError(domain.ErrInvalidInput, "chat", errors.New("message is required"))
	}
	active, settings := e.snapshot()
	if active == nil {
		return "", domain.WrapError(domain.ErrModelUnavailable, "chat", errors.New("load a model before chatting"))
	}

	system := e.prompts.SystemPrompt()
	if in.Analysis != nil {
		system += "\n\nCASE CONTEXT:\nTissue type: " + string(in.Analysis.TissueType) +
			"\nPrior summary: " + in.Analysis.NarrativeSummary
	}
	history := append(append([]domain.ChatMessage{}, in.History...), domain.ChatMessage{Role: "user", Content: in.Message})

	reply, err := active.chat(ctx, domain.ChatRequest{
		History:      history,
		SystemPrompt: system,
		MaxTokens:    settings.MaxTokens,
		Temperature:  settings.Temperature,
		TopP:         settings.TopP,
		Sampling:     samplingFor(settings),
	})
	if err != nil {
		return "", fmt.Errorf("chat: %w", err)
	}
	if safe, violations := prompting.CheckSafety(reply); !safe {
		e.logger.Warn("safety_violation", "case_id", in.CaseID, "patterns", violations)
		if e.observer != nil {
			e.observer.ObserveSafetyViolations(len(violations))
		}
	}
	return prompting.AddDisclaimer(reply), nil
}

// GenerateSummary asks the model for a short description of findings. It
// degrades to a fixed message instead of failing.
func (e *InferenceEngine) GenerateSummary(ctx context.Context, findings []domain.Finding) string {
	if len(findings) == 0 {
		return noFindingsSummary
	}
	active, settings := e.snapshot()
	if active == nil {
		return prompting.AddDisclaimer(summaryFallback)
	}
	lines := make([]string, 0, len(findings))
	for _, f := range findings {
		lines = append(lines, fmt.Sprintf("- %s: %s (confidence %s)", f.Category, f.Finding, f.Confidence))
	}
	text, err := e.generate(ctx, *active, domain.GenerationRequest{
		Prompt:      e.prompts.BuildDescriptionPrompt(strings.Join(lines, "\n")),
		System:      e.prompts.SystemPrompt(),
		MaxTokens:   settings.MaxTokens,
		Temperature: settings.Temperature,
		TopP:        settings.TopP,
		Sampling:    samplingFor(settings),
	})
	if err != nil || strings.TrimSpace(text) == "" {
		e.logger.Warn("summary_generation_failed", "error", err)
		return prompting.AddDisclaimer(summaryFallback)
	}
	return prompting.AddDisclaimer(strings.TrimSpace(text))
}

func classifyTissue(raw string) domain.TissueType {
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "epithelial"):
		return domain.TissueEpithelial
	case strings.Contains(lower, "connective"), strings.Contains(lower, "stromal"):
		return domain.TissueConnective
	case strings.Contains(lower, "muscle"):
		return domain.TissueMuscle
	case strings.Contains(lower, "nervous"), strings.Contains(lower, "neural"):
		return domain.TissueNervous
	case strings.Contains(lower, "blood"), strings.Contains(lower, "hematopoietic"):
		return domain.TissueBlood
	case strings.Contains(lower, "mixed"):
		return domain.TissueMixed
	default:
		return domain.TissueUnknown
	}
}

func (e *InferenceEngine) since(start time.Time) float64 {
	return e.now().Sub(start).Seconds()
}

package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
	"github.com/kirillkom/pathology-assistant/internal/core/prompting"
)

const engineResponse = `TISSUE TYPE: Epithelial (Confidence: HIGH)

FINDINGS:
1. Architecture: Crowded glands with cribriform spaces in ROI #1
   Confidence: MEDIUM

SUMMARY: Glandular proliferation with architectural complexity, expert review advised.

CONFIDENCE ASSESSMENT:
Overall analysis confidence: 0.82
`

func staticResolver(mode domain.InferenceMode, backend *backendFake) BackendResolver {
	return func(context.Context, domain.InferenceSettings) (ResolvedBackend, error) {
		return ResolvedBackend{Mode: mode, Backend: backend}, nil
	}
}

func newTestEngine(t *testing.T, mode domain.InferenceMode, backend *backendFake, obs *observerFake) *InferenceEngine {
	t.Helper()
	e := NewInferenceEngine(context.Background(), DefaultInferenceSettings(), staticResolver(mode, backend), DefaultQualityGate(), obs, nil)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	e.now = func() time.Time {
		calls++
		return start.Add(time.Duration(calls) * time.Second)
	}
	return e
}

func TestAnalyzePatchesRefusesLowVarianceWithoutModelCall(t *testing.T) {
	backend := &backendFake{responses: []string{engineResponse}}
	obs := &observerFake{}
	e := newTestEngine(t, domain.ModeLocalTextOnly, backend, obs)

	patches := tissueGrid("case1", 100, 15, 0.02)
	res, err := e.AnalyzePatches(context.Background(), AnalysisInput{CaseID: "case1", Patches: patches})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(backend.requests) != 0 {
		t.Fatalf("expected no model call, got %d", len(backend.requests))
	}
	if !res.Refused || res.OverallConfidence != 0 || len(res.Findings) != 0 {
		t.Fatalf("expected refusal, got %+v", res)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "low variance") || !strings.Contains(res.Warnings[0], "focus quality") {
		t.Fatalf("expected low variance warning, got %v", res.Warnings)
	}
	if !strings.HasSuffix(res.NarrativeSummary, prompting.MedicalDisclaimer) {
		t.Fatalf("expected disclaimer on refusal narrative")
	}
	if len(obs.refusals) != 1 || obs.refusals[0] != RefusalInsufficientDetail {
		t.Fatalf("expected detail refusal observed, got %v", obs.refusals)
	}
}

func TestAnalyzePatchesRefusesInsufficientTissue(t *testing.T) {
	backend := &backendFake{}
	e := newTestEngine(t, domain.ModeLocalTextOnly, backend, nil)

	res, err := e.AnalyzePatches(context.Background(), AnalysisInput{CaseID: "c", Patches: tissueGrid("c", 100, 5, 0.8)})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !res.Refused || !strings.Contains(res.Warnings[0], RefusalInsufficientTissue) {
		t.Fatalf("expected insufficient tissue refusal, got %+v", res)
	}
	if len(backend.requests) != 0 {
		t.Fatalf("expected no model call")
	}
}

func TestAnalyzePatchesAssemblesResult(t *testing.T) {
	backend := &backendFake{responses: []string{engineResponse}}
	obs := &observerFake{}
	e := newTestEngine(t, domain.ModeLocalTextOnly, backend, obs)

	res, err := e.AnalyzePatches(context.Background(), AnalysisInput{
		CaseID:          "c",
		Patches:         tissueGrid("c", 10, 8, 0.6),
		ClinicalContext: "55M, colon polyp",
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(backend.requests) != 1 {
		t.Fatalf("expected one model call, got %d", len(backend.requests))
	}
	req := backend.requests[0]
	if !strings.Contains(req.Prompt, "Patient Data & History") || req.System == "" {
		t.Fatalf("expected clinical prompt and system instruction")
	}
	if req.Sampling != domain.SamplingStochastic || req.MaxTokens != 2048 {
		t.Fatalf("unexpected generation params %+v", req)
	}
	if res.TissueType != domain.TissueEpithelial || res.OverallConfidence != 0.82 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Findings) != 1 || res.Findings[0].VisualEvidence != "ROI #1" {
		t.Fatalf("unexpected findings %+v", res.Findings)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", res.Warnings)
	}
	if !strings.HasPrefix(res.NarrativeSummary, "Glandular proliferation") || !strings.HasSuffix(res.NarrativeSummary, prompting.MedicalDisclaimer) {
		t.Fatalf("unexpected narrative %q", res.NarrativeSummary)
	}
	if res.ProcessingTime <= 0 || res.InferenceMode != domain.ModeLocalTextOnly {
		t.Fatalf("expected processing time and mode, got %+v", res)
	}
	if len(obs.statuses) != 1 || obs.statuses[0] != "completed" {
		t.Fatalf("expected completed observation, got %v", obs.statuses)
	}
}

func TestAnalyzePatchesFlagsUnsafeAndLowConfidence(t *testing.T) {
	backend := &backendFake{responses: []string{"The patient is diagnosed with carcinoma. Confidence: 0.3"}}
	obs := &observerFake{}
	e := newTestEngine(t, domain.ModeLocalTextOnly, backend, obs)

	res, err := e.AnalyzePatches(context.Background(), AnalysisInput{CaseID: "c", Patches: tissueGrid("c", 10, 8, 0.6)})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(res.Warnings) != 2 {
		t.Fatalf("expected safety and confidence warnings, got %v", res.Warnings)
	}
	if !strings.HasPrefix(res.Warnings[0], "Potentially inappropriate language detected: diagnosed with") {
		t.Fatalf("unexpected safety warning %q", res.Warnings[0])
	}
	if res.Warnings[1] != "Overall confidence (0.30) is below threshold (0.60). Findings require careful expert review." {
		t.Fatalf("unexpected confidence warning %q", res.Warnings[1])
	}
	if obs.violations != 1 {
		t.Fatalf("expected one violation observed, got %d", obs.violations)
	}
}

func TestAnalyzePatchesRetriesGreedyOnSamplingInstability(t *testing.T) {
	unstable := domain.WrapError(domain.ErrSamplingInstability, "generate", errors.New("probability tensor contains inf"))
	backend := &backendFake{errs: []error{unstable}, responses: []string{"", engineResponse}}
	e := newTestEngine(t, domain.ModeLocalTextOnly, backend, nil)

	res, err := e.AnalyzePatches(context.Background(), AnalysisInput{CaseID: "c", Patches: tissueGrid("c", 10, 8, 0.6)})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(backend.requests) != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", len(backend.requests))
	}
	if backend.requests[1].Sampling != domain.SamplingGreedy || backend.requests[1].Temperature != 0 {
		t.Fatalf("expected greedy retry, got %+v", backend.requests[1])
	}
	if res.OverallConfidence != 0.82 {
		t.Fatalf("expected parsed retry output, got %f", res.OverallConfidence)
	}
}

func TestAnalyzePatchesDoesNotRetryOtherErrors(t *testing.T) {
	backend := &backendFake{errs: []error{errors.New("boom"), nil}, responses: []string{"", engineResponse}}
	obs := &observerFake{}
	e := newTestEngine(t, domain.ModeLocalTextOnly, backend, obs)

	if _, err := e.AnalyzePatches(context.Background(), AnalysisInput{CaseID: "c", Patches: tissueGrid("c", 10, 8, 0.6)}); err == nil {
		t.Fatalf("expected error")
	}
	if len(backend.requests) != 1 {
		t.Fatalf("expected no retry, got %d calls", len(backend.requests))
	}
	if len(obs.statuses) != 1 || obs.statuses[0] != "failed" {
		t.Fatalf("expected failed observation, got %v", obs.statuses)
	}
}

func TestAnalyzePatchesRejectsEmptyInputAndUnloadedModel(t *testing.T) {
	e := newTestEngine(t, domain.ModeLocalTextOnly, &backendFake{}, nil)
	if _, err := e.AnalyzePatches(context.Background(), AnalysisInput{CaseID: "c"}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	failing := func(context.Context, domain.InferenceSettings) (ResolvedBackend, error) {
		return ResolvedBackend{}, domain.WrapError(domain.ErrModelUnavailable, "probe", errors.New("connection refused"))
	}
	unloaded := NewInferenceEngine(context.Background(), DefaultInferenceSettings(), failing, DefaultQualityGate(), nil, nil)
	if unloaded.IsLoaded() {
		t.Fatalf("expected engine not loaded")
	}
	_, err := unloaded.AnalyzePatches(context.Background(), AnalysisInput{CaseID: "c", Patches: tissueGrid("c", 10, 8, 0.6)})
	if !domain.IsKind(err, domain.ErrModelUnavailable) {
		t.Fatalf("expected model unavailable, got %v", err)
	}
}

func TestAnalyzePatchesSendsImagesOnlyToVisionModes(t *testing.T) {
	slide := &slideFake{width: 2048, height: 256, tissueBelowX: 2048}
	patches := tissueGrid("c", 10, 10, 0.6)
	for i := range patches {
		patches[i].Coordinates = domain.Coordinates{X: patches[i].X, Width: 64, Height: 64}
	}

	vision := &backendFake{responses: []string{engineResponse}}
	e := newTestEngine(t, domain.ModeLocalMultimodal, vision, nil)
	if _, err := e.AnalyzePatches(context.Background(), AnalysisInput{CaseID: "c", Patches: patches, Slide: slide}); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if got := len(vision.requests[0].Images); got != prompting.MaxPromptROIs {
		t.Fatalf("expected %d images, got %d", prompting.MaxPromptROIs, got)
	}

	text := &backendFake{responses: []string{engineResponse}}
	e = newTestEngine(t, domain.ModeLocalTextOnly, text, nil)
	if _, err := e.AnalyzePatches(context.Background(), AnalysisInput{CaseID: "c", Patches: patches, Slide: slide}); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(text.requests[0].Images) != 0 {
		t.Fatalf("expected text-only mode to drop images")
	}
}

func TestReloadOnlyWhenModelIdentityChanges(t *testing.T) {
	resolves := 0
	resolver := func(context.Context, domain.InferenceSettings) (ResolvedBackend, error) {
		resolves++
		return ResolvedBackend{Mode: domain.ModeLocalTextOnly, Backend: &backendFake{}}, nil
	}
	e := NewInferenceEngine(context.Background(), DefaultInferenceSettings(), resolver, DefaultQualityGate(), nil, nil)

	tuned := e.Settings()
	tuned.Temperature = 0.1
	reloaded, err := e.Reload(context.Background(), tuned)
	if err != nil || reloaded {
		t.Fatalf("expected in-place update, got reloaded=%v err=%v", reloaded, err)
	}
	if e.Settings().Temperature != 0.1 {
		t.Fatalf("expected temperature applied")
	}

	moved := e.Settings()
	moved.ModelName = "other-model"
	reloaded, err = e.Reload(context.Background(), moved)
	if err != nil || !reloaded {
		t.Fatalf("expected reload, got reloaded=%v err=%v", reloaded, err)
	}
	if resolves != 2 {
		t.Fatalf("expected two resolutions, got %d", resolves)
	}
}

func TestChatAppliesDisclaimer(t *testing.T) {
	backend := &backendFake{chatReply: "Nuclei appear enlarged."}
	e := newTestEngine(t, domain.ModeRemote, backend, nil)

	reply, err := e.Chat(context.Background(), ChatInput{
		CaseID:   "c",
		Message:  "What about the nuclei?",
		Analysis: &domain.AnalysisResult{TissueType: domain.TissueEpithelial, NarrativeSummary: "prior"},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if !strings.HasSuffix(reply, prompting.MedicalDisclaimer) {
		t.Fatalf("expected disclaimer, got %q", reply)
	}
	req := backend.chats[0]
	if len(req.History) != 1 || req.History[0].Role != "user" || !strings.Contains(req.SystemPrompt, "CASE CONTEXT") {
		t.Fatalf("unexpected chat request %+v", req)
	}
}

func TestGenerateSummaryFallsBack(t *testing.T) {
	backend := &backendFake{errs: []error{errors.New("down")}}
	e := newTestEngine(t, domain.ModeLocalTextOnly, backend, nil)
	got := e.GenerateSummary(context.Background(), []domain.Finding{{Category: "A", Finding: "b", Confidence: domain.ConfidenceLow}})
	if !strings.HasPrefix(got, summaryFallback) {
		t.Fatalf("expected fallback summary, got %q", got)
	}
}

func TestGenerateSummaryWithoutFindings(t *testing.T) {
	backend := &backendFake{responses: []string{"should not be used"}}
	e := newTestEngine(t, domain.ModeLocalTextOnly, backend, nil)
	if got := e.GenerateSummary(context.Background(), nil); got != "No significant findings to report." {
		t.Fatalf("unexpected summary %q", got)
	}
	if len(backend.requests) != 0 {
		t.Fatalf("expected no model call, got %d", len(backend.requests))
	}
}

func TestSelectMode(t *testing.T) {
	remote, err := SelectMode(domain.InferenceSettings{RemoteURL: "http://gpu"}, domain.ModelCapabilities{}, errors.New("down"))
	if err != nil || remote != domain.ModeRemote {
		t.Fatalf("expected remote, got %q %v", remote, err)
	}
	mm, _ := SelectMode(domain.InferenceSettings{}, domain.ModelCapabilities{Loaded: true, Vision: true}, nil)
	if mm != domain.ModeLocalMultimodal {
		t.Fatalf("expected multimodal, got %q", mm)
	}
	txt, _ := SelectMode(domain.InferenceSettings{}, domain.ModelCapabilities{Loaded: true}, nil)
	if txt != domain.ModeLocalTextOnly {
		t.Fatalf("expected text-only, got %q", txt)
	}
	if _, err := SelectMode(domain.InferenceSettings{}, domain.ModelCapabilities{}, nil); !domain.IsKind(err, domain.ErrModelUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestClassifyTissue(t *testing.T) {
	cases := map[string]domain.TissueType{
		"Stromal tissue":        domain.TissueConnective,
		"Neural":                domain.TissueNervous,
		"Mixed tissue specimen": domain.TissueMixed,
		"Lymph":                 domain.TissueUnknown,
	}
	for in, want := range cases {
		if got := classifyTissue(in); got != want {
			t.Fatalf("classifyTissue(%q) = %q, want %q", in, got, want)
		}
	}
}

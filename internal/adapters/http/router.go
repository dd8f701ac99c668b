package httpadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kirillkom/pathology-assistant/internal/config"
	"github.com/kirillkom/pathology-assistant/internal/core/domain"
	"github.com/kirillkom/pathology-assistant/internal/core/ports"
)

const (
	multipartMemory     = 32 << 20
	maxClinicalFileSize = 5 << 20
	maxJSONBody         = 1 << 20
	redactedKey         = "***"
)

// Services are the inbound use cases the router drives.
type Services struct {
	Ingest   ports.SlideIngestor
	Cases    ports.CaseReader
	Analyzer ports.CaseAnalyzer
	Settings ports.SettingsUpdater
	Clinical ports.ClinicalContextExtractor
	Metrics  MetricsHandler
	Logger   *slog.Logger
}

// MetricsHandler is satisfied by the prometheus api metrics.
type MetricsHandler interface {
	Handler() http.Handler
	Middleware(next http.Handler) http.Handler
}

type Router struct {
	cfg config.Config
	svc Services
}

func NewRouter(cfg config.Config, svc Services) *Router {
	if svc.Logger == nil {
		svc.Logger = slog.Default()
	}
	return &Router{cfg: cfg, svc: svc}
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/cases", rt.uploadSlide)
	api.HandleFunc("GET /v1/cases/{id}", rt.getCase)
	api.HandleFunc("GET /v1/cases/{id}/patches", rt.listPatches)
	api.HandleFunc("POST /v1/cases/{id}/roi", rt.confirmROI)
	api.HandleFunc("POST /v1/cases/{id}/analyze", rt.analyzeCase)
	api.HandleFunc("GET /v1/cases/{id}/analysis", rt.getAnalysis)
	api.HandleFunc("POST /v1/cases/{id}/chat", rt.chat)
	api.HandleFunc("GET /v1/settings", rt.getSettings)
	api.HandleFunc("PUT /v1/settings", rt.updateSettings)

	guarded := backpressureMiddleware(
		rateLimitMiddleware(api, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst),
		rt.cfg.APIMaxInFlight,
		rt.cfg.APIMaxInFlightWait,
	)

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", rt.healthz)
	if rt.svc.Metrics != nil {
		root.Handle("GET /metrics", rt.svc.Metrics.Handler())
		guarded = rt.svc.Metrics.Middleware(guarded)
	}
	root.Handle("/v1/", guarded)

	return requestIDMiddleware(accessLogMiddleware(rt.svc.Logger, root))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) uploadSlide(w http.ResponseWriter, r *http.Request) {
	if rt.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, rt.cfg.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			writeError(w, http.StatusRequestEntityTooLarge, "slide exceeds upload limit")
			return
		}
		writeError(w, http.StatusBadRequest, "multipart form is required")
		return
	}

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	clinical, err := rt.clinicalFromForm(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	c, err := rt.svc.Ingest.Upload(r.Context(), fileHeader.Filename, file, clinical)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, c)
}

// clinicalFromForm reads the optional clinical_file upload and the optional
// clinical_context text field. Free text is appended to the file history.
func (rt *Router) clinicalFromForm(r *http.Request) (*domain.ClinicalMetadata, error) {
	var meta *domain.ClinicalMetadata

	if f, hdr, err := r.FormFile("clinical_file"); err == nil {
		defer f.Close()
		raw, err := io.ReadAll(io.LimitReader(f, maxClinicalFileSize+1))
		if err != nil {
			return nil, fmt.Errorf("read clinical file: %w", err)
		}
		if len(raw) > maxClinicalFileSize {
			return nil, domain.WrapError(domain.ErrInvalidInput, "read clinical file", errors.New("clinical file is too large"))
		}
		if rt.svc.Clinical == nil {
			return nil, domain.WrapError(domain.ErrInvalidInput, "read clinical file", errors.New("clinical files are not accepted"))
		}
		parsed, err := rt.svc.Clinical.Parse(hdr.Filename, raw)
		if err != nil {
			return nil, err
		}
		meta = &parsed
	} else if !errors.Is(err, http.ErrMissingFile) {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read clinical file", err)
	}

	if text := strings.TrimSpace(r.FormValue("clinical_context")); text != "" {
		if meta == nil {
			meta = &domain.ClinicalMetadata{}
		}
		if meta.ClinicalHistory == "" {
			meta.ClinicalHistory = text
		} else {
			meta.ClinicalHistory += "\n" + text
		}
	}
	return meta, nil
}

func (rt *Router) getCase(w http.ResponseWriter, r *http.Request) {
	c, err := rt.svc.Cases.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (rt *Router) listPatches(w http.ResponseWriter, r *http.Request) {
	caseID := r.PathValue("id")
	patches, err := rt.svc.Cases.ListPatches(r.Context(), caseID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	tissue := domain.TissuePatches(patches)
	if r.URL.Query().Get("tissue_only") == "true" {
		patches = tissue
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"case_id":       caseID,
		"total_patches": len(patches),
		"tissue_count":  len(tissue),
		"patches":       patches,
	})
}

func (rt *Router) confirmROI(w http.ResponseWriter, r *http.Request) {
	var req domain.ROISelectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if rt.cfg.MaxPatchIDsPerReq > 0 && len(req.SelectedPatchIDs) > rt.cfg.MaxPatchIDsPerReq {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("too many patches, maximum %d", rt.cfg.MaxPatchIDsPerReq))
		return
	}
	roi, err := rt.svc.Analyzer.ConfirmROI(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roi)
}

func (rt *Router) analyzeCase(w http.ResponseWriter, r *http.Request) {
	var req domain.AnalyzeCaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if rt.cfg.MaxPatchIDsPerReq > 0 && len(req.PatchIDs) > rt.cfg.MaxPatchIDsPerReq {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("too many patches, maximum %d", rt.cfg.MaxPatchIDsPerReq))
		return
	}
	result, err := rt.svc.Analyzer.Analyze(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) getAnalysis(w http.ResponseWriter, r *http.Request) {
	result, err := rt.svc.Cases.GetAnalysis(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) chat(w http.ResponseWriter, r *http.Request) {
	var req domain.ChatCaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	caseID := r.PathValue("id")
	reply, err := rt.svc.Analyzer.Chat(r.Context(), caseID, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"case_id": caseID, "response": reply})
}

func (rt *Router) getSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, redact(rt.svc.Settings.CurrentSettings()))
}

// updateSettings decodes onto the current settings, so omitted fields keep
// their values.
func (rt *Router) updateSettings(w http.ResponseWriter, r *http.Request) {
	current := rt.svc.Settings.CurrentSettings()
	next := current
	if !decodeJSON(w, r, &next) {
		return
	}
	if next.RemoteAPIKey == redactedKey {
		next.RemoteAPIKey = current.RemoteAPIKey
	}
	if next.Temperature < 0 || next.Temperature > 2 || next.TopP < 0 || next.TopP > 1 || next.MaxTokens < 0 {
		writeError(w, http.StatusBadRequest, "sampling parameters out of range")
		return
	}
	if next.ConfidenceThreshold < 0 || next.ConfidenceThreshold > 1 {
		writeError(w, http.StatusBadRequest, "confidence_threshold must be between 0 and 1")
		return
	}

	reloaded, err := rt.svc.Settings.UpdateSettings(r.Context(), next)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"settings": redact(rt.svc.Settings.CurrentSettings()),
		"reloaded": reloaded,
	})
}

func redact(s domain.InferenceSettings) domain.InferenceSettings {
	if s.RemoteAPIKey != "" {
		s.RemoteAPIKey = redactedKey
	}
	return s
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, mapErrorToHTTPStatus(err), err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

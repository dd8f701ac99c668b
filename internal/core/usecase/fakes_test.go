package usecase

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io"
	"strings"
	"sync"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
	"github.com/kirillkom/pathology-assistant/internal/core/ports"
)

var (
	tissueColor     = color.RGBA{R: 90, G: 30, B: 100, A: 255}
	backgroundColor = color.RGBA{R: 250, G: 250, B: 250, A: 255}
)

// slideFake paints tissue left of tissueBelowX and background elsewhere.
type slideFake struct {
	width, height int
	tissueBelowX  int
	failAt        map[image.Point]bool
	reads         int
}

func (f *slideFake) LevelCount() int { return 1 }

func (f *slideFake) LevelDimensions(level int) (int, int, error) {
	if level != 0 {
		return 0, 0, fmt.Errorf("level %d out of range", level)
	}
	return f.width, f.height, nil
}

func (f *slideFake) ReadRegion(x, y, _ int, size image.Point) (image.Image, error) {
	f.reads++
	if f.failAt[image.Pt(x, y)] {
		return nil, errors.New("corrupt tile")
	}
	c := backgroundColor
	if x < f.tissueBelowX {
		c = tissueColor
	}
	img := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img, nil
}

func (f *slideFake) Metadata() domain.SlideMetadata {
	return domain.SlideMetadata{Width: f.width, Height: f.height, LevelCount: 1, LevelDimensions: [][2]int{{f.width, f.height}}}
}

func (f *slideFake) Thumbnail(w, h int) image.Image {
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

type detectorFake struct{}

func (detectorFake) DetectTissue(img image.Image) (bool, float64) {
	if img.At(0, 0) == color.Color(tissueColor) {
		return false, 0.9
	}
	return true, 0.02
}

type scorerFake struct {
	calls int
	score float64
}

func (s *scorerFake) Score(image.Image) float64 {
	s.calls++
	return s.score
}

type backendFake struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	requests  []domain.GenerationRequest
	chats     []domain.ChatRequest
	chatReply string
}

func (b *backendFake) Generate(_ context.Context, req domain.GenerationRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := len(b.requests)
	b.requests = append(b.requests, req)
	if i < len(b.errs) && b.errs[i] != nil {
		return "", b.errs[i]
	}
	if i < len(b.responses) {
		return b.responses[i], nil
	}
	if len(b.responses) > 0 {
		return b.responses[len(b.responses)-1], nil
	}
	return "", nil
}

func (b *backendFake) Chat(_ context.Context, req domain.ChatRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chats = append(b.chats, req)
	return b.chatReply, nil
}

type observerFake struct {
	statuses   []string
	refusals   []string
	violations int
}

func (o *observerFake) ObserveAnalysis(_ domain.InferenceMode, status string, _ float64, _ int) {
	o.statuses = append(o.statuses, status)
}
func (o *observerFake) ObserveRefusal(reason string)   { o.refusals = append(o.refusals, reason) }
func (o *observerFake) ObserveSafetyViolations(n int) { o.violations += n }

type statusCall struct {
	status  domain.CaseStatus
	message string
}

type caseRepoFake struct {
	mu          sync.Mutex
	cases       map[string]*domain.Case
	patches     map[string][]domain.Patch
	rois        map[string]domain.ROIResult
	analyses    map[string]domain.AnalysisResult
	metadata    map[string]domain.SlideMetadata
	statusCalls []statusCall
	createErr   error
	saveErr     error
	analysisErr error
}

func newCaseRepoFake() *caseRepoFake {
	return &caseRepoFake{
		cases:    map[string]*domain.Case{},
		patches:  map[string][]domain.Patch{},
		rois:     map[string]domain.ROIResult{},
		analyses: map[string]domain.AnalysisResult{},
		metadata: map[string]domain.SlideMetadata{},
	}
}

func (f *caseRepoFake) Create(_ context.Context, c *domain.Case) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	copyCase := *c
	f.cases[c.ID] = &copyCase
	return nil
}

func (f *caseRepoFake) GetByID(_ context.Context, id string) (*domain.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cases[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrCaseNotFound, "get case", fmt.Errorf("id=%s", id))
	}
	copyCase := *c
	return &copyCase, nil
}

func (f *caseRepoFake) UpdateStatus(_ context.Context, id string, status domain.CaseStatus, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls = append(f.statusCalls, statusCall{status: status, message: message})
	if c, ok := f.cases[id]; ok {
		c.Status = status
		c.StatusMessage = message
	}
	return nil
}

func (f *caseRepoFake) SaveMetadata(_ context.Context, id string, meta domain.SlideMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadata[id] = meta
	return nil
}

func (f *caseRepoFake) SavePatches(_ context.Context, id string, patches []domain.Patch) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches[id] = patches
	return nil
}

func (f *caseRepoFake) ListPatches(_ context.Context, id string) ([]domain.Patch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.patches[id], nil
}

func (f *caseRepoFake) SaveROI(_ context.Context, id string, roi domain.ROIResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rois[id] = roi
	return nil
}

func (f *caseRepoFake) GetROI(_ context.Context, id string) (*domain.ROIResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	roi, ok := f.rois[id]
	if !ok {
		return nil, nil
	}
	return &roi, nil
}

func (f *caseRepoFake) SaveAnalysis(_ context.Context, result domain.AnalysisResult) error {
	if f.analysisErr != nil {
		return f.analysisErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyses[result.CaseID] = result
	return nil
}

func (f *caseRepoFake) GetAnalysis(_ context.Context, id string) (*domain.AnalysisResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.analyses[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrAnalysisNotFound, "get analysis", fmt.Errorf("id=%s", id))
	}
	return &res, nil
}

type storageFake struct {
	mu         sync.Mutex
	objects    map[string][]byte
	saveErr    error
	failPrefix string
}

func newStorageFake() *storageFake {
	return &storageFake{objects: map[string][]byte{}}
}

func (s *storageFake) Save(_ context.Context, key string, data io.Reader) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	if s.failPrefix != "" && strings.HasPrefix(key, s.failPrefix) {
		return errors.New("storage: disk full")
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = raw
	return nil
}

func (s *storageFake) Open(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.objects[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(strings.NewReader(string(raw))), nil
}

func (s *storageFake) keysWithPrefix(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

type queueFake struct {
	published []string
	err       error
}

func (q *queueFake) PublishSlideUploaded(_ context.Context, caseID string) error {
	if q.err != nil {
		return q.err
	}
	q.published = append(q.published, caseID)
	return nil
}

func (q *queueFake) SubscribeSlideUploaded(context.Context, func(context.Context, string) error) error {
	return nil
}

type openerFake struct {
	slide ports.Slide
	err   error
}

func (o *openerFake) OpenSlide(context.Context, string) (ports.Slide, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.slide, nil
}

func tissueGrid(caseID string, n, tissue int, variance float64) []domain.Patch {
	out := make([]domain.Patch, 0, n)
	for i := 0; i < n; i++ {
		p := domain.Patch{
			ID:     PatchID(caseID, i*100, 0, 0),
			CaseID: caseID,
			X:      i * 100,
		}
		if i < tissue {
			p.TissueRatio = 0.8
			p.VarianceScore = variance
		} else {
			p.IsBackground = true
			p.TissueRatio = 0.02
		}
		out = append(out, p)
	}
	return out
}

package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
	"github.com/kirillkom/pathology-assistant/internal/infrastructure/resilience"
)

func TestGenerateSendsImagesAndOptions(t *testing.T) {
	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"response":"  TISSUE TYPE: Epithelial  "}`))
	}))
	defer server.Close()

	client := New(server.URL, "medgemma:4b")
	got, err := client.Generate(context.Background(), domain.GenerationRequest{
		Prompt:      "describe",
		System:      "be careful",
		Images:      []domain.EncodedImage{{MimeType: "image/jpeg", Data: []byte("abc")}},
		MaxTokens:   128,
		Temperature: 0.7,
		TopP:        0.9,
		Sampling:    domain.SamplingStochastic,
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got != "TISSUE TYPE: Epithelial" {
		t.Fatalf("unexpected response %q", got)
	}
	images, _ := payload["images"].([]any)
	if len(images) != 1 || images[0] != "YWJj" {
		t.Fatalf("expected base64 image, got %v", payload["images"])
	}
	opts, _ := payload["options"].(map[string]any)
	if opts["num_predict"] != float64(128) || opts["temperature"] != 0.7 || opts["top_p"] != 0.9 {
		t.Fatalf("unexpected options %v", opts)
	}
	if payload["system"] != "be careful" || payload["stream"] != false {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestGenerateGreedyPinsTemperature(t *testing.T) {
	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_, _ = w.Write([]byte(`{"response":"ok"}`))
	}))
	defer server.Close()

	_, err := New(server.URL, "m").Generate(context.Background(), domain.GenerationRequest{
		Prompt: "p", Temperature: 0.7, TopP: 0.9, Sampling: domain.SamplingGreedy,
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	opts, _ := payload["options"].(map[string]any)
	if opts["temperature"] != float64(0) || opts["top_k"] != float64(1) {
		t.Fatalf("expected greedy options, got %v", opts)
	}
	if _, ok := payload["images"]; ok {
		t.Fatalf("images must be omitted when none are given")
	}
}

func TestGenerateReportsSamplingInstability(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"probability tensor contains either inf, nan or element < 0"}`, http.StatusInternalServerError)
	}))
	defer server.Close()

	exec := resilience.NewExecutor(resilience.Config{RetryMaxAttempts: 3, RetryInitialBackoff: time.Millisecond}, nil)
	_, err := New(server.URL, "m", WithExecutor(exec)).Generate(context.Background(), domain.GenerationRequest{Prompt: "p"})
	if !domain.IsKind(err, domain.ErrSamplingInstability) {
		t.Fatalf("expected sampling instability, got %v", err)
	}
}

func TestGenerateRetriesServerErrors(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			http.Error(w, "loading model", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"response":"ok"}`))
	}))
	defer server.Close()

	exec := resilience.NewExecutor(resilience.Config{RetryMaxAttempts: 3, RetryInitialBackoff: time.Millisecond}, nil)
	got, err := New(server.URL, "m", WithExecutor(exec)).Generate(context.Background(), domain.GenerationRequest{Prompt: "p"})
	if err != nil || got != "ok" {
		t.Fatalf("expected recovery after retry, got %q, %v", got, err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestGenerateIncludesHTTPBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model requires more system memory", http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := New(server.URL, "m").Generate(context.Background(), domain.GenerationRequest{Prompt: "p"})
	if err == nil || !strings.Contains(err.Error(), "more system memory") {
		t.Fatalf("expected response body in error, got %v", err)
	}
}

func TestChatPrependsSystemPrompt(t *testing.T) {
	var payload struct {
		Messages []chatMessage `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"Crowded glands."}}`))
	}))
	defer server.Close()

	got, err := New(server.URL, "m").Chat(context.Background(), domain.ChatRequest{
		SystemPrompt: "sys",
		History:      []domain.ChatMessage{{Role: "user", Content: "What is seen?"}},
	})
	if err != nil || got != "Crowded glands." {
		t.Fatalf("unexpected chat result %q, %v", got, err)
	}
	if len(payload.Messages) != 2 || payload.Messages[0].Role != "system" || payload.Messages[1].Content != "What is seen?" {
		t.Fatalf("unexpected messages %+v", payload.Messages)
	}
}

func TestProbeDetectsVision(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"capabilities":["completion","vision"]}`))
	}))
	defer server.Close()

	caps, err := New(server.URL, "medgemma:4b").Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if !caps.Loaded || !caps.Vision || caps.Model != "medgemma:4b" {
		t.Fatalf("unexpected caps %+v", caps)
	}
}

func TestProbeMissingModelIsNotLoaded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer server.Close()

	caps, err := New(server.URL, "missing").Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if caps.Loaded {
		t.Fatalf("expected model reported as not loaded")
	}
}

func TestGenerateIsBoundedOnlyByContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	c := New(server.URL, "medgemma:4b")
	if c.httpClient.Timeout != 0 {
		t.Fatalf("expected no client timeout, got %s", c.httpClient.Timeout)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Generate(ctx, domain.GenerationRequest{Prompt: "x"}); err == nil {
		t.Fatalf("expected context deadline to abort the call")
	}
}

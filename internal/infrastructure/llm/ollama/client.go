package ollama

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
	"github.com/kirillkom/pathology-assistant/internal/infrastructure/resilience"
)

// Client drives a local Ollama server. It serves both the multimodal and the
// text-only variant; the engine decides whether images are attached.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	executor   *resilience.Executor
	logger     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithExecutor(exec *resilience.Executor) Option {
	return func(c *Client) { c.executor = exec }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(baseURL, model string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Model() string {
	return c.model
}

type generateOptions struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p,omitempty"`
	TopK        int     `json:"top_k,omitempty"`
}

func buildOptions(maxTokens int, temperature, topP float64, sampling domain.SamplingMode) generateOptions {
	if sampling == domain.SamplingGreedy {
		return generateOptions{NumPredict: maxTokens, Temperature: 0, TopK: 1}
	}
	return generateOptions{NumPredict: maxTokens, Temperature: temperature, TopP: topP}
}

func encodeImages(images []domain.EncodedImage) []string {
	if len(images) == 0 {
		return nil
	}
	out := make([]string, 0, len(images))
	for _, img := range images {
		out = append(out, base64.StdEncoding.EncodeToString(img.Data))
	}
	return out
}

func (c *Client) Generate(ctx context.Context, req domain.GenerationRequest) (string, error) {
	payload := map[string]any{
		"model":   c.model,
		"prompt":  req.Prompt,
		"stream":  false,
		"options": buildOptions(req.MaxTokens, req.Temperature, req.TopP, req.Sampling),
	}
	if req.System != "" {
		payload["system"] = req.System
	}
	if images := encodeImages(req.Images); images != nil {
		payload["images"] = images
	}

	var response struct {
		Response string `json:"response"`
	}
	if err := c.call(ctx, "/api/generate", payload, &response, "generate"); err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Response), nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *Client) Chat(ctx context.Context, req domain.ChatRequest) (string, error) {
	messages := make([]chatMessage, 0, len(req.History)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.History {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	payload := map[string]any{
		"model":    c.model,
		"messages": messages,
		"stream":   false,
		"options":  buildOptions(req.MaxTokens, req.Temperature, req.TopP, req.Sampling),
	}

	var response struct {
		Message chatMessage `json:"message"`
	}
	if err := c.call(ctx, "/api/chat", payload, &response, "chat"); err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Message.Content), nil
}

// Probe reports whether the configured model is pulled and whether it
// advertises vision support.
func (c *Client) Probe(ctx context.Context) (domain.ModelCapabilities, error) {
	caps := domain.ModelCapabilities{Model: c.model}
	var response struct {
		Capabilities []string `json:"capabilities"`
		Details      struct {
			Families []string `json:"families"`
		} `json:"details"`
	}
	err := c.postJSON(ctx, "/api/show", map[string]any{"model": c.model}, &response, "show")
	if err != nil {
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return caps, nil
		}
		return caps, fmt.Errorf("probe ollama model %q: %w", c.model, err)
	}
	caps.Loaded = true
	caps.Vision = slices.Contains(response.Capabilities, "vision") || slices.Contains(response.Details.Families, "clip")
	return caps, nil
}

func (c *Client) call(ctx context.Context, path string, payload, out any, operation string) error {
	if c.executor == nil {
		return markSamplingInstability(c.postJSON(ctx, path, payload, out, operation))
	}
	err := c.executor.Execute(ctx, "ollama."+operation, func(callCtx context.Context) error {
		return c.postJSON(callCtx, path, payload, out, operation)
	}, classifyOllamaError)
	if err != nil {
		c.logger.Warn("ollama_call_failed", "operation", operation, "model", c.model, "error", err)
	}
	return wrapTemporaryIfNeeded(operation, markSamplingInstability(err))
}

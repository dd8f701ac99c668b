package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
	"github.com/kirillkom/pathology-assistant/internal/infrastructure/resilience"
)

const requestTimeout = 120 * time.Second

// Client talks to a hosted inference endpoint that accepts a prompt, base64
// images and sampling parameters in one JSON document.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
	executor   *resilience.Executor
	logger     *slog.Logger
}

func New(url, apiKey string, executor *resilience.Executor, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:        strings.TrimSpace(url),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: requestTimeout},
		executor:   executor,
		logger:     logger,
	}
}

type parameters struct {
	MaxNewTokens int     `json:"max_new_tokens"`
	Temperature  float64 `json:"temperature"`
	TopP         float64 `json:"top_p"`
	DoSample     bool    `json:"do_sample"`
}

type inferenceRequest struct {
	Text         string     `json:"text"`
	Images       []string   `json:"images"`
	SystemPrompt string     `json:"system_prompt,omitempty"`
	Parameters   parameters `json:"parameters"`
}

type inferenceResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

func buildParameters(maxTokens int, temperature, topP float64, sampling domain.SamplingMode) parameters {
	p := parameters{MaxNewTokens: maxTokens, Temperature: temperature, TopP: topP, DoSample: true}
	if sampling == domain.SamplingGreedy {
		p.Temperature = 0
		p.DoSample = false
	}
	return p
}

func (c *Client) Generate(ctx context.Context, req domain.GenerationRequest) (string, error) {
	images := make([]string, 0, len(req.Images))
	for _, img := range req.Images {
		images = append(images, base64.StdEncoding.EncodeToString(img.Data))
	}
	return c.infer(ctx, "generate", inferenceRequest{
		Text:         req.Prompt,
		Images:       images,
		SystemPrompt: req.System,
		Parameters:   buildParameters(req.MaxTokens, req.Temperature, req.TopP, req.Sampling),
	})
}

// Chat flattens the history into a transcript; the endpoint is stateless.
func (c *Client) Chat(ctx context.Context, req domain.ChatRequest) (string, error) {
	var transcript strings.Builder
	for _, m := range req.History {
		role := strings.ToUpper(strings.TrimSpace(m.Role))
		if role == "" {
			role = "USER"
		}
		fmt.Fprintf(&transcript, "%s: %s\n", role, m.Content)
	}
	transcript.WriteString("ASSISTANT:")
	return c.infer(ctx, "chat", inferenceRequest{
		Text:         transcript.String(),
		Images:       []string{},
		SystemPrompt: req.SystemPrompt,
		Parameters:   buildParameters(req.MaxTokens, req.Temperature, req.TopP, req.Sampling),
	})
}

func (c *Client) infer(ctx context.Context, operation string, payload inferenceRequest) (string, error) {
	var out inferenceResponse
	call := func(callCtx context.Context) error {
		return c.postJSON(callCtx, payload, &out, operation)
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "remote."+operation, call, classifyRemoteError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		c.logger.Warn("remote_inference_failed", "operation", operation, "error", err)
		return "", wrapRemoteError(operation, err)
	}
	return strings.TrimSpace(out.Response), nil
}

func (c *Client) postJSON(ctx context.Context, payload any, out *inferenceResponse, operation string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", operation, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("remote %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &HTTPStatusError{Operation: operation, StatusCode: resp.StatusCode, Status: resp.Status, Body: string(raw)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	if out.Error != "" {
		return &HTTPStatusError{Operation: operation, StatusCode: resp.StatusCode, Status: resp.Status, Body: out.Error}
	}
	return nil
}

// Package llm is the model capability adapter: chat completions with optional
// JSON output and text embeddings against an OpenAI-compatible endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-priorauth/pkg/circuitbreaker"
)

// Config configures the client.
type Config struct {
	BaseURL        string
	APIKey         string
	EmbeddingModel string
	// HTTPTimeout caps a single HTTP exchange. Callers normally set a shorter
	// deadline on the context.
	HTTPTimeout time.Duration
}

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes one chat completion call.
type CompletionRequest struct {
	Model       string
	System      string
	User        string
	Temperature float64
	MaxTokens   int
	// JSON asks the provider for a single JSON object.
	JSON bool
}

// Completer produces a completion for a request.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// Embedder turns texts into vectors, one per text in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Client talks to the provider. Each endpoint has its own circuit breaker.
type Client struct {
	baseURL        string
	apiKey         string
	embeddingModel string
	httpClient     *http.Client
	breakers       *circuitbreaker.Manager
	breakerConfig  circuitbreaker.Config
	logger         *zap.Logger
}

// NewClient creates a client. breakers may be shared between clients.
func NewClient(cfg Config, breakers *circuitbreaker.Manager, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if breakers == nil {
		breakers = circuitbreaker.NewManager(logger)
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 60 * time.Second
	}
	bc := circuitbreaker.DefaultConfig("llm")
	bc.IsFailure = countsAgainstProvider

	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		embeddingModel: cfg.EmbeddingModel,
		httpClient:     &http.Client{Timeout: cfg.HTTPTimeout},
		breakers:       breakers,
		breakerConfig:  bc,
		logger:         logger,
	}
}

// WithBreakerStateHook reports breaker transitions, e.g. to a metrics gauge.
// It must be called before the first request.
func (c *Client) WithBreakerStateHook(fn func(name string, from, to circuitbreaker.State)) *Client {
	c.breakerConfig.OnStateChange = fn
	return c
}

// Complete runs a chat completion and returns the first choice's content.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	body := chatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, Message{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, Message{Role: "user", Content: req.User})
	if req.JSON {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	var resp chatResponse
	if err := c.call(ctx, "chat/completions", body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", &StatusError{StatusCode: http.StatusBadGateway, Body: "response has no choices"}
	}

	c.logger.Debug("completion received",
		zap.String("model", req.Model),
		zap.String("finish_reason", resp.Choices[0].FinishReason))
	return resp.Choices[0].Message.Content, nil
}

// Embed implements Embedder with the configured embedding model.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var resp embeddingResponse
	body := map[string]interface{}{
		"model": c.embeddingModel,
		"input": texts,
	}
	if err := c.call(ctx, "embeddings", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	vecs := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("embeddings: index %d out of range", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

func (c *Client) call(ctx context.Context, endpoint string, body, out interface{}) error {
	breaker, err := c.breakers.GetOrCreate("llm:"+endpoint, c.breakerConfig)
	if err != nil {
		return err
	}

	return breaker.Run(ctx, func(ctx context.Context) error {
		return c.do(ctx, endpoint, body, out)
	})
}

func (c *Client) do(ctx context.Context, endpoint string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	// A 200 with an unreadable body is a provider fault, retried like a 502.
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &StatusError{StatusCode: http.StatusBadGateway, Body: "malformed response: " + err.Error()}
	}
	return nil
}

// countsAgainstProvider excludes client-side errors and caller cancellation
// from the breaker's failure counts.
func countsAgainstProvider(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	return true
}

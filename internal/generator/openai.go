package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultSystemPrompt = "You are a friendly assistant replying to a customer by text message on behalf of a small business. " +
	"Answer briefly in plain text (no markdown). If you cannot answer, say a team member will follow up."

// OpenAIConfig configures an OpenAI-compatible chat completions backend
// (OpenAI, OpenRouter, Groq, vLLM, ...).
type OpenAIConfig struct {
	Name         string
	APIKey       string
	APIBase      string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

// OpenAIGenerator implements Generator against /chat/completions.
type OpenAIGenerator struct {
	cfg    OpenAIConfig
	client *http.Client
}

func NewOpenAIGenerator(cfg OpenAIConfig) *OpenAIGenerator {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}
	return &OpenAIGenerator{
		cfg: cfg,
		// The caller's context carries the real deadline; this is a backstop.
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// HTTPError is a non-200 response from the backend.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (string, error) {
	user := req.Text
	if req.CustomerName != "" {
		user = fmt.Sprintf("Customer %s wrote:\n%s", req.CustomerName, req.Text)
	}
	body := chatRequest{
		Model: g.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: g.cfg.SystemPrompt},
			{Role: "user", Content: user},
		},
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("%s: marshal request: %w", g.cfg.Name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.APIBase+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%s: create request: %w", g.cfg.Name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%s: request failed: %w", g.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &HTTPError{Status: resp.StatusCode, Body: fmt.Sprintf("%s: %s", g.cfg.Name, string(respBody))}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", g.cfg.Name, err)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyReply
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

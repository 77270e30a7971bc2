package summarize

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

// OpenAICompleter calls an OpenAI-compatible chat completions endpoint.
// Works against api.openai.com or any local server speaking the same API.
type OpenAICompleter struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

// NewOpenAICompleter builds a completer against baseURL (e.g.
// "https://api.openai.com/v1").
func NewOpenAICompleter(baseURL, model, apiKey string) *OpenAICompleter {
	return &OpenAICompleter{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type completionRequest struct {
	Model    string              `json:"model"`
	Messages []completionMessage `json:"messages"`
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *OpenAICompleter) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(completionRequest{
		Model: c.model,
		Messages: []completionMessage{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarize: failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("summarize: completion request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("summarize: failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("summarize: completion API returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed completionResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("summarize: failed to decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("summarize: completion API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("summarize: completion response had no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

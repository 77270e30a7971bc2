package search

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

// HTTPReranker scores candidates with a cross-encoder served over an HTTP
// rerank endpoint (Jina/Cohere wire format).
type HTTPReranker struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewHTTPReranker configures the remote reranker.
func NewHTTPReranker(baseURL, model string, timeout time.Duration) *HTTPReranker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPReranker{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

func (r *HTTPReranker) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"model":     r.model,
		"query":     query,
		"documents": texts,
	})
	if err != nil {
		return nil, fmt.Errorf("search: failed to marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.baseURL+"/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("search: failed to build rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search: rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("search: failed to read rerank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search: reranker returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Results []struct {
			Index          int     `json:"index"`
			RelevanceScore float64 `json:"relevance_score"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("search: failed to parse rerank response: %w", err)
	}
	if len(parsed.Results) != len(texts) {
		return nil, fmt.Errorf("search: reranker returned %d results for %d documents", len(parsed.Results), len(texts))
	}

	scores := make([]float64, len(texts))
	for _, res := range parsed.Results {
		if res.Index < 0 || res.Index >= len(scores) {
			return nil, fmt.Errorf("search: rerank index %d out of range", res.Index)
		}
		scores[res.Index] = res.RelevanceScore
	}
	return scores, nil
}

package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

const visionPrompt = `Extract all visible text from this screenshot. Respond with JSON only:
{"blocks": [{"text": "...", "block_type": "paragraph|heading|code|terminal|ui_element|mixed", "confidence": 0.0}]}
Group text into coherent blocks. Preserve code and terminal content verbatim.`

// VisionEngine extracts text by sending the screenshot to an OpenAI-style
// vision chat endpoint. A circuit breaker sheds load when the remote API is
// failing, so a provider outage degrades extraction instead of hammering it.
type VisionEngine struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewVisionEngine configures the remote engine. timeout bounds each request.
func NewVisionEngine(baseURL, model, apiKey string, timeout time.Duration) *VisionEngine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &VisionEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "vision",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type blocksPayload struct {
	Blocks []Block `json:"blocks"`
}

func (e *VisionEngine) Extract(ctx context.Context, imagePath string) ([]Block, error) {
	img, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("extract: failed to read frame file: %w", err)
	}

	result, err := e.breaker.Execute(func() (interface{}, error) {
		return e.call(ctx, img)
	})
	if err != nil {
		return nil, err
	}
	return result.([]Block), nil
}

func (e *VisionEngine) call(ctx context.Context, img []byte) ([]Block, error) {
	reqBody := chatRequest{
		Model: e.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: visionPrompt},
				{Type: "image_url", ImageURL: &imageURL{
					URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(img),
				}},
			},
		}},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("extract: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("extract: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extract: vision request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("extract: failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("extract: vision API returned status %d: %s",
			resp.StatusCode, truncate(string(body), 200))
	}

	var cr chatResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, fmt.Errorf("extract: failed to parse response: %w", err)
	}
	if cr.Error != nil {
		return nil, fmt.Errorf("extract: vision API error: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("extract: vision API returned no choices")
	}

	return parseBlocks(cr.Choices[0].Message.Content)
}

// parseBlocks decodes the model's JSON answer, tolerating a markdown code
// fence around it.
func parseBlocks(content string) ([]Block, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var payload blocksPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, fmt.Errorf("extract: model returned unparseable blocks: %w", err)
	}
	return payload.Blocks, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

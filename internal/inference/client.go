package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config holds the inference client configuration
type Config struct {
	OllamaURL   string  // Default: http://localhost:11434
	Model       string  // Default: qwen2.5:7b
	ContextSize int     // Default: 32768
	Temperature float64 // Default: 0.2, extraction wants determinism
	Timeout     time.Duration
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		OllamaURL:   "http://localhost:11434",
		Model:       "qwen2.5:7b",
		ContextSize: 32768,
		Temperature: 0.2,
		Timeout:     5 * time.Minute,
	}
}

// Client is the language-model client backing extraction,
// summarisation and SQL generation
type Client struct {
	config     *Config
	httpClient *http.Client
}

// NewClient creates a new inference client
func NewClient(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// generateRequest is the wire request for /api/generate
type generateRequest struct {
	Model       string         `json:"model"`
	Prompt      string         `json:"prompt"`
	Stream      bool           `json:"stream"`
	Temperature float64        `json:"temperature,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
}

// generateResponse is the wire response for /api/generate
type generateResponse struct {
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"created_at"`
	Response     string    `json:"response"`
	Done         bool      `json:"done"`
	EvalCount    int       `json:"eval_count,omitempty"`
	EvalDuration int64     `json:"eval_duration,omitempty"`
}

// Result holds the final outcome of one inference call
type Result struct {
	Response     string
	TokensPerSec float64
	Latency      time.Duration
	Error        error
}

// GenerateSync performs a synchronous (non-streaming) generation
func (c *Client) GenerateSync(ctx context.Context, prompt string) (*Result, error) {
	start := time.Now()

	req := generateRequest{
		Model:       c.config.Model,
		Prompt:      prompt,
		Stream:      false,
		Temperature: c.config.Temperature,
		Options: map[string]any{
			"num_ctx": c.config.ContextSize,
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.OllamaURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	latency := time.Since(start)
	tokensPerSec := 0.0
	if genResp.EvalDuration > 0 && genResp.EvalCount > 0 {
		tokensPerSec = float64(genResp.EvalCount) / (float64(genResp.EvalDuration) / 1e9)
	}

	return &Result{
		Response:     genResp.Response,
		TokensPerSec: tokensPerSec,
		Latency:      latency,
	}, nil
}

// Generate streams generation chunks over a channel
func (c *Client) Generate(ctx context.Context, prompt string) (<-chan string, error) {
	req := generateRequest{
		Model:       c.config.Model,
		Prompt:      prompt,
		Stream:      true,
		Temperature: c.config.Temperature,
		Options: map[string]any{
			"num_ctx": c.config.ContextSize,
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.OllamaURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	chunks := make(chan string, 100)

	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			var genResp generateResponse
			if err := json.Unmarshal(scanner.Bytes(), &genResp); err != nil {
				continue
			}

			if genResp.Response != "" {
				select {
				case chunks <- genResp.Response:
				case <-ctx.Done():
					return
				}
			}

			if genResp.Done {
				return
			}
		}
	}()

	return chunks, nil
}

// ListModels lists models available on the inference host
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.config.OllamaURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}

	return names, nil
}

// CleanJSON extracts a JSON payload from a possibly markdown-wrapped
// model response. Models frequently wrap structured output in code
// fences or prefix it with commentary.
func CleanJSON(response string) string {
	response = strings.TrimSpace(response)

	if strings.HasPrefix(response, "```json") {
		response = strings.TrimPrefix(response, "```json")
	} else if strings.HasPrefix(response, "```") {
		response = strings.TrimPrefix(response, "```")
	}
	response = strings.TrimSuffix(strings.TrimSpace(response), "```")
	response = strings.TrimSpace(response)

	// Fall back to the outermost JSON value when commentary surrounds it
	if !strings.HasPrefix(response, "{") && !strings.HasPrefix(response, "[") {
		objStart := strings.Index(response, "{")
		arrStart := strings.Index(response, "[")
		start := objStart
		end := strings.LastIndex(response, "}")
		if objStart == -1 || (arrStart != -1 && arrStart < objStart) {
			start = arrStart
			end = strings.LastIndex(response, "]")
		}
		if start != -1 && end > start {
			response = response[start : end+1]
		}
	}

	return strings.TrimSpace(response)
}

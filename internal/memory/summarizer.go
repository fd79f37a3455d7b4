package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/memflow/memflow/internal/inference"
)

// LLMSummarizer implements Summarizer on top of the language model
type LLMSummarizer struct {
	llm LLM
	log *zap.Logger
}

// NewLLMSummarizer creates a model-backed summarizer
func NewLLMSummarizer(llm LLM, log *zap.Logger) *LLMSummarizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &LLMSummarizer{llm: llm, log: log}
}

// lengthBudget maps the requested length to a word budget for the prompt
func lengthBudget(length string) int {
	switch length {
	case "brief":
		return 60
	case "detailed":
		return 400
	default: // medium
		return 150
	}
}

// Summarize compresses text according to the options
func (s *LLMSummarizer) Summarize(ctx context.Context, text string, opts SummaryOptions) (*SummaryResult, error) {
	style := opts.Style
	if style == "" {
		style = "narrative"
	}

	focus := ""
	if len(opts.CustomFocus) > 0 {
		focus = "Make sure the summary covers: " + strings.Join(opts.CustomFocus, ", ") + "."
	}

	prompt := fmt.Sprintf(`Summarize the following text in a %s style, in at most %d words. %s

Text:
%s

Summary:`, style, lengthBudget(opts.Length), focus, text)

	result, err := s.llm.GenerateSync(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("summarization failed: %w", err)
	}

	summary := strings.TrimSpace(result.Response)
	if summary == "" {
		return &SummaryResult{Success: false}, nil
	}

	ratio := 0.0
	if len(text) > 0 {
		ratio = float64(len(summary)) / float64(len(text))
	}

	return &SummaryResult{
		Success:          true,
		Summary:          summary,
		WordCount:        len(strings.Fields(summary)),
		CharacterCount:   len(summary),
		QualityScore:     qualityScore(summary, ratio),
		CompressionRatio: ratio,
	}, nil
}

// ExtractKeyPoints lists up to maxPoints key points of the text
func (s *LLMSummarizer) ExtractKeyPoints(ctx context.Context, text string, maxPoints int) ([]string, error) {
	prompt := fmt.Sprintf(`List the %d most important points from the text. Return as a JSON array of strings.

Text:
%s

JSON:`, maxPoints, text)

	result, err := s.llm.GenerateSync(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("key point extraction failed: %w", err)
	}

	response := inference.CleanJSON(result.Response)

	var points []string
	if err := json.Unmarshal([]byte(response), &points); err != nil {
		return nil, fmt.Errorf("failed to parse key points: %w", err)
	}

	if len(points) > maxPoints {
		points = points[:maxPoints]
	}
	return points, nil
}

// qualityScore is a cheap proxy for summary quality: non-degenerate
// length and meaningful compression score higher
func qualityScore(summary string, ratio float64) float64 {
	score := 0.5
	words := len(strings.Fields(summary))
	if words >= 10 {
		score += 0.2
	}
	if ratio > 0 && ratio < 0.5 {
		score += 0.3
	}
	if score > 1 {
		score = 1
	}
	return score
}

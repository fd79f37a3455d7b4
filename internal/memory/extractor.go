package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/memflow/memflow/internal/inference"
)

// LLM is the slice of the inference client the memory adapters need
type LLM interface {
	GenerateSync(ctx context.Context, prompt string) (*inference.Result, error)
}

// LLMExtractor implements Extractor on top of the language model
type LLMExtractor struct {
	llm LLM
	log *zap.Logger
}

// NewLLMExtractor creates a model-backed extractor
func NewLLMExtractor(llm LLM, log *zap.Logger) *LLMExtractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &LLMExtractor{llm: llm, log: log}
}

// Extract runs schema-driven structured extraction. The model is
// asked for JSON matching the schema template exactly; anything that
// fails to parse is reported as an unsuccessful extraction, never as
// a panic or a raw error to the engine.
func (e *LLMExtractor) Extract(ctx context.Context, text string, schema Schema) (*ExtractionResult, error) {
	prompt := fmt.Sprintf(`%s

Return ONLY a JSON object exactly matching this shape:
%s

Text:
%s

JSON:`, schema.Instructions, schema.Template, text)

	result, err := e.llm.GenerateSync(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("extraction failed: %w", err)
	}

	response := inference.CleanJSON(result.Response)

	var data map[string]any
	if err := json.Unmarshal([]byte(response), &data); err != nil {
		e.log.Debug("extraction produced unparseable output",
			zap.String("schema", schema.Name), zap.Error(err))
		return &ExtractionResult{Success: false, Error: "model output was not valid JSON"}, nil
	}

	confidence := 0.8
	if c, ok := data["confidence"].(float64); ok {
		confidence = c
	}

	return &ExtractionResult{
		Success:    len(data) > 0,
		Data:       data,
		Confidence: confidence,
	}, nil
}

// ExtractEntities extracts named entities above the confidence threshold
func (e *LLMExtractor) ExtractEntities(ctx context.Context, text string, threshold float64) ([]Entity, error) {
	prompt := fmt.Sprintf(`Extract all named entities from the text. Return as JSON:
[{"name": "...", "type": "PERSON|ORGANIZATION|LOCATION|DATE|OTHER", "confidence": 0.9}]

Text:
%s

JSON:`, text)

	result, err := e.llm.GenerateSync(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("entity extraction failed: %w", err)
	}

	response := inference.CleanJSON(result.Response)

	var entities []Entity
	if err := json.Unmarshal([]byte(response), &entities); err != nil {
		return nil, fmt.Errorf("failed to parse entities: %w", err)
	}

	filtered := entities[:0]
	for _, ent := range entities {
		if ent.Confidence >= threshold {
			ent.Type = strings.ToUpper(ent.Type)
			filtered = append(filtered, ent)
		}
	}

	return filtered, nil
}

// AnalyzeSentiment judges overall sentiment of the text
func (e *LLMExtractor) AnalyzeSentiment(ctx context.Context, text string) (*Sentiment, error) {
	prompt := fmt.Sprintf(`Classify the overall sentiment of the text. Return as JSON:
{"label": "positive|negative|neutral", "score": 0.0-1.0}

Text:
%s

JSON:`, text)

	result, err := e.llm.GenerateSync(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("sentiment analysis failed: %w", err)
	}

	response := inference.CleanJSON(result.Response)

	var sentiment Sentiment
	if err := json.Unmarshal([]byte(response), &sentiment); err != nil {
		return nil, fmt.Errorf("failed to parse sentiment: %w", err)
	}

	sentiment.Label = strings.ToLower(strings.TrimSpace(sentiment.Label))
	switch sentiment.Label {
	case "positive", "negative", "neutral":
	default:
		sentiment.Label = "neutral"
	}
	if sentiment.Score < 0 {
		sentiment.Score = 0
	}
	if sentiment.Score > 1 {
		sentiment.Score = 1
	}

	return &sentiment, nil
}

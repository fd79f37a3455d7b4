// Package memory implements the typed memory engine family: one
// engine per memory kind, a shared base engine for storage and
// semantic search, and the cross-kind memory service that fans
// queries out across engines.
package memory

import (
	"context"
	"time"

	"github.com/memflow/memflow/internal/models"
)

// Table names, one per kind plus the session pair
const (
	TableFactual         = "factual_memories"
	TableEpisodic        = "episodic_memories"
	TableSemantic        = "semantic_memories"
	TableProcedural      = "procedural_memories"
	TableWorking         = "working_memories"
	TableSessionMessages = "session_messages"
	TableSessionSummary  = "session_summaries"
)

// Embedder turns text into vectors and scores text-pair similarity.
// The similarity scale is [0,1]; the metric is an adapter concern and
// engines never assume cosine.
type Embedder interface {
	// Embed creates an embedding vector for text
	Embed(ctx context.Context, text string) ([]float32, error)

	// Similarity scores two texts in [0,1]
	Similarity(ctx context.Context, a, b string) (float64, error)

	// Dimensions returns the embedding vector dimensionality
	Dimensions() int
}

// Schema describes one structured extraction request. Template is
// the exact JSON shape the model must return.
type Schema struct {
	Name         string
	Instructions string
	Template     string
}

// ExtractionResult is the outcome of a schema-driven extraction
type ExtractionResult struct {
	Success    bool           `json:"success"`
	Data       map[string]any `json:"data,omitempty"`
	Confidence float64        `json:"confidence"`
	Error      string         `json:"error,omitempty"`
}

// Entity is a named entity found in text
type Entity struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"` // PERSON, ORGANIZATION, LOCATION, DATE, OTHER
	Confidence float64 `json:"confidence"`
}

// Sentiment is an overall sentiment judgement for a text
type Sentiment struct {
	Label string  `json:"label"` // positive, negative, neutral
	Score float64 `json:"score"` // [0,1] strength of the label
}

// Extractor produces structured records, entities and sentiment from
// free-form dialog
type Extractor interface {
	// Extract runs schema-driven structured extraction
	Extract(ctx context.Context, text string, schema Schema) (*ExtractionResult, error)

	// ExtractEntities extracts named entities above the confidence threshold
	ExtractEntities(ctx context.Context, text string, threshold float64) ([]Entity, error)

	// AnalyzeSentiment judges overall sentiment of the text
	AnalyzeSentiment(ctx context.Context, text string) (*Sentiment, error)
}

// SummaryOptions parameterise a summarisation call
type SummaryOptions struct {
	Style       string   // narrative, bullet
	Length      string   // brief, medium, detailed
	CustomFocus []string // aspects the summary must cover
}

// SummaryResult is the outcome of a summarisation call
type SummaryResult struct {
	Success          bool    `json:"success"`
	Summary          string  `json:"summary"`
	WordCount        int     `json:"word_count"`
	CharacterCount   int     `json:"character_count"`
	QualityScore     float64 `json:"quality_score"`
	CompressionRatio float64 `json:"compression_ratio"`
}

// Summarizer compresses text and lists its key points
type Summarizer interface {
	// Summarize compresses text according to the options
	Summarize(ctx context.Context, text string, opts SummaryOptions) (*SummaryResult, error)

	// ExtractKeyPoints lists up to maxPoints key points of the text
	ExtractKeyPoints(ctx context.Context, text string, maxPoints int) ([]string, error)
}

// Store is the relational row store behind every engine. Complex
// fields arrive already serialised to strings; the vector column is
// an opaque blob on the way in and a reconstructable sequence on the
// way out.
type Store interface {
	// Insert writes one new row
	Insert(ctx context.Context, table string, row models.Row) error

	// Get fetches one row by id, nil when absent
	Get(ctx context.Context, table, id string) (models.Row, error)

	// Select scans rows matching the filter
	Select(ctx context.Context, table string, f models.Filter) ([]models.Row, error)

	// Update applies changes to one row by id
	Update(ctx context.Context, table, id string, changes models.Row) error

	// UpdateMany applies the same changes to every listed id in one statement
	UpdateMany(ctx context.Context, table string, ids []string, changes models.Row) error

	// Delete removes one row by id
	Delete(ctx context.Context, table, id string) error

	// DeleteExpired bulk-deletes rows whose expires_at is before now
	DeleteExpired(ctx context.Context, table, userID string, now time.Time) (int64, error)

	// Count returns the number of rows owned by userID
	Count(ctx context.Context, table, userID string) (int64, error)
}

// AccessTracker records read accesses in a metadata side store.
// Tracking is best-effort: failures never fail the read and writes
// may be reordered relative to the reads they track.
type AccessTracker interface {
	// Track records one read of memoryID
	Track(ctx context.Context, userID string, kind models.Kind, memoryID string, at time.Time) error

	// Close releases the tracker's connection
	Close() error
}

// AssociationGraph stores directed typed edges between memories
type AssociationGraph interface {
	// Add records one directed edge
	Add(ctx context.Context, assoc models.Association) error

	// Neighbors lists outgoing edges from id, strongest first
	Neighbors(ctx context.Context, id string, limit int) ([]models.Association, error)

	// Close releases the graph connection
	Close() error
}

// Config holds the tunables of the memory subsystem
type Config struct {
	// Session summarisation triggers
	SummaryTriggerCount int // candidate messages before auto-summary
	MaxSessionLength    int // candidate byte length before auto-summary
	SummaryStaleCount   int // messages since last summary before re-summary

	// Working memory
	WorkingDefaultTTL time.Duration

	// Retrieval defaults
	SimilarityThreshold float64
	TopKDefault         int

	// Semantic dedup: definition prefix length used as the concept
	// fingerprint. Heuristic, deliberately configurable.
	ConceptDedupPrefixLen int

	// Background consolidation
	ConsolidationEnabled  bool
	ConsolidationInterval time.Duration
}

// DefaultConfig returns the default memory configuration
func DefaultConfig() *Config {
	return &Config{
		SummaryTriggerCount:   10,
		MaxSessionLength:      10000,
		SummaryStaleCount:     5,
		WorkingDefaultTTL:     time.Hour,
		SimilarityThreshold:   0.7,
		TopKDefault:           10,
		ConceptDedupPrefixLen: 50,
		ConsolidationEnabled:  false,
		ConsolidationInterval: time.Hour,
	}
}

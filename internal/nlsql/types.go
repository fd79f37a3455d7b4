// Package nlsql implements the natural-language-to-SQL pipeline:
// metadata discovery over a relational source, semantic enrichment of
// the discovered schema, an embedding index over schema elements,
// query matching, LLM SQL generation with validation and repair, and
// bounded execution with a fallback ladder and feedback loop.
package nlsql

import (
	"context"
	"time"

	"github.com/memflow/memflow/internal/inference"
)

// LLM is the text-generation surface the pipeline depends on
type LLM interface {
	GenerateSync(ctx context.Context, prompt string) (*inference.Result, error)
}

// Embedder turns schema elements and queries into comparable vectors
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Similarity(ctx context.Context, a, b string) (float64, error)
	Dimensions() int
}

// TableInfo describes one discovered table
type TableInfo struct {
	TableName   string `json:"table_name"`
	RecordCount int64  `json:"record_count"`
	Comment     string `json:"comment,omitempty"`
}

// ColumnInfo describes one discovered column
type ColumnInfo struct {
	TableName        string   `json:"table_name"`
	ColumnName       string   `json:"column_name"`
	DataType         string   `json:"data_type"`
	IsNullable       bool     `json:"is_nullable"`
	Comment          string   `json:"comment,omitempty"`
	UniquePercentage *float64 `json:"unique_percentage,omitempty"`
	NullPercentage   *float64 `json:"null_percentage,omitempty"`
}

// RelationshipInfo describes one foreign-key edge between tables
type RelationshipInfo struct {
	FromTable  string `json:"from_table"`
	FromColumn string `json:"from_column"`
	ToTable    string `json:"to_table"`
	ToColumn   string `json:"to_column"`
	Type       string `json:"type"`
}

// DatabaseMetadata is the discovery output for one source
type DatabaseMetadata struct {
	SourceInfo    map[string]any              `json:"source_info"`
	Tables        []TableInfo                 `json:"tables"`
	Columns       []ColumnInfo                `json:"columns"`
	Relationships []RelationshipInfo          `json:"relationships"`
	SampleData    map[string][]map[string]any `json:"sample_data,omitempty"`
}

// ColumnsOf returns the columns belonging to one table, in discovery order
func (m *DatabaseMetadata) ColumnsOf(table string) []ColumnInfo {
	var out []ColumnInfo
	for _, c := range m.Columns {
		if c.TableName == table {
			out = append(out, c)
		}
	}
	return out
}

// HasTable reports whether table was discovered
func (m *DatabaseMetadata) HasTable(table string) bool {
	for _, t := range m.Tables {
		if t.TableName == table {
			return true
		}
	}
	return false
}

// BusinessEntity is one classified table
type BusinessEntity struct {
	Name       string  `json:"name"`
	EntityType string  `json:"entity_type"`
	Confidence float64 `json:"confidence"`
}

// DataPattern is one structural pattern found in the schema
type DataPattern struct {
	PatternType string   `json:"pattern_type"`
	Elements    []string `json:"elements"`
	Description string   `json:"description"`
}

// BusinessRule is one inferred constraint on the data
type BusinessRule struct {
	RuleType   string  `json:"rule_type"`
	Target     string  `json:"target"`
	Expression string  `json:"expression,omitempty"`
	Confidence float64 `json:"confidence"`
}

// DomainClassification scores the schema against known business domains
type DomainClassification struct {
	PrimaryDomain string             `json:"primary_domain"`
	Scores        map[string]float64 `json:"scores"`
	IsMultiDomain bool               `json:"is_multi_domain"`
}

// EnrichedMetadata is the semantic layer over raw discovery output
type EnrichedMetadata struct {
	Metadata             *DatabaseMetadata    `json:"metadata"`
	BusinessEntities     []BusinessEntity     `json:"business_entities"`
	SemanticTags         map[string][]string  `json:"semantic_tags"`
	DataPatterns         []DataPattern        `json:"data_patterns"`
	BusinessRules        []BusinessRule       `json:"business_rules"`
	DomainClassification DomainClassification `json:"domain_classification"`
	ConfidenceScores     map[string]float64   `json:"confidence_scores"`
}

// QueryContext is the parsed intent of one natural-language query
type QueryContext struct {
	BusinessIntent      string   `json:"business_intent"`
	EntitiesMentioned   []string `json:"entities_mentioned"`
	AttributesMentioned []string `json:"attributes_mentioned"`
	Operations          []string `json:"operations"`
	Aggregations        []string `json:"aggregations"`
	Filters             []string `json:"filters"`
	TemporalReferences  []string `json:"temporal_references"`
	Confidence          float64  `json:"confidence"`
}

// MetadataMatch links a query mention to a schema element
type MetadataMatch struct {
	EntityName         string   `json:"entity_name"`
	EntityType         string   `json:"entity_type"`
	MatchType          string   `json:"match_type"` // exact, partial, semantic
	SimilarityScore    float64  `json:"similarity_score"`
	RelevantAttributes []string `json:"relevant_attributes"`
	SuggestedJoins     []string `json:"suggested_joins"`
}

// QueryPlan is the structured sketch a SQL statement is generated from
type QueryPlan struct {
	PrimaryTables   []string `json:"primary_tables"`
	RequiredJoins   []string `json:"required_joins"`
	SelectColumns   []string `json:"select_columns"`
	WhereConditions []string `json:"where_conditions"`
	Aggregations    []string `json:"aggregations"`
	OrderBy         []string `json:"order_by"`
	Confidence      float64  `json:"confidence"`
}

// SQLGenResult is the generator output handed to the executor
type SQLGenResult struct {
	SQL         string     `json:"sql"`
	Confidence  float64    `json:"confidence"`
	Explanation string     `json:"explanation,omitempty"`
	Repairs     []string   `json:"repairs,omitempty"`
	Plan        *QueryPlan `json:"plan,omitempty"`
}

// ExecutionResult is the outcome of one SQL execution
type ExecutionResult struct {
	Success         bool             `json:"success"`
	SQL             string           `json:"sql"`
	Rows            []map[string]any `json:"rows,omitempty"`
	RowCount        int              `json:"row_count"`
	Truncated       bool             `json:"truncated"`
	Warnings        []string         `json:"warnings,omitempty"`
	Error           string           `json:"error,omitempty"`
	ExecutionTimeMS int64            `json:"execution_time_ms"`
	Strategy        string           `json:"strategy"` // primary or the winning fallback
}

// FallbackAttempt records one rung of the fallback ladder
type FallbackAttempt struct {
	AttemptNumber   int    `json:"attempt_number"`
	Strategy        string `json:"strategy"`
	SQLAttempted    string `json:"sql_attempted"`
	Success         bool   `json:"success"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
}

// FeedbackRecord is one execution outcome kept for learning
type FeedbackRecord struct {
	Timestamp       time.Time `json:"timestamp"`
	OriginalQuery   string    `json:"original_query"`
	GeneratedSQL    string    `json:"generated_sql"`
	LLMConfidence   float64   `json:"llm_confidence"`
	Success         bool      `json:"success"`
	ExecutionTimeMS int64     `json:"execution_time_ms"`
	RowCount        int       `json:"row_count"`
	Error           string    `json:"error,omitempty"`
	FeedbackType    string    `json:"feedback_type"`
}

// Insights aggregates the feedback buffer
type Insights struct {
	Total              int              `json:"total"`
	SuccessRate        float64          `json:"success_rate"`
	TopFailures        []FailurePattern `json:"top_failures"`
	ConfidenceGap      float64          `json:"confidence_gap"`
	AvgExecutionTimeMS float64          `json:"avg_execution_time_ms"`
	RecentTrend        string           `json:"recent_trend"` // improving, stable, declining, insufficient_data
}

// FailurePattern is one recurring failure signature
type FailurePattern struct {
	Pattern string `json:"pattern"`
	Count   int    `json:"count"`
}

// Config holds the pipeline tunables
type Config struct {
	MaxExecutionTime time.Duration // primary SQL bound
	MaxRows          int           // result row cap
	FeedbackCapacity int           // ring buffer size
	SampleRows       int           // sample rows per table during discovery
}

// DefaultConfig returns the default pipeline configuration
func DefaultConfig() *Config {
	return &Config{
		MaxExecutionTime: 30 * time.Second,
		MaxRows:          10000,
		FeedbackCapacity: 1000,
		SampleRows:       3,
	}
}

package nlsql

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/memflow/memflow/internal/inference"
)

// queryContextPrompt asks the model to parse a query into intent
const queryContextPrompt = `Analyze this database query and return ONLY a JSON object:

Query: %s

{
  "business_intent": "one sentence",
  "entities_mentioned": ["..."],
  "attributes_mentioned": ["..."],
  "operations": ["select|count|sum|average|max|min"],
  "aggregations": ["..."],
  "filters": ["..."],
  "temporal_references": ["..."],
  "confidence": 0.8
}`

// aggregationWords maps query vocabulary to SQL aggregations
var aggregationWords = map[string]string{
	"count":    "COUNT",
	"how many": "COUNT",
	"total":    "SUM",
	"sum":      "SUM",
	"average":  "AVG",
	"avg":      "AVG",
	"mean":     "AVG",
	"maximum":  "MAX",
	"max":      "MAX",
	"highest":  "MAX",
	"minimum":  "MIN",
	"min":      "MIN",
	"lowest":   "MIN",
}

// temporalWords flag time-scoped queries
var temporalWords = []string{
	"today", "yesterday", "week", "month", "year", "quarter",
	"recent", "last", "latest", "since", "before", "after",
}

// Matcher maps a natural-language query onto the enriched schema:
// parsed intent, per-element matches and a structured query plan
type Matcher struct {
	llm   LLM
	index *EmbeddingIndex
	log   *zap.Logger
}

// NewMatcher creates a query matcher over the embedding index
func NewMatcher(llm LLM, index *EmbeddingIndex, log *zap.Logger) *Matcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Matcher{llm: llm, index: index, log: log}
}

// Match runs the full matching step: intent parse, schema matching
// and plan construction
func (m *Matcher) Match(ctx context.Context, query string, enriched *EnrichedMetadata) (*QueryContext, []MetadataMatch, *QueryPlan, error) {
	qc := m.parseQuery(ctx, query)

	matches, err := m.matchSchema(ctx, query, qc, enriched)
	if err != nil {
		return qc, nil, nil, err
	}
	if len(matches) == 0 {
		return qc, matches, nil, fmt.Errorf("no schema elements match the query")
	}

	plan := m.buildPlan(qc, matches, enriched)
	return qc, matches, plan, nil
}

// parseQuery extracts intent via the model, falling back to keyword
// heuristics when the model is unavailable or returns junk
func (m *Matcher) parseQuery(ctx context.Context, query string) *QueryContext {
	result, err := m.llm.GenerateSync(ctx, fmt.Sprintf(queryContextPrompt, query))
	if err == nil {
		cleaned := inference.CleanJSON(result.Response)
		var qc QueryContext
		if jsonErr := json.Unmarshal([]byte(cleaned), &qc); jsonErr == nil && qc.BusinessIntent != "" {
			if qc.Confidence <= 0 {
				qc.Confidence = 0.5
			}
			return &qc
		}
	} else {
		m.log.Warn("query intent parse unavailable", zap.Error(err))
	}
	return heuristicContext(query)
}

// heuristicContext is the no-model intent parse
func heuristicContext(query string) *QueryContext {
	lower := strings.ToLower(query)
	qc := &QueryContext{
		BusinessIntent: query,
		Operations:     []string{"select"},
		Confidence:     0.3,
	}

	for word, agg := range aggregationWords {
		if strings.Contains(lower, word) {
			qc.Aggregations = appendUnique(qc.Aggregations, agg)
		}
	}
	if len(qc.Aggregations) > 0 {
		qc.Operations = append(qc.Operations, "aggregate")
	}
	for _, word := range temporalWords {
		if strings.Contains(lower, word) {
			qc.TemporalReferences = append(qc.TemporalReferences, word)
		}
	}
	return qc
}

// matchSchema combines lexical and embedding matches over tables
func (m *Matcher) matchSchema(ctx context.Context, query string, qc *QueryContext, enriched *EnrichedMetadata) ([]MetadataMatch, error) {
	lower := strings.ToLower(query)
	words := map[string]bool{}
	for _, w := range strings.Fields(lower) {
		words[strings.Trim(w, ".,!?;:'\"")] = true
	}

	semantic := map[string]float64{}
	if m.index != nil {
		hits, err := m.index.Search(ctx, query, 20)
		if err != nil {
			m.log.Warn("embedding match failed", zap.Error(err))
		}
		for _, hit := range hits {
			if hit.Element.ElementType != "table" {
				continue
			}
			if hit.Similarity > semantic[hit.Element.Name] {
				semantic[hit.Element.Name] = hit.Similarity
			}
		}
	}

	var matches []MetadataMatch
	for _, t := range enriched.Metadata.Tables {
		name := strings.ToLower(t.TableName)

		matchType := ""
		score := 0.0
		switch {
		case strings.Contains(lower, name):
			matchType, score = "exact", 1.0
		case lexicalOverlap(name, words):
			matchType, score = "partial", 0.7
		case semantic[t.TableName] >= 0.5:
			matchType, score = "semantic", semantic[t.TableName]
		default:
			continue
		}

		entityType := "entity"
		for _, e := range enriched.BusinessEntities {
			if e.Name == t.TableName {
				entityType = e.EntityType
				break
			}
		}

		matches = append(matches, MetadataMatch{
			EntityName:         t.TableName,
			EntityType:         entityType,
			MatchType:          matchType,
			SimilarityScore:    score,
			RelevantAttributes: relevantColumns(t.TableName, words, enriched.Metadata),
			SuggestedJoins:     suggestedJoins(t.TableName, enriched.Metadata),
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].SimilarityScore > matches[j].SimilarityScore
	})
	return matches, nil
}

// lexicalOverlap checks whether any query word overlaps the table
// name in either direction
func lexicalOverlap(table string, words map[string]bool) bool {
	for _, part := range strings.Split(table, "_") {
		if len(part) < 3 {
			continue
		}
		for word := range words {
			if len(word) < 3 {
				continue
			}
			if strings.Contains(word, part) || strings.Contains(part, word) {
				return true
			}
		}
	}
	return false
}

// relevantColumns picks the table's columns named in the query
func relevantColumns(table string, words map[string]bool, meta *DatabaseMetadata) []string {
	var out []string
	for _, c := range meta.ColumnsOf(table) {
		name := strings.ToLower(c.ColumnName)
		for _, part := range strings.Split(name, "_") {
			if len(part) >= 3 && words[part] {
				out = append(out, c.ColumnName)
				break
			}
		}
	}
	return out
}

// suggestedJoins renders the join clauses available from table's FKs
func suggestedJoins(table string, meta *DatabaseMetadata) []string {
	var out []string
	for _, r := range meta.Relationships {
		if r.FromTable == table {
			out = append(out, fmt.Sprintf("JOIN %s ON %s.%s = %s.%s",
				r.ToTable, r.FromTable, r.FromColumn, r.ToTable, r.ToColumn))
		}
	}
	return out
}

// buildPlan assembles the structured query sketch from the matches
func (m *Matcher) buildPlan(qc *QueryContext, matches []MetadataMatch, enriched *EnrichedMetadata) *QueryPlan {
	plan := &QueryPlan{
		Aggregations: qc.Aggregations,
	}

	limit := 2
	if len(matches) < limit {
		limit = len(matches)
	}
	for _, match := range matches[:limit] {
		plan.PrimaryTables = append(plan.PrimaryTables, match.EntityName)
		plan.SelectColumns = append(plan.SelectColumns, match.RelevantAttributes...)
	}

	// Joins only between tables that are both in the plan
	inPlan := map[string]bool{}
	for _, t := range plan.PrimaryTables {
		inPlan[t] = true
	}
	for _, r := range enriched.Metadata.Relationships {
		if inPlan[r.FromTable] && inPlan[r.ToTable] {
			plan.RequiredJoins = append(plan.RequiredJoins, fmt.Sprintf("JOIN %s ON %s.%s = %s.%s",
				r.ToTable, r.FromTable, r.FromColumn, r.ToTable, r.ToColumn))
		}
	}

	plan.WhereConditions = qc.Filters
	if len(qc.TemporalReferences) > 0 {
		plan.OrderBy = append(plan.OrderBy, "created_at DESC")
	}

	// Plan confidence blends intent and match confidence
	matchScore := 0.0
	if len(matches) > 0 {
		matchScore = matches[0].SimilarityScore
	}
	plan.Confidence = (qc.Confidence + matchScore) / 2

	return plan
}

// appendUnique appends s if absent
func appendUnique(list []string, s string) []string {
	for _, item := range list {
		if item == s {
			return list
		}
	}
	return append(list, s)
}

package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/memflow/memflow/internal/models"
)

// semanticSchema is the extraction schema for semantic memories
var semanticSchema = Schema{
	Name: "semantic",
	Instructions: `Extract the general concepts, definitions and knowledge expressed in
the dialog, independent of the specific episode.`,
	Template: `{
  "concepts": [{"concept_type": "...", "definition": "...", "properties": {}, "abstraction_level": "concrete|medium|abstract", "category": "...", "related_concepts": ["..."], "importance_score": 0.5}]
}`,
}

// SemanticEngine manages concept memories. Dedup is heuristic: the
// fingerprint is (user_id, concept_type, definition prefix), with the
// prefix length taken from configuration.
type SemanticEngine struct {
	baseEngine
	extractor Extractor
}

// NewSemanticEngine creates the semantic memory engine
func NewSemanticEngine(store Store, embedder Embedder, extractor Extractor, tracker AccessTracker, graph AssociationGraph, cfg *Config, log *zap.Logger) *SemanticEngine {
	e := &SemanticEngine{extractor: extractor}
	e.baseEngine = newBaseEngine(models.KindSemantic, TableSemantic, store, embedder, tracker, graph, e, cfg, log)
	return e
}

// encode maps a semantic record to its storage row
func (e *SemanticEngine) encode(rec *models.Memory) models.Row {
	row := e.encodeEnvelope(rec)
	f := rec.Semantic
	if f == nil {
		f = &models.SemanticFields{}
	}
	row["concept_type"] = f.ConceptType
	row["definition"] = f.Definition
	row["properties"] = marshalField(f.Properties)
	row["abstraction_level"] = f.AbstractionLevel
	row["category"] = f.Category
	row["related_concepts"] = marshalField(f.RelatedConcepts)
	return row
}

// decode reconstructs a semantic record from its storage row
func (e *SemanticEngine) decode(row models.Row) (*models.Memory, error) {
	rec := e.decodeEnvelope(row)
	rec.Semantic = &models.SemanticFields{
		ConceptType:      rowString(row, "concept_type"),
		Definition:       rowString(row, "definition"),
		Properties:       unmarshalMap(rowString(row, "properties")),
		AbstractionLevel: rowString(row, "abstraction_level"),
		Category:         rowString(row, "category"),
		RelatedConcepts:  unmarshalStrings(rowString(row, "related_concepts")),
	}
	return rec, nil
}

// extractedConcept is one normalised concept from the extraction result
type extractedConcept struct {
	conceptType      string
	definition       string
	properties       map[string]any
	abstractionLevel string
	category         string
	relatedConcepts  []string
	importance       float64
}

// StoreFromDialog extracts concepts from dialog, deduplicating each
// against the definition-prefix fingerprint
func (e *SemanticEngine) StoreFromDialog(ctx context.Context, userID, dialog string, importance float64) models.OpResult {
	const op = "store_semantic_memory"

	raw, err := e.extractor.Extract(ctx, dialog, semanticSchema)
	if err != nil {
		e.log.Warn("concept extraction unavailable",
			zap.String("operation", op), zap.String("user_id", userID), zap.Error(err))
		return models.Failure(op, fmt.Sprintf("extraction failed: %v", err))
	}
	if !raw.Success {
		return models.Failure(op, "extraction produced no structured data")
	}

	concepts := normalizeConcepts(raw.Data)
	if len(concepts) == 0 {
		return models.Failure(op, "no concepts found in dialog")
	}

	stored := make([]string, 0, len(concepts))
	merged := 0
	for _, concept := range concepts {
		existing := e.findExistingConcept(ctx, userID, concept)
		if existing != nil {
			if res := e.merge(ctx, existing, concept); res.Success {
				stored = append(stored, existing.ID)
				merged++
			}
			continue
		}

		imp := concept.importance
		if imp <= 0 {
			imp = importance
		}
		if imp <= 0 {
			imp = 0.5
		}
		rec := &models.Memory{
			UserID:     userID,
			Kind:       models.KindSemantic,
			Content:    conceptContent(concept.conceptType, concept.definition, concept.properties),
			Importance: imp,
			Confidence: raw.Confidence,
			Semantic: &models.SemanticFields{
				ConceptType:      concept.conceptType,
				Definition:       concept.definition,
				Properties:       concept.properties,
				AbstractionLevel: concept.abstractionLevel,
				Category:         concept.category,
				RelatedConcepts:  concept.relatedConcepts,
			},
		}
		if res := e.baseEngine.Store(ctx, rec); res.Success {
			stored = append(stored, rec.ID)
		}
	}

	if len(stored) == 0 {
		return models.Failure(op, "no concepts could be stored")
	}

	return models.OpResult{
		Success:   true,
		Operation: op,
		MemoryID:  stored[0],
		Message:   fmt.Sprintf("stored %d concepts (%d merged)", len(stored), merged),
		Data:      map[string]any{"memory_ids": stored, "merged": merged},
	}
}

// normalizeConcepts validates extracted concepts and normalises the
// abstraction level into {concrete, medium, abstract}
func normalizeConcepts(data map[string]any) []extractedConcept {
	items, ok := data["concepts"].([]any)
	if !ok {
		return nil
	}

	var out []extractedConcept
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		concept := extractedConcept{
			conceptType:     strings.ToLower(strings.TrimSpace(rowString(m, "concept_type"))),
			definition:      strings.TrimSpace(rowString(m, "definition")),
			category:        strings.TrimSpace(rowString(m, "category")),
			relatedConcepts: anyStrings(m["related_concepts"]),
			importance:      clamp(rowFloat(m, "importance_score"), 0, 1),
		}
		if props, ok := m["properties"].(map[string]any); ok {
			concept.properties = props
		}
		if concept.conceptType == "" || concept.definition == "" {
			continue
		}

		switch strings.ToLower(strings.TrimSpace(rowString(m, "abstraction_level"))) {
		case "concrete":
			concept.abstractionLevel = "concrete"
		case "abstract":
			concept.abstractionLevel = "abstract"
		default:
			concept.abstractionLevel = "medium"
		}

		out = append(out, concept)
	}
	return out
}

// conceptContent renders the canonical content form
func conceptContent(conceptType, definition string, properties map[string]any) string {
	content := fmt.Sprintf("%s: %s", conceptType, definition)
	if len(properties) > 0 {
		keys := make([]string, 0, len(properties))
		for k := range properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		content += fmt.Sprintf(" (%s)", strings.Join(keys, ", "))
	}
	return content
}

// findExistingConcept looks up the concept with the same fingerprint:
// same concept type and matching definition prefix
func (e *SemanticEngine) findExistingConcept(ctx context.Context, userID string, concept extractedConcept) *models.Memory {
	rows, err := e.store.Select(ctx, e.table, models.Filter{
		UserID: userID,
		Equals: map[string]any{"concept_type": concept.conceptType},
	})
	if err != nil {
		return nil
	}

	prefix := definitionPrefix(concept.definition, e.cfg.ConceptDedupPrefixLen)
	for _, row := range rows {
		rec, err := e.decode(row)
		if err != nil {
			continue
		}
		if definitionPrefix(rec.Semantic.Definition, e.cfg.ConceptDedupPrefixLen) == prefix {
			return rec
		}
	}
	return nil
}

// definitionPrefix truncates a definition to the fingerprint length
func definitionPrefix(definition string, n int) string {
	definition = strings.ToLower(strings.TrimSpace(definition))
	if len(definition) > n {
		return definition[:n]
	}
	return definition
}

// merge folds a duplicate concept into the existing record:
// field-wise property union, related-concept list union, max of
// importance, regenerated canonical content, incremented access count
func (e *SemanticEngine) merge(ctx context.Context, existing *models.Memory, concept extractedConcept) models.OpResult {
	f := existing.Semantic

	props := f.Properties
	if props == nil {
		props = map[string]any{}
	}
	for k, v := range concept.properties {
		if _, ok := props[k]; !ok {
			props[k] = v
		}
	}

	related := f.RelatedConcepts
	have := make(map[string]bool, len(related))
	for _, r := range related {
		have[strings.ToLower(r)] = true
	}
	for _, r := range concept.relatedConcepts {
		if !have[strings.ToLower(r)] {
			have[strings.ToLower(r)] = true
			related = append(related, r)
		}
	}

	importance := existing.Importance
	if concept.importance > importance {
		importance = concept.importance
	}

	changes := models.Row{
		"properties":       marshalField(props),
		"related_concepts": marshalField(related),
		"importance":       importance,
		"content":          conceptContent(f.ConceptType, f.Definition, props),
		"access_count":     existing.AccessCount + 1,
	}
	return e.baseEngine.Update(ctx, existing.ID, changes)
}

// SearchByCategory returns concepts in one category
func (e *SemanticEngine) SearchByCategory(ctx context.Context, userID, category string, limit int) ([]*models.Memory, error) {
	return e.selectWhere(ctx, userID, map[string]any{"category": category}, limit)
}

// SearchByAbstractionLevel returns concepts at one abstraction level
func (e *SemanticEngine) SearchByAbstractionLevel(ctx context.Context, userID, level string, limit int) ([]*models.Memory, error) {
	return e.selectWhere(ctx, userID, map[string]any{"abstraction_level": strings.ToLower(level)}, limit)
}

// SearchByConceptType returns concepts of one concept type
func (e *SemanticEngine) SearchByConceptType(ctx context.Context, userID, conceptType string, limit int) ([]*models.Memory, error) {
	return e.selectWhere(ctx, userID, map[string]any{"concept_type": strings.ToLower(conceptType)}, limit)
}

// selectWhere is the shared row-filter search used by the typed lookups
func (e *SemanticEngine) selectWhere(ctx context.Context, userID string, equals map[string]any, limit int) ([]*models.Memory, error) {
	rows, err := e.store.Select(ctx, e.table, models.Filter{
		UserID: userID,
		Equals: equals,
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*models.Memory, 0, len(rows))
	for _, row := range rows {
		rec, err := e.decode(row)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

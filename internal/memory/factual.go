package memory

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/memflow/memflow/internal/models"
)

// factualSchema is the extraction schema for factual memories
var factualSchema = Schema{
	Name: "factual",
	Instructions: `Extract all factual statements about the user from the dialog.
Each fact is a subject-predicate-object triple with an optional free-text context note.`,
	Template: `{
  "facts": [{"fact_type": "personal_info", "subject": "user", "predicate": "works_at", "object_value": "...", "context": "", "confidence": 0.9}],
  "source": "conversation",
  "domain": "general"
}`,
}

// factVerbs are split points for the fallback fact synthesis
var factVerbs = []string{" is ", " are ", " was ", " were ", " has ", " have ", " works ", " work ", " likes ", " like ", " lives ", " live "}

// FactualEngine manages subject-predicate-object memories with
// structural dedup: at most one record per
// (user_id, fact_type, subject, predicate)
type FactualEngine struct {
	baseEngine
	extractor Extractor
}

// NewFactualEngine creates the factual memory engine
func NewFactualEngine(store Store, embedder Embedder, extractor Extractor, tracker AccessTracker, graph AssociationGraph, cfg *Config, log *zap.Logger) *FactualEngine {
	e := &FactualEngine{extractor: extractor}
	e.baseEngine = newBaseEngine(models.KindFactual, TableFactual, store, embedder, tracker, graph, e, cfg, log)
	return e
}

// encode maps a factual record to its storage row
func (e *FactualEngine) encode(rec *models.Memory) models.Row {
	row := e.encodeEnvelope(rec)
	f := rec.Factual
	if f == nil {
		f = &models.FactualFields{}
	}
	row["fact_type"] = f.FactType
	row["subject"] = f.Subject
	row["predicate"] = f.Predicate
	row["object_value"] = f.ObjectValue
	row["source"] = f.Source
	row["verification_status"] = f.VerificationStatus
	row["related_facts"] = marshalField(f.RelatedFacts)
	return row
}

// decode reconstructs a factual record from its storage row
func (e *FactualEngine) decode(row models.Row) (*models.Memory, error) {
	rec := e.decodeEnvelope(row)
	rec.Factual = &models.FactualFields{
		FactType:           rowString(row, "fact_type"),
		Subject:            rowString(row, "subject"),
		Predicate:          rowString(row, "predicate"),
		ObjectValue:        rowString(row, "object_value"),
		Source:             rowString(row, "source"),
		VerificationStatus: rowString(row, "verification_status"),
		RelatedFacts:       unmarshalStrings(rowString(row, "related_facts")),
	}
	return rec, nil
}

// extractedFact is one normalised fact from the extraction result
type extractedFact struct {
	factType    string
	subject     string
	predicate   string
	objectValue string
	notes       string
	confidence  float64
	source      string
	domain      string
}

// StoreFromDialog extracts facts from dialog and merges or inserts
// each against the structural fingerprint
func (e *FactualEngine) StoreFromDialog(ctx context.Context, userID, dialog string, importance float64) models.OpResult {
	const op = "store_factual_memory"

	raw, err := e.extractor.Extract(ctx, dialog, factualSchema)
	if err != nil {
		e.log.Warn("fact extraction unavailable",
			zap.String("operation", op), zap.String("user_id", userID), zap.Error(err))
		return models.Failure(op, fmt.Sprintf("extraction failed: %v", err))
	}
	if !raw.Success {
		return models.Failure(op, "extraction produced no structured data")
	}

	facts := e.normalize(raw.Data, dialog)
	if len(facts) == 0 {
		return models.Failure(op, "no facts found in dialog")
	}

	if importance <= 0 {
		importance = 0.5
	}

	stored := make([]string, 0, len(facts))
	merged := 0
	for _, fact := range facts {
		existing := e.findMatching(ctx, userID, fact)
		if existing != nil {
			if res := e.merge(ctx, existing, fact); res.Success {
				stored = append(stored, existing.ID)
				merged++
				// the merged content changed, so its neighborhood may have too
				e.associate(ctx, existing)
			}
			continue
		}

		rec := e.buildRecord(userID, fact, importance)
		if res := e.baseEngine.Store(ctx, rec); res.Success {
			stored = append(stored, rec.ID)
			e.associate(ctx, rec)
		}
	}

	if len(stored) == 0 {
		return models.Failure(op, "no facts could be stored")
	}

	return models.OpResult{
		Success:   true,
		Operation: op,
		MemoryID:  stored[0],
		Message:   fmt.Sprintf("stored %d facts (%d merged)", len(stored), merged),
		Data:      map[string]any{"memory_ids": stored, "merged": merged},
	}
}

// normalize validates extracted facts: lower-cases the enum-ish
// strings, drops incomplete triples, clamps confidence, and falls
// back to at most two verb-split basic facts when the model returned
// none
func (e *FactualEngine) normalize(data map[string]any, dialog string) []extractedFact {
	source := strings.ToLower(rowString(data, "source"))
	domain := strings.ToLower(rowString(data, "domain"))

	var out []extractedFact
	if items, ok := data["facts"].([]any); ok {
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			fact := extractedFact{
				factType:    strings.ToLower(strings.TrimSpace(rowString(m, "fact_type"))),
				subject:     strings.TrimSpace(rowString(m, "subject")),
				predicate:   strings.TrimSpace(rowString(m, "predicate")),
				objectValue: strings.TrimSpace(rowString(m, "object_value")),
				notes:       strings.TrimSpace(rowString(m, "context")),
				confidence:  clamp(rowFloat(m, "confidence"), 0, 1),
				source:      source,
				domain:      domain,
			}
			if fact.subject == "" || fact.predicate == "" || fact.objectValue == "" {
				continue
			}
			if fact.factType == "" {
				fact.factType = "general"
			}
			out = append(out, fact)
		}
	}

	if len(out) == 0 {
		out = basicFacts(dialog)
	}
	return out
}

// basicFacts synthesises up to two facts by splitting sentences on
// common verbs. Last-resort fallback when extraction found nothing.
func basicFacts(dialog string) []extractedFact {
	var out []extractedFact
	for _, sentence := range strings.FieldsFunc(dialog, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	}) {
		if len(out) >= 2 {
			break
		}
		lower := " " + strings.ToLower(strings.TrimSpace(sentence)) + " "
		for _, verb := range factVerbs {
			idx := strings.Index(lower, verb)
			if idx <= 0 {
				continue
			}
			subject := strings.TrimSpace(lower[:idx])
			object := strings.TrimSpace(lower[idx+len(verb):])
			if subject == "" || object == "" {
				break
			}
			out = append(out, extractedFact{
				factType:    "basic",
				subject:     subject,
				predicate:   strings.TrimSpace(verb),
				objectValue: object,
				confidence:  0.3,
				source:      "verb_split",
			})
			break
		}
	}
	return out
}

// factContent renders the canonical content form
func factContent(subject, predicate, objectValue, notes string) string {
	content := fmt.Sprintf("%s %s %s", subject, predicate, objectValue)
	if notes != "" {
		content += fmt.Sprintf(" (%s)", notes)
	}
	return content
}

// buildRecord materialises a new factual record
func (e *FactualEngine) buildRecord(userID string, fact extractedFact, importance float64) *models.Memory {
	rec := &models.Memory{
		UserID:     userID,
		Kind:       models.KindFactual,
		Content:    factContent(fact.subject, fact.predicate, fact.objectValue, fact.notes),
		Importance: importance,
		Confidence: fact.confidence,
		Factual: &models.FactualFields{
			FactType:           fact.factType,
			Subject:            fact.subject,
			Predicate:          fact.predicate,
			ObjectValue:        fact.objectValue,
			Source:             fact.source,
			VerificationStatus: "unverified",
		},
	}
	if fact.notes != "" {
		rec.Context = map[string]any{"notes": fact.notes}
	}
	if fact.domain != "" {
		if rec.Context == nil {
			rec.Context = map[string]any{}
		}
		rec.Context["domain"] = fact.domain
	}
	return rec
}

// findMatching looks up the record with the same structural
// fingerprint (user_id, fact_type, subject, predicate)
func (e *FactualEngine) findMatching(ctx context.Context, userID string, fact extractedFact) *models.Memory {
	rows, err := e.store.Select(ctx, e.table, models.Filter{
		UserID: userID,
		Equals: map[string]any{
			"fact_type": fact.factType,
			"subject":   fact.subject,
			"predicate": fact.predicate,
		},
		Limit: 1,
	})
	if err != nil || len(rows) == 0 {
		return nil
	}
	rec, err := e.decode(rows[0])
	if err != nil {
		return nil
	}
	return rec
}

// merge updates an existing fact in place: new object value, +0.1
// confidence capped at 1.0, related-fact union, appended context
// notes, regenerated canonical content and embedding. On success the
// passed record reflects the merged state.
func (e *FactualEngine) merge(ctx context.Context, existing *models.Memory, fact extractedFact) models.OpResult {
	f := existing.Factual

	notes := ""
	if existing.Context != nil {
		notes, _ = existing.Context["notes"].(string)
	}
	if fact.notes != "" && fact.notes != notes {
		if notes != "" {
			notes = notes + "; " + fact.notes
		} else {
			notes = fact.notes
		}
	}

	newContext := existing.Context
	if notes != "" {
		if newContext == nil {
			newContext = map[string]any{}
		}
		newContext["notes"] = notes
	}

	content := factContent(f.Subject, f.Predicate, fact.objectValue, notes)

	changes := models.Row{
		"object_value": fact.objectValue,
		"confidence":   clamp(existing.Confidence+0.1, 0, 1),
		"content":      content,
		"context":      marshalField(newContext),
	}
	res := e.baseEngine.Update(ctx, existing.ID, changes)
	if res.Success {
		f.ObjectValue = fact.objectValue
		existing.Confidence = clamp(existing.Confidence+0.1, 0, 1)
		existing.Content = content
		existing.Context = newContext
	}
	return res
}

// associate links a new fact to its top-5 semantically nearest
// neighbors with directed semantic_similarity edges. Best-effort.
func (e *FactualEngine) associate(ctx context.Context, rec *models.Memory) {
	if e.graph == nil {
		return
	}
	hits, err := e.Search(ctx, models.SearchQuery{
		UserID:    rec.UserID,
		Text:      rec.Content,
		TopK:      6, // the record itself will rank first
		Threshold: 0,
	})
	if err != nil {
		return
	}
	added := 0
	for _, hit := range hits {
		if hit.Memory.ID == rec.ID || added >= 5 {
			continue
		}
		assoc := models.Association{
			FromID:   rec.ID,
			ToID:     hit.Memory.ID,
			Type:     "semantic_similarity",
			Strength: hit.Similarity,
		}
		if err := e.graph.Add(ctx, assoc); err != nil {
			e.log.Debug("association write failed",
				zap.String("memory_id", rec.ID), zap.Error(err))
			continue
		}
		added++
	}
}

// SearchBySubject returns facts whose subject matches exactly
func (e *FactualEngine) SearchBySubject(ctx context.Context, userID, subject string, limit int) ([]*models.Memory, error) {
	return e.selectWhere(ctx, userID, map[string]any{"subject": subject}, limit)
}

// SearchByFactType returns facts of one fact type
func (e *FactualEngine) SearchByFactType(ctx context.Context, userID, factType string, limit int) ([]*models.Memory, error) {
	return e.selectWhere(ctx, userID, map[string]any{"fact_type": strings.ToLower(factType)}, limit)
}

// SearchBySource returns facts from one source
func (e *FactualEngine) SearchBySource(ctx context.Context, userID, source string, limit int) ([]*models.Memory, error) {
	return e.selectWhere(ctx, userID, map[string]any{"source": strings.ToLower(source)}, limit)
}

// SearchByVerification returns facts with one verification status
func (e *FactualEngine) SearchByVerification(ctx context.Context, userID, status string, limit int) ([]*models.Memory, error) {
	return e.selectWhere(ctx, userID, map[string]any{"verification_status": status}, limit)
}

// SearchByConfidence returns facts at or above a confidence floor
func (e *FactualEngine) SearchByConfidence(ctx context.Context, userID string, minConfidence float64, limit int) ([]*models.Memory, error) {
	rows, err := e.store.Select(ctx, e.table, models.Filter{
		UserID:        userID,
		MinConfidence: minConfidence,
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}
	return e.decodeAll(rows)
}

// Verify marks a fact's verification status
func (e *FactualEngine) Verify(ctx context.Context, id, status string) models.OpResult {
	return e.baseEngine.Update(ctx, id, models.Row{"verification_status": status})
}

// selectWhere is the shared row-filter search used by the typed lookups
func (e *FactualEngine) selectWhere(ctx context.Context, userID string, equals map[string]any, limit int) ([]*models.Memory, error) {
	rows, err := e.store.Select(ctx, e.table, models.Filter{
		UserID: userID,
		Equals: equals,
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}
	return e.decodeAll(rows)
}

// decodeAll decodes a row batch, skipping undecodable rows
func (e *FactualEngine) decodeAll(rows []models.Row) ([]*models.Memory, error) {
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

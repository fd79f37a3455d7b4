package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memflow/memflow/internal/models"
)

// rowCodec maps between the typed record and its flat storage row.
// Each typed engine supplies its own codec for the kind-specific
// columns; the envelope columns are shared.
type rowCodec interface {
	encode(rec *models.Memory) models.Row
	decode(row models.Row) (*models.Memory, error)
}

// baseEngine carries the store/search/update/delete protocol shared
// by all six typed engines
type baseEngine struct {
	kind     models.Kind
	table    string
	store    Store
	embedder Embedder
	tracker  AccessTracker
	graph    AssociationGraph
	codec    rowCodec
	cfg      *Config
	log      *zap.Logger
}

func newBaseEngine(kind models.Kind, table string, store Store, embedder Embedder, tracker AccessTracker, graph AssociationGraph, codec rowCodec, cfg *Config, log *zap.Logger) baseEngine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return baseEngine{
		kind:     kind,
		table:    table,
		store:    store,
		embedder: embedder,
		tracker:  tracker,
		graph:    graph,
		codec:    codec,
		cfg:      cfg,
		log:      log.With(zap.String("kind", string(kind))),
	}
}

// encodeEnvelope fills the columns shared by every kind
func (b *baseEngine) encodeEnvelope(rec *models.Memory) models.Row {
	row := models.Row{
		"id":           rec.ID,
		"user_id":      rec.UserID,
		"kind":         string(rec.Kind),
		"content":      rec.Content,
		"embedding":    rec.Embedding,
		"importance":   rec.Importance,
		"confidence":   rec.Confidence,
		"access_count": rec.AccessCount,
		"created_at":   rec.CreatedAt,
		"updated_at":   rec.UpdatedAt,
		"context":      marshalField(rec.Context),
		"tags":         marshalField(rec.Tags),
	}
	if rec.LastAccess != nil {
		row["last_accessed_at"] = *rec.LastAccess
	} else {
		row["last_accessed_at"] = nil
	}
	return row
}

// decodeEnvelope reads the shared columns back into a record
func (b *baseEngine) decodeEnvelope(row models.Row) *models.Memory {
	return &models.Memory{
		ID:          rowString(row, "id"),
		UserID:      rowString(row, "user_id"),
		Kind:        models.Kind(rowString(row, "kind")),
		Content:     rowString(row, "content"),
		Embedding:   rowVector(row, "embedding"),
		Importance:  rowFloat(row, "importance"),
		Confidence:  rowFloat(row, "confidence"),
		AccessCount: rowInt(row, "access_count"),
		CreatedAt:   rowTime(row, "created_at"),
		UpdatedAt:   rowTime(row, "updated_at"),
		LastAccess:  rowTimePtr(row, "last_accessed_at"),
		Context:     unmarshalMap(rowString(row, "context")),
		Tags:        unmarshalStrings(rowString(row, "tags")),
	}
}

// Store persists one record. A missing embedding is materialised from
// content before insertion; server-assigned fields are filled in.
func (b *baseEngine) Store(ctx context.Context, rec *models.Memory) models.OpResult {
	op := "store_" + string(b.kind) + "_memory"

	if rec == nil || rec.Content == "" {
		return models.Failure(op, "content is required")
	}
	if rec.UserID == "" {
		return models.Failure(op, "user_id is required")
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Kind = b.kind

	if len(rec.Embedding) == 0 {
		vec, err := b.embedder.Embed(ctx, rec.Content)
		if err != nil {
			b.log.Warn("embedding generation failed",
				zap.String("operation", op), zap.String("user_id", rec.UserID), zap.Error(err))
			return models.Failure(op, fmt.Sprintf("failed to generate embedding: %v", err))
		}
		rec.Embedding = vec
	}

	if err := b.store.Insert(ctx, b.table, b.codec.encode(rec)); err != nil {
		b.log.Error("store insert failed",
			zap.String("operation", op), zap.String("user_id", rec.UserID),
			zap.String("memory_id", rec.ID), zap.Error(err))
		return models.Failure(op, err.Error())
	}

	return models.OpResult{Success: true, Operation: op, MemoryID: rec.ID}
}

// Get fetches one record by id. Absent rows and store failures both
// return nil; failures are logged, never raised. A successful read is
// tracked best-effort in the access side store.
func (b *baseEngine) Get(ctx context.Context, id string) *models.Memory {
	row, err := b.store.Get(ctx, b.table, id)
	if err != nil {
		b.log.Warn("get failed",
			zap.String("operation", "get"), zap.String("memory_id", id), zap.Error(err))
		return nil
	}
	if row == nil {
		return nil
	}

	rec, err := b.codec.decode(row)
	if err != nil {
		b.log.Warn("row decode failed",
			zap.String("operation", "get"), zap.String("memory_id", id), zap.Error(err))
		return nil
	}

	b.trackAccess(ctx, rec)
	return rec
}

// trackAccess records the read in the side store and bumps the row
// counters. Both writes are best-effort.
func (b *baseEngine) trackAccess(ctx context.Context, rec *models.Memory) {
	now := time.Now().UTC()
	if b.tracker != nil {
		if err := b.tracker.Track(ctx, rec.UserID, rec.Kind, rec.ID, now); err != nil {
			b.log.Debug("access tracking failed",
				zap.String("memory_id", rec.ID), zap.Error(err))
		}
	}
	changes := models.Row{
		"access_count":     rec.AccessCount + 1,
		"last_accessed_at": now,
	}
	if err := b.store.Update(ctx, b.table, rec.ID, changes); err != nil {
		b.log.Debug("access counter update failed",
			zap.String("memory_id", rec.ID), zap.Error(err))
	}
}

// Search runs the engine-level retrieval protocol: load candidates
// under row-level filters, score each against the query text via the
// embedder, keep those at or above the threshold, rank descending.
// Ties keep candidate insertion order.
func (b *baseEngine) Search(ctx context.Context, q models.SearchQuery) ([]models.SearchHit, error) {
	if q.TopK == 0 {
		return []models.SearchHit{}, nil
	}
	topK := q.TopK
	if topK < 0 {
		topK = b.cfg.TopKDefault
	}
	threshold := q.Threshold
	if threshold < 0 {
		threshold = b.cfg.SimilarityThreshold
	}

	// Warm the embedding cache for the query text
	if _, err := b.embedder.Embed(ctx, q.Text); err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	rows, err := b.store.Select(ctx, b.table, models.Filter{
		UserID:        q.UserID,
		MinImportance: q.MinImportance,
		MinConfidence: q.MinConfidence,
		CreatedAfter:  q.CreatedAfter,
		CreatedBefore: q.CreatedBefore,
		ActiveOnly:    q.ActiveOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load candidates: %w", err)
	}

	hits := make([]models.SearchHit, 0, len(rows))
	for _, row := range rows {
		rec, err := b.codec.decode(row)
		if err != nil {
			continue
		}
		sim, err := b.embedder.Similarity(ctx, q.Text, rec.Content)
		if err != nil {
			b.log.Debug("similarity scoring failed",
				zap.String("memory_id", rec.ID), zap.Error(err))
			continue
		}
		if sim >= threshold {
			hits = append(hits, models.SearchHit{Memory: rec, Similarity: sim})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	for i := range hits {
		hits[i].Rank = i + 1
	}

	return hits, nil
}

// Update applies explicit changes to a record. A content change
// regenerates the embedding; updated_at always advances.
func (b *baseEngine) Update(ctx context.Context, id string, changes models.Row) models.OpResult {
	op := "update_" + string(b.kind) + "_memory"

	if len(changes) == 0 {
		return models.Failure(op, "no changes given")
	}

	if content, ok := changes["content"].(string); ok && content != "" {
		vec, err := b.embedder.Embed(ctx, content)
		if err != nil {
			return models.Failure(op, fmt.Sprintf("failed to regenerate embedding: %v", err))
		}
		changes["embedding"] = vec
	}
	changes["updated_at"] = time.Now().UTC()

	if err := b.store.Update(ctx, b.table, id, changes); err != nil {
		b.log.Error("update failed",
			zap.String("operation", op), zap.String("memory_id", id), zap.Error(err))
		return models.Failure(op, err.Error())
	}

	return models.OpResult{Success: true, Operation: op, MemoryID: id}
}

// Delete removes a record by id
func (b *baseEngine) Delete(ctx context.Context, id string) models.OpResult {
	op := "delete_" + string(b.kind) + "_memory"

	if err := b.store.Delete(ctx, b.table, id); err != nil {
		b.log.Error("delete failed",
			zap.String("operation", op), zap.String("memory_id", id), zap.Error(err))
		return models.Failure(op, err.Error())
	}

	return models.OpResult{Success: true, Operation: op, MemoryID: id}
}

// Related returns memories associated with id: typed graph edges
// first, topped up by similarity search over the record's content
func (b *baseEngine) Related(ctx context.Context, id string, n int) ([]models.SearchHit, error) {
	if n <= 0 {
		return []models.SearchHit{}, nil
	}

	rec := b.Get(ctx, id)
	if rec == nil {
		return nil, fmt.Errorf("memory not found: %s", id)
	}

	hits := make([]models.SearchHit, 0, n)
	seen := map[string]bool{id: true}

	if b.graph != nil {
		edges, err := b.graph.Neighbors(ctx, id, n)
		if err != nil {
			b.log.Debug("association lookup failed",
				zap.String("memory_id", id), zap.Error(err))
		}
		for _, edge := range edges {
			if seen[edge.ToID] {
				continue
			}
			neighbor := b.Get(ctx, edge.ToID)
			if neighbor == nil {
				continue
			}
			seen[edge.ToID] = true
			hits = append(hits, models.SearchHit{Memory: neighbor, Similarity: edge.Strength})
		}
	}

	if len(hits) < n {
		more, err := b.Search(ctx, models.SearchQuery{
			UserID:    rec.UserID,
			Text:      rec.Content,
			TopK:      n + 1, // the record itself will match
			Threshold: 0,
		})
		if err != nil {
			return nil, err
		}
		for _, hit := range more {
			if seen[hit.Memory.ID] || len(hits) >= n {
				continue
			}
			seen[hit.Memory.ID] = true
			hits = append(hits, hit)
		}
	}

	if len(hits) > n {
		hits = hits[:n]
	}
	for i := range hits {
		hits[i].Rank = i + 1
	}
	return hits, nil
}

// Count returns the number of records owned by userID
func (b *baseEngine) Count(ctx context.Context, userID string) (int64, error) {
	return b.store.Count(ctx, b.table, userID)
}

// clamp bounds v into [lo, hi]
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

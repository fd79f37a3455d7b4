package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/memflow/memflow/internal/models"
)

// fakeStore is an in-memory Store that preserves insertion order per
// table, mirroring the relational adapter's filter semantics
type fakeStore struct {
	mu     sync.Mutex
	tables map[string][]models.Row

	insertErr error
	selectErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{tables: map[string][]models.Row{}}
}

func (s *fakeStore) Insert(ctx context.Context, table string, row models.Row) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make(models.Row, len(row))
	for k, v := range row {
		copied[k] = v
	}
	s.tables[table] = append(s.tables[table], copied)
	return nil
}

func (s *fakeStore) Get(ctx context.Context, table, id string) (models.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.tables[table] {
		if row["id"] == id {
			out := make(models.Row, len(row))
			for k, v := range row {
				out[k] = v
			}
			return out, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) Select(ctx context.Context, table string, f models.Filter) ([]models.Row, error) {
	if s.selectErr != nil {
		return nil, s.selectErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var out []models.Row
	for _, row := range s.tables[table] {
		if !matchesFilter(row, f, now) {
			continue
		}
		copied := make(models.Row, len(row))
		for k, v := range row {
			copied[k] = v
		}
		out = append(out, copied)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func matchesFilter(row models.Row, f models.Filter, now time.Time) bool {
	if f.UserID != "" && row["user_id"] != f.UserID {
		return false
	}
	if f.SessionID != "" && row["session_id"] != f.SessionID {
		return false
	}
	if f.MinImportance > 0 {
		if imp, ok := row["importance"].(float64); !ok || imp < f.MinImportance {
			return false
		}
	}
	if f.MinConfidence > 0 {
		if conf, ok := row["confidence"].(float64); !ok || conf < f.MinConfidence {
			return false
		}
	}
	if f.CreatedAfter != nil || f.CreatedBefore != nil {
		created, _ := row["created_at"].(time.Time)
		if f.CreatedAfter != nil && created.Before(*f.CreatedAfter) {
			return false
		}
		if f.CreatedBefore != nil && !created.Before(*f.CreatedBefore) {
			return false
		}
	}
	if f.ActiveOnly {
		expires, ok := row["expires_at"].(time.Time)
		if !ok || !now.Before(expires) {
			return false
		}
	}
	for k, want := range f.Equals {
		if row[k] != want {
			return false
		}
	}
	return true
}

func (s *fakeStore) Update(ctx context.Context, table, id string, changes models.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.tables[table] {
		if row["id"] == id {
			for k, v := range changes {
				row[k] = v
			}
			return nil
		}
	}
	return fmt.Errorf("no row with id %s in %s", id, table)
}

func (s *fakeStore) UpdateMany(ctx context.Context, table string, ids []string, changes models.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	for _, row := range s.tables[table] {
		if id, ok := row["id"].(string); ok && want[id] {
			for k, v := range changes {
				row[k] = v
			}
		}
	}
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, table, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.tables[table]
	for i, row := range rows {
		if row["id"] == id {
			s.tables[table] = append(rows[:i:i], rows[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *fakeStore) DeleteExpired(ctx context.Context, table, userID string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []models.Row
	var removed int64
	for _, row := range s.tables[table] {
		expires, ok := row["expires_at"].(time.Time)
		if ok && row["user_id"] == userID && !expires.After(now) {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	s.tables[table] = kept
	return removed, nil
}

func (s *fakeStore) Count(ctx context.Context, table, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.tables[table] {
		if row["user_id"] == userID {
			n++
		}
	}
	return n, nil
}

// fakeExtractor replays canned extraction results in call order and
// records the schema each call asked for
type fakeExtractor struct {
	mu        sync.Mutex
	results   []*ExtractionResult
	calls     int
	schemas   []string
	entities  []Entity
	sentiment *Sentiment
	err       error
}

func (f *fakeExtractor) Extract(ctx context.Context, text string, schema Schema) (*ExtractionResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schemas = append(f.schemas, schema.Name)
	if f.calls < len(f.results) {
		r := f.results[f.calls]
		f.calls++
		return r, nil
	}
	return &ExtractionResult{Success: false}, nil
}

func (f *fakeExtractor) ExtractEntities(ctx context.Context, text string, threshold float64) ([]Entity, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.entities, nil
}

func (f *fakeExtractor) AnalyzeSentiment(ctx context.Context, text string) (*Sentiment, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.sentiment == nil {
		return &Sentiment{Label: "neutral", Score: 0.5}, nil
	}
	return f.sentiment, nil
}

// fakeSummarizer returns a fixed summary and records each input text
type fakeSummarizer struct {
	summary   string
	keyPoints []string
	err       error
	calls     int
	texts     []string
}

func (f *fakeSummarizer) Summarize(ctx context.Context, text string, opts SummaryOptions) (*SummaryResult, error) {
	f.calls++
	f.texts = append(f.texts, text)
	if f.err != nil {
		return nil, f.err
	}
	summary := f.summary
	if summary == "" {
		summary = "summary of the conversation"
	}
	return &SummaryResult{
		Success:          true,
		Summary:          summary,
		WordCount:        len(summary),
		CharacterCount:   len(summary),
		QualityScore:     0.8,
		CompressionRatio: 0.2,
	}, nil
}

func (f *fakeSummarizer) ExtractKeyPoints(ctx context.Context, text string, maxPoints int) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.keyPoints, nil
}

// fakeTracker records tracked accesses
type fakeTracker struct {
	mu      sync.Mutex
	tracked []string
	err     error
}

func (f *fakeTracker) Track(ctx context.Context, userID string, kind models.Kind, memoryID string, at time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked = append(f.tracked, memoryID)
	return nil
}

func (f *fakeTracker) Close() error { return nil }

// fakeGraph records edges and serves canned neighbors
type fakeGraph struct {
	mu        sync.Mutex
	edges     []models.Association
	neighbors []models.Association
}

func (f *fakeGraph) Add(ctx context.Context, assoc models.Association) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edges = append(f.edges, assoc)
	return nil
}

func (f *fakeGraph) Neighbors(ctx context.Context, id string, limit int) ([]models.Association, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.neighbors
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeGraph) Close() error { return nil }

// testEmbedder is the deterministic embedder used across engine tests
func testEmbedder() Embedder {
	return NewHashEmbedder(64)
}

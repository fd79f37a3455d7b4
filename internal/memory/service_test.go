package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/memflow/memflow/internal/models"
)

func newTestService(store *fakeStore, extractor *fakeExtractor) *MemoryService {
	return NewMemoryService(store, testEmbedder(), extractor, &fakeSummarizer{}, nil, nil, DefaultConfig(), nil)
}

// seedKind stores one record of the kind directly, bypassing extraction
func seedKind(t *testing.T, svc *MemoryService, kind models.Kind, userID, content string) string {
	t.Helper()
	rec := &models.Memory{UserID: userID, Content: content, Importance: 0.5, Confidence: 0.5}
	var res models.OpResult
	switch kind {
	case models.KindFactual:
		res = svc.Factual.baseEngine.Store(context.Background(), rec)
	case models.KindEpisodic:
		rec.Episodic = &models.EpisodicFields{EventType: "conversation", EpisodeDate: time.Now().UTC()}
		res = svc.Episodic.baseEngine.Store(context.Background(), rec)
	case models.KindSemantic:
		rec.Semantic = &models.SemanticFields{ConceptType: "concept", Definition: content}
		res = svc.Semantic.baseEngine.Store(context.Background(), rec)
	case models.KindProcedural:
		rec.Procedural = &models.ProceduralFields{SkillType: "general"}
		res = svc.Procedural.baseEngine.Store(context.Background(), rec)
	case models.KindWorking:
		rec.Working = &models.WorkingFields{TaskID: "t", ExpiresAt: time.Now().UTC().Add(time.Hour)}
		res = svc.Working.baseEngine.Store(context.Background(), rec)
	default:
		t.Fatalf("seedKind does not support %s", kind)
	}
	if !res.Success {
		t.Fatalf("seed %s failed: %s", kind, res.Message)
	}
	return res.MemoryID
}

func TestServiceStoreDispatch(t *testing.T) {
	store := newFakeStore()
	extractor := &fakeExtractor{results: []*ExtractionResult{
		workingResult(map[string]any{"task_id": "t1", "current_step": "in progress"}),
	}}
	svc := newTestService(store, extractor)
	ctx := context.Background()

	res := svc.Store(ctx, StoreRequest{
		Kind: models.KindWorking, UserID: "u1", Dialog: "working on the report", TTL: time.Hour,
	})
	if !res.Success {
		t.Fatalf("working store failed: %s", res.Message)
	}
	if rec := svc.Working.Get(ctx, res.MemoryID); rec == nil || rec.Working == nil {
		t.Error("working record not routed to working engine")
	}

	res = svc.Store(ctx, StoreRequest{
		Kind: models.KindSession, UserID: "u1", SessionID: "s1", Role: "user", Dialog: "hello there",
	})
	if !res.Success {
		t.Fatalf("session store failed: %s", res.Message)
	}

	if res := svc.Store(ctx, StoreRequest{Kind: "telepathic", UserID: "u1", Dialog: "x"}); res.Success {
		t.Error("expected failure for unknown kind")
	}
}

func TestServiceBatchStorePreservesOrder(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeExtractor{})
	ctx := context.Background()

	reqs := make([]StoreRequest, 6)
	for i := range reqs {
		reqs[i] = StoreRequest{
			Kind: models.KindSession, UserID: "u1", SessionID: "s1", Role: "user",
			Dialog: fmt.Sprintf("batch message %d", i),
		}
	}
	// one invalid request in the middle
	reqs[3].Dialog = ""

	results := svc.BatchStore(ctx, reqs)
	if len(results) != len(reqs) {
		t.Fatalf("results = %d, want %d", len(results), len(reqs))
	}
	for i, res := range results {
		if i == 3 {
			if res.Success {
				t.Error("invalid request must fail in place")
			}
			continue
		}
		if !res.Success {
			t.Errorf("request %d failed: %s", i, res.Message)
		}
	}
}

func TestServiceSearchMergesAcrossKinds(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeExtractor{})
	ctx := context.Background()

	phrase := "kubernetes rollout strategy"
	factID := seedKind(t, svc, models.KindFactual, "u1", phrase)
	semID := seedKind(t, svc, models.KindSemantic, "u1", phrase)
	seedKind(t, svc, models.KindEpisodic, "u1", "totally unrelated picnic story")

	hits, err := svc.Search(ctx, models.SearchQuery{
		UserID: "u1", Text: phrase, TopK: 10, Threshold: 0.9,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want the two matching kinds", len(hits))
	}
	found := map[string]bool{}
	for i, hit := range hits {
		found[hit.Memory.ID] = true
		if hit.Rank != i+1 {
			t.Errorf("rank %d = %d, want re-ranked sequence", i, hit.Rank)
		}
	}
	if !found[factID] || !found[semID] {
		t.Errorf("expected both %s and %s, got %v", factID, semID, found)
	}
}

func TestServiceSearchKindSubset(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeExtractor{})
	ctx := context.Background()

	phrase := "shared content for both kinds"
	seedKind(t, svc, models.KindFactual, "u1", phrase)
	seedKind(t, svc, models.KindSemantic, "u1", phrase)

	hits, err := svc.Search(ctx, models.SearchQuery{
		UserID: "u1", Text: phrase, TopK: 10, Threshold: 0.9,
		Kinds: []models.Kind{models.KindFactual},
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].Memory.Kind != models.KindFactual {
		t.Fatalf("expected only factual hits, got %d", len(hits))
	}
}

func TestServiceSearchTopKZero(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeExtractor{})

	seedKind(t, svc, models.KindFactual, "u1", "anything")
	hits, err := svc.Search(context.Background(), models.SearchQuery{
		UserID: "u1", Text: "anything", TopK: 0,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("expected empty result for top_k=0, got %d", len(hits))
	}
}

func TestServiceSearchFailedKindDropsOut(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeExtractor{})
	ctx := context.Background()

	phrase := "resilient fan out query"
	seedKind(t, svc, models.KindFactual, "u1", phrase)
	store.selectErr = fmt.Errorf("backend flake")

	// fakeStore now fails every select; the whole query degrades to
	// empty rather than erroring
	hits, err := svc.Search(ctx, models.SearchQuery{
		UserID: "u1", Text: phrase, TopK: 10, Threshold: 0,
	})
	if err != nil {
		t.Fatalf("fan-out must absorb kind failures: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("hits = %d, want 0 with all kinds failing", len(hits))
	}
}

func TestServiceStatistics(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeExtractor{})
	ctx := context.Background()

	seedKind(t, svc, models.KindFactual, "u1", "fact one")
	seedKind(t, svc, models.KindFactual, "u1", "fact two")
	seedKind(t, svc, models.KindSemantic, "u1", "one concept")
	seedKind(t, svc, models.KindFactual, "u2", "someone else's fact")

	stats, err := svc.Statistics(ctx, "u1")
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}
	if stats.ByKind[models.KindFactual] != 2 || stats.ByKind[models.KindSemantic] != 1 {
		t.Errorf("by_kind = %v", stats.ByKind)
	}
	if stats.MemoryDiversity != 2 {
		t.Errorf("diversity = %d, want 2 kinds in use", stats.MemoryDiversity)
	}
}

func TestServiceConsolidate(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeExtractor{})
	ctx := context.Background()

	seedKind(t, svc, models.KindFactual, "u1", "a durable fact")
	expired := seedKind(t, svc, models.KindWorking, "u1", "stale task")
	store.Update(ctx, TableWorking, expired, models.Row{
		"expires_at": time.Now().UTC().Add(-time.Minute),
	})

	res := svc.Consolidate(ctx, "u1")
	if !res.Success {
		t.Fatalf("consolidate failed: %s", res.Message)
	}
	if res.Data["expired_removed"] != int64(1) {
		t.Errorf("expired_removed = %v, want 1", res.Data["expired_removed"])
	}
	if res.Data["total_memories"] != int64(1) {
		t.Errorf("total_memories = %v, want 1 after sweep", res.Data["total_memories"])
	}
}

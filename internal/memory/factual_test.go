package memory

import (
	"context"
	"strings"
	"testing"
)

func factResult(facts ...map[string]any) *ExtractionResult {
	items := make([]any, len(facts))
	for i, f := range facts {
		items[i] = f
	}
	return &ExtractionResult{
		Success:    true,
		Confidence: 0.8,
		Data:       map[string]any{"facts": items, "source": "Conversation", "domain": "Personal"},
	}
}

func TestFactualStoreFromDialog(t *testing.T) {
	store := newFakeStore()
	extractor := &fakeExtractor{results: []*ExtractionResult{
		factResult(map[string]any{
			"fact_type":    "Personal_Info",
			"subject":      "user",
			"predicate":    "works_at",
			"object_value": "Acme",
			"context":      "mentioned in passing",
			"confidence":   0.9,
		}),
	}}
	engine := NewFactualEngine(store, testEmbedder(), extractor, nil, nil, DefaultConfig(), nil)

	res := engine.StoreFromDialog(context.Background(), "u1", "I work at Acme.", 0.6)
	if !res.Success {
		t.Fatalf("store failed: %s", res.Message)
	}

	rec := engine.Get(context.Background(), res.MemoryID)
	if rec == nil || rec.Factual == nil {
		t.Fatal("expected factual record")
	}
	if rec.Factual.FactType != "personal_info" {
		t.Errorf("fact_type = %q, want lower-cased", rec.Factual.FactType)
	}
	if rec.Factual.Source != "conversation" {
		t.Errorf("source = %q, want lower-cased", rec.Factual.Source)
	}
	if rec.Factual.VerificationStatus != "unverified" {
		t.Errorf("verification_status = %q, want unverified", rec.Factual.VerificationStatus)
	}
	if rec.Content != "user works_at Acme (mentioned in passing)" {
		t.Errorf("unexpected content %q", rec.Content)
	}
}

func TestFactualDropsIncompleteTriples(t *testing.T) {
	store := newFakeStore()
	extractor := &fakeExtractor{results: []*ExtractionResult{
		factResult(map[string]any{
			"fact_type": "general",
			"subject":   "user",
			"predicate": "likes",
			// no object_value
		}),
	}}
	engine := NewFactualEngine(store, testEmbedder(), extractor, nil, nil, DefaultConfig(), nil)

	res := engine.StoreFromDialog(context.Background(), "u1", "fragment", 0.5)
	// the incomplete triple is dropped and the dialog has no verb to
	// split on, so nothing is stored
	if res.Success {
		t.Errorf("expected failure, got %+v", res)
	}
}

func TestFactualVerbSplitFallback(t *testing.T) {
	store := newFakeStore()
	extractor := &fakeExtractor{results: []*ExtractionResult{
		{Success: true, Confidence: 0.5, Data: map[string]any{"facts": []any{}}},
	}}
	engine := NewFactualEngine(store, testEmbedder(), extractor, nil, nil, DefaultConfig(), nil)

	res := engine.StoreFromDialog(context.Background(), "u1", "my dog is very friendly. the office has three floors.", 0.5)
	if !res.Success {
		t.Fatalf("expected fallback facts, got %s", res.Message)
	}

	rec := engine.Get(context.Background(), res.MemoryID)
	if rec == nil || rec.Factual == nil {
		t.Fatal("expected record")
	}
	if rec.Factual.FactType != "basic" || rec.Factual.Source != "verb_split" {
		t.Errorf("fallback fact mislabelled: %+v", rec.Factual)
	}
	if rec.Confidence != 0.3 {
		t.Errorf("confidence = %v, want 0.3", rec.Confidence)
	}
}

func TestFactualMergeOnFingerprint(t *testing.T) {
	store := newFakeStore()
	extractor := &fakeExtractor{results: []*ExtractionResult{
		factResult(map[string]any{
			"fact_type": "personal_info", "subject": "user", "predicate": "lives_in",
			"object_value": "Berlin", "context": "old flat", "confidence": 0.6,
		}),
		factResult(map[string]any{
			"fact_type": "personal_info", "subject": "user", "predicate": "lives_in",
			"object_value": "Munich", "context": "moved recently", "confidence": 0.6,
		}),
	}}
	engine := NewFactualEngine(store, testEmbedder(), extractor, nil, nil, DefaultConfig(), nil)
	ctx := context.Background()

	first := engine.StoreFromDialog(ctx, "u1", "I live in Berlin.", 0.5)
	if !first.Success {
		t.Fatalf("first store failed: %s", first.Message)
	}
	second := engine.StoreFromDialog(ctx, "u1", "I moved to Munich.", 0.5)
	if !second.Success {
		t.Fatalf("second store failed: %s", second.Message)
	}
	if second.MemoryID != first.MemoryID {
		t.Fatalf("expected merge into %s, got new id %s", first.MemoryID, second.MemoryID)
	}
	if merged := second.Data["merged"]; merged != 1 {
		t.Errorf("merged = %v, want 1", merged)
	}

	rec := engine.Get(ctx, first.MemoryID)
	if rec.Factual.ObjectValue != "Munich" {
		t.Errorf("object_value = %q, want Munich", rec.Factual.ObjectValue)
	}
	if rec.Confidence < 0.699 || rec.Confidence > 0.701 {
		t.Errorf("confidence = %v, want 0.7 after +0.1 bump", rec.Confidence)
	}
	notes, _ := rec.Context["notes"].(string)
	if !strings.Contains(notes, "old flat") || !strings.Contains(notes, "moved recently") {
		t.Errorf("notes = %q, want both contexts appended", notes)
	}
	if !strings.Contains(rec.Content, "Munich") {
		t.Errorf("content not regenerated: %q", rec.Content)
	}
}

func TestFactualAssociatesNearbyFacts(t *testing.T) {
	store := newFakeStore()
	graph := &fakeGraph{}
	extractor := &fakeExtractor{results: []*ExtractionResult{
		factResult(map[string]any{
			"fact_type": "general", "subject": "rivers", "predicate": "flow_to",
			"object_value": "the sea", "confidence": 0.8,
		}),
		factResult(map[string]any{
			"fact_type": "general", "subject": "rivers", "predicate": "carry",
			"object_value": "sediment to the sea", "confidence": 0.8,
		}),
	}}
	engine := NewFactualEngine(store, testEmbedder(), extractor, nil, graph, DefaultConfig(), nil)
	ctx := context.Background()

	engine.StoreFromDialog(ctx, "u1", "rivers flow to the sea", 0.5)
	engine.StoreFromDialog(ctx, "u1", "rivers carry sediment", 0.5)

	if len(graph.edges) == 0 {
		t.Fatal("expected semantic_similarity edges for the second fact")
	}
	for _, edge := range graph.edges {
		if edge.Type != "semantic_similarity" {
			t.Errorf("edge type = %q, want semantic_similarity", edge.Type)
		}
	}
}

func TestFactualMergeRecomputesAssociations(t *testing.T) {
	store := newFakeStore()
	graph := &fakeGraph{}
	extractor := &fakeExtractor{results: []*ExtractionResult{
		factResult(map[string]any{
			"fact_type": "general", "subject": "rivers", "predicate": "flow_to",
			"object_value": "the sea", "confidence": 0.8,
		}),
		factResult(map[string]any{
			"fact_type": "general", "subject": "rivers", "predicate": "carry",
			"object_value": "sediment to the sea", "confidence": 0.8,
		}),
		factResult(map[string]any{
			"fact_type": "general", "subject": "rivers", "predicate": "flow_to",
			"object_value": "the ocean", "confidence": 0.8,
		}),
	}}
	engine := NewFactualEngine(store, testEmbedder(), extractor, nil, graph, DefaultConfig(), nil)
	ctx := context.Background()

	first := engine.StoreFromDialog(ctx, "u1", "rivers flow to the sea", 0.5)
	engine.StoreFromDialog(ctx, "u1", "rivers carry sediment", 0.5)
	before := len(graph.edges)

	res := engine.StoreFromDialog(ctx, "u1", "rivers flow to the ocean", 0.5)
	if !res.Success || res.Data["merged"] != 1 {
		t.Fatalf("expected merge, got %+v", res)
	}

	// the merged fact's content changed, so its edges were recomputed
	if len(graph.edges) <= before {
		t.Fatal("expected new edges after merge")
	}
	for _, edge := range graph.edges[before:] {
		if edge.FromID != first.MemoryID {
			t.Errorf("edge from %s, want merged record %s", edge.FromID, first.MemoryID)
		}
		if edge.Type != "semantic_similarity" {
			t.Errorf("edge type = %q, want semantic_similarity", edge.Type)
		}
	}
}

func TestFactualVerify(t *testing.T) {
	engine, _, _ := testEngine(t)
	ctx := context.Background()

	id := storeContent(t, engine, "u1", "a verifiable claim")
	if res := engine.Verify(ctx, id, "verified"); !res.Success {
		t.Fatalf("verify failed: %s", res.Message)
	}
	rec := engine.Get(ctx, id)
	if rec.Factual.VerificationStatus != "verified" {
		t.Errorf("verification_status = %q, want verified", rec.Factual.VerificationStatus)
	}
}

package memory

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/memflow/memflow/internal/models"
)

func procedureResult(data map[string]any) *ExtractionResult {
	return &ExtractionResult{Success: true, Confidence: 0.8, Data: data}
}

func newProceduralEngine(results ...*ExtractionResult) (*ProceduralEngine, *fakeStore) {
	store := newFakeStore()
	extractor := &fakeExtractor{results: results}
	engine := NewProceduralEngine(store, testEmbedder(), extractor, nil, nil, DefaultConfig(), nil)
	return engine, store
}

func TestProceduralStoreFromDialog(t *testing.T) {
	engine, _ := newProceduralEngine(procedureResult(map[string]any{
		"skill_type": "Bread Baking",
		"steps": []any{
			map[string]any{"number": 3, "description": "mix the dough", "importance": 0.8},
			map[string]any{"number": 1, "description": "proof the yeast"},
			"bake at 220C", // bare string step
		},
		"prerequisites":    []any{"flour", "yeast"},
		"difficulty_level": "Advanced",
		"domain":           "Cooking",
		"tools":            []any{"oven"},
		"common_mistakes":  []any{"over-kneading"},
	}))

	res := engine.StoreFromDialog(context.Background(), "u1", "here is how I bake bread", 0.5)
	if !res.Success {
		t.Fatalf("store failed: %s", res.Message)
	}

	rec := engine.Get(context.Background(), res.MemoryID)
	if rec == nil || rec.Procedural == nil {
		t.Fatal("expected procedural record")
	}
	f := rec.Procedural
	if f.SkillType != "bread baking" {
		t.Errorf("skill_type = %q, want lower-cased", f.SkillType)
	}
	if f.DifficultyLevel != "advanced" {
		t.Errorf("difficulty = %q, want advanced", f.DifficultyLevel)
	}
	if f.Domain != "cooking" {
		t.Errorf("domain = %q, want cooking", f.Domain)
	}
	if len(f.Steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(f.Steps))
	}
	// numbers are resequenced in list order regardless of extracted values
	for i, step := range f.Steps {
		if step.Number != i+1 {
			t.Errorf("step %d number = %d, want %d", i, step.Number, i+1)
		}
	}
	if f.Steps[2].Description != "bake at 220C" {
		t.Errorf("bare string step lost: %+v", f.Steps[2])
	}
	if rec.Content != "bread baking: mix the dough" {
		t.Errorf("content = %q", rec.Content)
	}
	if rec.Context["common_mistakes"] == nil {
		t.Error("common_mistakes not carried into context")
	}
}

func TestProceduralStepsFromNewlineString(t *testing.T) {
	engine, _ := newProceduralEngine(procedureResult(map[string]any{
		"skill_type": "notes",
		"steps":      "open the editor\n\nwrite the note\nsave the file",
	}))

	res := engine.StoreFromDialog(context.Background(), "u1", "note taking", 0.5)
	rec := engine.Get(context.Background(), res.MemoryID)
	if len(rec.Procedural.Steps) != 3 {
		t.Fatalf("steps = %d, want 3 non-blank lines", len(rec.Procedural.Steps))
	}
	if rec.Procedural.Steps[1].Description != "write the note" {
		t.Errorf("step 2 = %q", rec.Procedural.Steps[1].Description)
	}
}

func TestProceduralStepsCappedAtTen(t *testing.T) {
	var items []any
	for i := 0; i < 14; i++ {
		items = append(items, fmt.Sprintf("step number %d", i))
	}
	engine, _ := newProceduralEngine(procedureResult(map[string]any{
		"skill_type": "long",
		"steps":      items,
	}))

	res := engine.StoreFromDialog(context.Background(), "u1", "a long procedure", 0.5)
	rec := engine.Get(context.Background(), res.MemoryID)
	if len(rec.Procedural.Steps) != 10 {
		t.Errorf("steps = %d, want cap of 10", len(rec.Procedural.Steps))
	}
	if last := rec.Procedural.Steps[9]; last.Number != 10 {
		t.Errorf("last step number = %d, want 10", last.Number)
	}
}

func TestProceduralDefaults(t *testing.T) {
	engine, _ := newProceduralEngine(procedureResult(map[string]any{
		"steps":            []any{"only step"},
		"difficulty_level": "impossible",
	}))

	res := engine.StoreFromDialog(context.Background(), "u1", "something", 0)
	rec := engine.Get(context.Background(), res.MemoryID)
	if rec.Procedural.SkillType != "general" {
		t.Errorf("skill_type = %q, want general default", rec.Procedural.SkillType)
	}
	if rec.Procedural.DifficultyLevel != "intermediate" {
		t.Errorf("difficulty = %q, want intermediate default", rec.Procedural.DifficultyLevel)
	}
	if rec.Importance != 0.5 {
		t.Errorf("importance = %v, want 0.5 default", rec.Importance)
	}
}

func TestProceduralNoStepsFails(t *testing.T) {
	engine, _ := newProceduralEngine(procedureResult(map[string]any{
		"skill_type": "vague",
		"steps":      []any{},
	}))

	if res := engine.StoreFromDialog(context.Background(), "u1", "vague talk", 0.5); res.Success {
		t.Errorf("expected failure without steps, got %+v", res)
	}
}

func TestProceduralSuccessRateRunningMean(t *testing.T) {
	engine, store := newProceduralEngine(procedureResult(map[string]any{
		"skill_type": "deploys",
		"steps":      []any{"ship it"},
	}))
	ctx := context.Background()

	res := engine.StoreFromDialog(ctx, "u1", "how to deploy", 0.5)
	id := res.MemoryID

	checks := []struct {
		ok   bool
		want float64
	}{
		{true, 1.0},
		{false, 0.5},
		{true, 2.0 / 3.0},
	}
	for i, c := range checks {
		if r := engine.UpdateSuccessRate(ctx, id, c.ok); !r.Success {
			t.Fatalf("update %d failed: %s", i, r.Message)
		}
		// read the row directly so the check does not count as a use
		row, _ := store.Get(ctx, TableProcedural, id)
		if got := rowFloat(row, "success_rate"); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("after outcome %d: rate = %v, want %v", i, got, c.want)
		}
	}
}

func TestProceduralUpdateProgressClamps(t *testing.T) {
	engine, _ := newProceduralEngine(procedureResult(map[string]any{
		"skill_type": "setup",
		"steps":      []any{"install", "configure"},
	}))
	ctx := context.Background()

	res := engine.StoreFromDialog(ctx, "u1", "setting up", 0.5)
	if r := engine.UpdateProgress(ctx, res.MemoryID, "configure", 140); !r.Success {
		t.Fatalf("update failed: %s", r.Message)
	}
	rec := engine.Get(ctx, res.MemoryID)
	if rec.Procedural.CurrentStep != "configure" {
		t.Errorf("current_step = %q", rec.Procedural.CurrentStep)
	}
	if rec.Procedural.ProgressPercentage != 100 {
		t.Errorf("progress = %v, want clamp to 100", rec.Procedural.ProgressPercentage)
	}
}

func TestProceduralTopProcedures(t *testing.T) {
	store := newFakeStore()
	engine := NewProceduralEngine(store, testEmbedder(), &fakeExtractor{}, nil, nil, DefaultConfig(), nil)
	ctx := context.Background()

	ids := make([]string, 3)
	for i := range ids {
		rec := &models.Memory{
			UserID:     "u1",
			Content:    fmt.Sprintf("procedure %d", i),
			Importance: 0.5,
			Confidence: 0.5,
			Procedural: &models.ProceduralFields{SkillType: "general"},
		}
		r := engine.baseEngine.Store(ctx, rec)
		if !r.Success {
			t.Fatalf("store %d failed: %s", i, r.Message)
		}
		ids[i] = r.MemoryID
	}
	// second procedure is the most used
	store.Update(ctx, TableProcedural, ids[1], models.Row{"access_count": 5})
	store.Update(ctx, TableProcedural, ids[2], models.Row{"access_count": 2})

	top, err := engine.TopProcedures(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if len(top) != 2 || top[0].ID != ids[1] || top[1].ID != ids[2] {
		t.Errorf("unexpected ordering: %v", []string{top[0].ID, top[1].ID})
	}
}

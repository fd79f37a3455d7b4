package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/memflow/memflow/internal/models"
)

// proceduralSchema is the extraction schema for procedural memories
var proceduralSchema = Schema{
	Name: "procedural",
	Instructions: `Extract the skill, procedure or workflow described in the dialog as
an ordered list of steps.`,
	Template: `{
  "skill_type": "...",
  "steps": [{"number": 1, "description": "...", "importance": 0.5, "tools_needed": [], "estimated_time": ""}],
  "prerequisites": ["..."],
  "difficulty_level": "beginner|intermediate|advanced|expert",
  "domain": "...",
  "importance_score": 0.5,
  "tools": ["..."],
  "success_indicators": ["..."],
  "common_mistakes": ["..."]
}`,
}

// difficultyLevels is the closed set a difficulty normalises into
var difficultyLevels = map[string]bool{
	"beginner":     true,
	"intermediate": true,
	"advanced":     true,
	"expert":       true,
}

// ProceduralEngine manages skill and workflow memories with a
// running success-rate mean
type ProceduralEngine struct {
	baseEngine
	extractor Extractor
}

// NewProceduralEngine creates the procedural memory engine
func NewProceduralEngine(store Store, embedder Embedder, extractor Extractor, tracker AccessTracker, graph AssociationGraph, cfg *Config, log *zap.Logger) *ProceduralEngine {
	e := &ProceduralEngine{extractor: extractor}
	e.baseEngine = newBaseEngine(models.KindProcedural, TableProcedural, store, embedder, tracker, graph, e, cfg, log)
	return e
}

// encode maps a procedural record to its storage row
func (e *ProceduralEngine) encode(rec *models.Memory) models.Row {
	row := e.encodeEnvelope(rec)
	f := rec.Procedural
	if f == nil {
		f = &models.ProceduralFields{}
	}
	row["skill_type"] = f.SkillType
	row["steps"] = marshalField(f.Steps)
	row["prerequisites"] = marshalField(f.Prerequisites)
	row["difficulty_level"] = f.DifficultyLevel
	row["success_rate"] = f.SuccessRate
	row["domain"] = f.Domain
	row["current_step"] = f.CurrentStep
	row["progress_percentage"] = f.ProgressPercentage
	return row
}

// decode reconstructs a procedural record from its storage row
func (e *ProceduralEngine) decode(row models.Row) (*models.Memory, error) {
	rec := e.decodeEnvelope(row)
	fields := &models.ProceduralFields{
		SkillType:          rowString(row, "skill_type"),
		Prerequisites:      unmarshalStrings(rowString(row, "prerequisites")),
		DifficultyLevel:    rowString(row, "difficulty_level"),
		SuccessRate:        rowFloat(row, "success_rate"),
		Domain:             rowString(row, "domain"),
		CurrentStep:        rowString(row, "current_step"),
		ProgressPercentage: rowFloat(row, "progress_percentage"),
	}
	unmarshalInto(rowString(row, "steps"), &fields.Steps)
	rec.Procedural = fields
	return rec, nil
}

// StoreFromDialog extracts a procedure from dialog and stores it
func (e *ProceduralEngine) StoreFromDialog(ctx context.Context, userID, dialog string, importance float64) models.OpResult {
	const op = "store_procedural_memory"

	raw, err := e.extractor.Extract(ctx, dialog, proceduralSchema)
	if err != nil {
		e.log.Warn("procedure extraction unavailable",
			zap.String("operation", op), zap.String("user_id", userID), zap.Error(err))
		return models.Failure(op, fmt.Sprintf("extraction failed: %v", err))
	}
	if !raw.Success {
		return models.Failure(op, "extraction produced no structured data")
	}

	data := raw.Data
	steps := parseSteps(data["steps"])
	if len(steps) == 0 {
		return models.Failure(op, "no procedure steps found in dialog")
	}

	skillType := strings.ToLower(strings.TrimSpace(rowString(data, "skill_type")))
	if skillType == "" {
		skillType = "general"
	}

	difficulty := strings.ToLower(strings.TrimSpace(rowString(data, "difficulty_level")))
	if !difficultyLevels[difficulty] {
		difficulty = "intermediate"
	}

	if imp := clamp(rowFloat(data, "importance_score"), 0, 1); imp > 0 {
		importance = imp
	}
	if importance <= 0 {
		importance = 0.5
	}

	content := fmt.Sprintf("%s procedure (%d steps)", skillType, len(steps))
	if len(steps) > 0 {
		content = fmt.Sprintf("%s: %s", skillType, steps[0].Description)
	}

	rec := &models.Memory{
		UserID:     userID,
		Kind:       models.KindProcedural,
		Content:    content,
		Importance: importance,
		Confidence: raw.Confidence,
		Tags:       anyStrings(data["tools"]),
		Procedural: &models.ProceduralFields{
			SkillType:       skillType,
			Steps:           steps,
			Prerequisites:   anyStrings(data["prerequisites"]),
			DifficultyLevel: difficulty,
			Domain:          strings.ToLower(strings.TrimSpace(rowString(data, "domain"))),
		},
	}
	if mistakes := anyStrings(data["common_mistakes"]); len(mistakes) > 0 {
		rec.Context = map[string]any{"common_mistakes": mistakes}
	}
	if indicators := anyStrings(data["success_indicators"]); len(indicators) > 0 {
		if rec.Context == nil {
			rec.Context = map[string]any{}
		}
		rec.Context["success_indicators"] = indicators
	}

	return e.baseEngine.Store(ctx, rec)
}

// parseSteps accepts steps as a structured list or as a newline-split
// string, keeping at most ten and synthesising step numbers
func parseSteps(v any) []models.ProcedureStep {
	var steps []models.ProcedureStep

	switch val := v.(type) {
	case []any:
		for _, item := range val {
			switch s := item.(type) {
			case map[string]any:
				step := models.ProcedureStep{
					Number:        rowInt(s, "number"),
					Description:   strings.TrimSpace(rowString(s, "description")),
					Importance:    clamp(rowFloat(s, "importance"), 0, 1),
					ToolsNeeded:   anyStrings(s["tools_needed"]),
					EstimatedTime: rowString(s, "estimated_time"),
				}
				if step.Description != "" {
					steps = append(steps, step)
				}
			case string:
				if desc := strings.TrimSpace(s); desc != "" {
					steps = append(steps, models.ProcedureStep{Description: desc})
				}
			}
		}
	case string:
		for _, line := range strings.Split(val, "\n") {
			if desc := strings.TrimSpace(line); desc != "" {
				steps = append(steps, models.ProcedureStep{Description: desc})
			}
		}
	}

	if len(steps) > 10 {
		steps = steps[:10]
	}
	for i := range steps {
		steps[i].Number = i + 1
	}
	return steps
}

// UpdateSuccessRate folds one execution outcome into the running
// success-rate mean and bumps the access count
func (e *ProceduralEngine) UpdateSuccessRate(ctx context.Context, id string, ok bool) models.OpResult {
	const op = "update_success_rate"

	rec := e.Get(ctx, id)
	if rec == nil || rec.Procedural == nil {
		return models.Failure(op, fmt.Sprintf("procedure not found: %s", id))
	}

	// Get already bumped access_count once for this read
	n := float64(rec.AccessCount)
	outcome := 0.0
	if ok {
		outcome = 1.0
	}
	rate := (rec.Procedural.SuccessRate*n + outcome) / (n + 1)

	changes := models.Row{
		"success_rate": rate,
		"access_count": rec.AccessCount + 1,
	}
	return e.baseEngine.Update(ctx, id, changes)
}

// UpdateProgress records the current step and clamped progress of a
// procedure in flight
func (e *ProceduralEngine) UpdateProgress(ctx context.Context, id, currentStep string, progress float64) models.OpResult {
	changes := models.Row{
		"current_step":        currentStep,
		"progress_percentage": clamp(progress, 0, 100),
	}
	return e.baseEngine.Update(ctx, id, changes)
}

// SearchByDomain returns procedures in one domain
func (e *ProceduralEngine) SearchByDomain(ctx context.Context, userID, domain string, limit int) ([]*models.Memory, error) {
	return e.selectWhere(ctx, userID, map[string]any{"domain": strings.ToLower(domain)}, limit)
}

// SearchBySkillType returns procedures of one skill type
func (e *ProceduralEngine) SearchBySkillType(ctx context.Context, userID, skillType string, limit int) ([]*models.Memory, error) {
	return e.selectWhere(ctx, userID, map[string]any{"skill_type": strings.ToLower(skillType)}, limit)
}

// SearchByDifficulty returns procedures at one difficulty level
func (e *ProceduralEngine) SearchByDifficulty(ctx context.Context, userID, difficulty string, limit int) ([]*models.Memory, error) {
	return e.selectWhere(ctx, userID, map[string]any{"difficulty_level": strings.ToLower(difficulty)}, limit)
}

// SearchBySuccessRate returns procedures at or above a success-rate floor
func (e *ProceduralEngine) SearchBySuccessRate(ctx context.Context, userID string, minRate float64, limit int) ([]*models.Memory, error) {
	rows, err := e.store.Select(ctx, e.table, models.Filter{UserID: userID})
	if err != nil {
		return nil, err
	}
	var out []*models.Memory
	for _, row := range rows {
		rec, err := e.decode(row)
		if err != nil {
			continue
		}
		if rec.Procedural.SuccessRate >= minRate {
			out = append(out, rec)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SearchByPrerequisites returns procedures requiring the prerequisite
func (e *ProceduralEngine) SearchByPrerequisites(ctx context.Context, userID, prerequisite string, limit int) ([]*models.Memory, error) {
	rows, err := e.store.Select(ctx, e.table, models.Filter{UserID: userID})
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(prerequisite)
	var out []*models.Memory
	for _, row := range rows {
		rec, err := e.decode(row)
		if err != nil {
			continue
		}
		for _, p := range rec.Procedural.Prerequisites {
			if strings.ToLower(p) == want {
				out = append(out, rec)
				break
			}
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// TopProcedures returns the most used procedures, by access count
func (e *ProceduralEngine) TopProcedures(ctx context.Context, userID string, limit int) ([]*models.Memory, error) {
	rows, err := e.store.Select(ctx, e.table, models.Filter{UserID: userID})
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
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AccessCount > out[j].AccessCount
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// selectWhere is the shared row-filter search used by the typed lookups
func (e *ProceduralEngine) selectWhere(ctx context.Context, userID string, equals map[string]any, limit int) ([]*models.Memory, error) {
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

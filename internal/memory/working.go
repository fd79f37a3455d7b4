package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/memflow/memflow/internal/models"
)

// workingSchema is the extraction schema for working memories
var workingSchema = Schema{
	Name: "working",
	Instructions: `Extract the current task state from the dialog: what is being worked
on right now, how far along it is, and what blocks it.`,
	Template: `{
  "task_id": "...",
  "priority": 3,
  "current_step": "...",
  "next_actions": ["..."],
  "interim_results": ["..."],
  "blocking_issues": ["..."],
  "time_sensitivity": "..."
}`,
}

// WorkingEngine manages short-lived task memories under TTL expiry.
// Active-only queries filter on expires_at; explicit gets by id still
// return expired records with the expiry visible to the caller.
type WorkingEngine struct {
	baseEngine
	extractor Extractor
}

// NewWorkingEngine creates the working memory engine
func NewWorkingEngine(store Store, embedder Embedder, extractor Extractor, tracker AccessTracker, graph AssociationGraph, cfg *Config, log *zap.Logger) *WorkingEngine {
	e := &WorkingEngine{extractor: extractor}
	e.baseEngine = newBaseEngine(models.KindWorking, TableWorking, store, embedder, tracker, graph, e, cfg, log)
	return e
}

// encode maps a working record to its storage row
func (e *WorkingEngine) encode(rec *models.Memory) models.Row {
	row := e.encodeEnvelope(rec)
	f := rec.Working
	if f == nil {
		f = &models.WorkingFields{}
	}
	row["task_id"] = f.TaskID
	row["task_context"] = marshalField(f.TaskContext)
	row["ttl_seconds"] = f.TTLSeconds
	row["priority"] = f.Priority
	row["expires_at"] = f.ExpiresAt
	return row
}

// decode reconstructs a working record from its storage row
func (e *WorkingEngine) decode(row models.Row) (*models.Memory, error) {
	rec := e.decodeEnvelope(row)
	rec.Working = &models.WorkingFields{
		TaskID:      rowString(row, "task_id"),
		TaskContext: unmarshalMap(rowString(row, "task_context")),
		TTLSeconds:  int64(rowInt(row, "ttl_seconds")),
		Priority:    rowInt(row, "priority"),
		ExpiresAt:   rowTime(row, "expires_at"),
	}
	return rec, nil
}

// StoreFromDialog extracts task state from dialog and stores it with
// the supplied TTL. A non-positive TTL uses the configured default.
func (e *WorkingEngine) StoreFromDialog(ctx context.Context, userID, dialog string, ttl time.Duration, importance float64) models.OpResult {
	const op = "store_working_memory"

	if ttl <= 0 {
		ttl = e.cfg.WorkingDefaultTTL
	}

	taskContext := map[string]any{}
	taskID := ""
	priority := 3
	content := wordPrefix(dialog, 30)

	raw, err := e.extractor.Extract(ctx, dialog, workingSchema)
	if err != nil {
		e.log.Warn("task extraction unavailable",
			zap.String("operation", op), zap.String("user_id", userID), zap.Error(err))
	} else if raw.Success {
		data := raw.Data
		taskID = strings.TrimSpace(rowString(data, "task_id"))
		if p := rowInt(data, "priority"); p != 0 {
			priority = p
		}
		if cs := strings.TrimSpace(rowString(data, "current_step")); cs != "" {
			taskContext["current_step"] = cs
			content = cs
		}
		if next := anyStrings(data["next_actions"]); len(next) > 0 {
			taskContext["next_actions"] = next
		}
		if interim := anyStrings(data["interim_results"]); len(interim) > 0 {
			taskContext["interim_results"] = interim
		}
		if blocking := anyStrings(data["blocking_issues"]); len(blocking) > 0 {
			taskContext["blocking_issues"] = blocking
		}
		if ts := strings.TrimSpace(rowString(data, "time_sensitivity")); ts != "" {
			taskContext["time_sensitivity"] = ts
		}
	}

	if taskID == "" {
		taskID = deriveTaskID(dialog)
	}
	if priority < 1 {
		priority = 1
	}
	if priority > 5 {
		priority = 5
	}
	if importance <= 0 {
		importance = 0.5
	}

	now := time.Now().UTC()
	rec := &models.Memory{
		UserID:     userID,
		Kind:       models.KindWorking,
		Content:    content,
		Importance: importance,
		Confidence: 0.9, // working state is reported, not inferred
		CreatedAt:  now,
		Working: &models.WorkingFields{
			TaskID:      taskID,
			TaskContext: taskContext,
			TTLSeconds:  int64(ttl.Seconds()),
			Priority:    priority,
			ExpiresAt:   now.Add(ttl),
		},
	}

	return e.baseEngine.Store(ctx, rec)
}

// deriveTaskID builds a task id from the first three alphanumeric
// words of the dialog
func deriveTaskID(dialog string) string {
	var words []string
	for _, word := range strings.Fields(dialog) {
		cleaned := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return unicode.ToLower(r)
			}
			return -1
		}, word)
		if cleaned != "" {
			words = append(words, cleaned)
		}
		if len(words) == 3 {
			break
		}
	}
	if len(words) == 0 {
		return "task"
	}
	return strings.Join(words, "_")
}

// ExtendTTL pushes a task's expiry out by the given duration from now
func (e *WorkingEngine) ExtendTTL(ctx context.Context, id string, extension time.Duration) models.OpResult {
	const op = "extend_ttl"

	rec := e.Get(ctx, id)
	if rec == nil || rec.Working == nil {
		return models.Failure(op, fmt.Sprintf("working memory not found: %s", id))
	}

	newExpiry := time.Now().UTC().Add(extension)
	changes := models.Row{
		"expires_at":  newExpiry,
		"ttl_seconds": rec.Working.TTLSeconds + int64(extension.Seconds()),
	}
	res := e.baseEngine.Update(ctx, id, changes)
	if res.Success {
		res.Operation = op
		res.Data = map[string]any{"expires_at": newExpiry}
	}
	return res
}

// UpdateTaskContext deep-merges new entries into the task context
func (e *WorkingEngine) UpdateTaskContext(ctx context.Context, id string, updates map[string]any) models.OpResult {
	const op = "update_task_context"

	rec := e.Get(ctx, id)
	if rec == nil || rec.Working == nil {
		return models.Failure(op, fmt.Sprintf("working memory not found: %s", id))
	}

	merged := deepMerge(rec.Working.TaskContext, updates)
	res := e.baseEngine.Update(ctx, id, models.Row{"task_context": marshalField(merged)})
	if res.Success {
		res.Operation = op
	}
	return res
}

// UpdateTaskProgress records the current step, clamped progress and
// optional next actions in the task context
func (e *WorkingEngine) UpdateTaskProgress(ctx context.Context, id, currentStep string, progress float64, nextActions []string) models.OpResult {
	updates := map[string]any{
		"current_step":        currentStep,
		"progress_percentage": clamp(progress, 0, 100),
	}
	if len(nextActions) > 0 {
		updates["next_actions"] = nextActions
	}
	return e.UpdateTaskContext(ctx, id, updates)
}

// SearchActive returns unexpired working memories ordered by priority
func (e *WorkingEngine) SearchActive(ctx context.Context, userID string, limit int) ([]*models.Memory, error) {
	rows, err := e.store.Select(ctx, e.table, models.Filter{
		UserID:     userID,
		ActiveOnly: true,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	return e.decodeAll(rows)
}

// SearchByPriority returns unexpired working memories at or above a
// priority floor
func (e *WorkingEngine) SearchByPriority(ctx context.Context, userID string, minPriority int, limit int) ([]*models.Memory, error) {
	recs, err := e.SearchActive(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	var out []*models.Memory
	for _, rec := range recs {
		if rec.Working.Priority >= minPriority {
			out = append(out, rec)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SearchByTimeRemaining returns unexpired working memories expiring
// within the window
func (e *WorkingEngine) SearchByTimeRemaining(ctx context.Context, userID string, within time.Duration, limit int) ([]*models.Memory, error) {
	recs, err := e.SearchActive(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().UTC().Add(within)
	var out []*models.Memory
	for _, rec := range recs {
		if rec.Working.ExpiresAt.Before(deadline) {
			out = append(out, rec)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SearchByContextKey returns unexpired working memories whose task
// context contains the key
func (e *WorkingEngine) SearchByContextKey(ctx context.Context, userID, key string, limit int) ([]*models.Memory, error) {
	recs, err := e.SearchActive(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	var out []*models.Memory
	for _, rec := range recs {
		if _, ok := rec.Working.TaskContext[key]; ok {
			out = append(out, rec)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// CleanupExpired bulk-deletes expired working memories. Idempotent
// between writes.
func (e *WorkingEngine) CleanupExpired(ctx context.Context, userID string) models.OpResult {
	const op = "cleanup_expired"

	affected, err := e.store.DeleteExpired(ctx, e.table, userID, time.Now().UTC())
	if err != nil {
		e.log.Error("expiry sweep failed",
			zap.String("operation", op), zap.String("user_id", userID), zap.Error(err))
		return models.Failure(op, err.Error())
	}

	return models.OpResult{
		Success:   true,
		Operation: op,
		Data:      map[string]any{"affected": affected},
	}
}

// decodeAll decodes a row batch, skipping undecodable rows
func (e *WorkingEngine) decodeAll(rows []models.Row) ([]*models.Memory, error) {
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

// deepMerge merges src into dst recursively, src winning on scalar
// conflicts. Neither input is mutated.
func deepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if srcMap, ok := v.(map[string]any); ok {
			if dstMap, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(dstMap, srcMap)
				continue
			}
		}
		out[k] = v
	}
	return out
}

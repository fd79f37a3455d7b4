package memory

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/memflow/memflow/internal/models"
)

// episodicSchema is the extraction schema for episodic memories
var episodicSchema = Schema{
	Name: "episodic",
	Instructions: `Extract the event described in the dialog as an episodic memory:
what happened, where, who was involved, and how it felt.`,
	Template: `{
  "event_type": "conversation",
  "clean_content": "...",
  "location": "",
  "participants": ["..."],
  "emotional_valence": 0.0,
  "vividness": 0.5,
  "importance_score": 0.5,
  "topics": ["..."],
  "outcomes": ["..."]
}`,
}

// assistantAliases are participant names that refer to the assistant
// itself and are never stored as participants
var assistantAliases = map[string]bool{
	"ai":        true,
	"assistant": true,
	"claude":    true,
	"chatbot":   true,
	"bot":       true,
}

// EpisodicEngine manages event memories, augmented with entity and
// sentiment analysis run alongside extraction
type EpisodicEngine struct {
	baseEngine
	extractor Extractor
}

// NewEpisodicEngine creates the episodic memory engine
func NewEpisodicEngine(store Store, embedder Embedder, extractor Extractor, tracker AccessTracker, graph AssociationGraph, cfg *Config, log *zap.Logger) *EpisodicEngine {
	e := &EpisodicEngine{extractor: extractor}
	e.baseEngine = newBaseEngine(models.KindEpisodic, TableEpisodic, store, embedder, tracker, graph, e, cfg, log)
	return e
}

// encode maps an episodic record to its storage row
func (e *EpisodicEngine) encode(rec *models.Memory) models.Row {
	row := e.encodeEnvelope(rec)
	f := rec.Episodic
	if f == nil {
		f = &models.EpisodicFields{}
	}
	row["event_type"] = f.EventType
	row["location"] = f.Location
	row["participants"] = marshalField(f.Participants)
	row["emotional_valence"] = f.EmotionalValence
	row["vividness"] = f.Vividness
	row["episode_date"] = f.EpisodeDate
	return row
}

// decode reconstructs an episodic record from its storage row
func (e *EpisodicEngine) decode(row models.Row) (*models.Memory, error) {
	rec := e.decodeEnvelope(row)
	rec.Episodic = &models.EpisodicFields{
		EventType:        rowString(row, "event_type"),
		Location:         rowString(row, "location"),
		Participants:     unmarshalStrings(rowString(row, "participants")),
		EmotionalValence: rowFloat(row, "emotional_valence"),
		Vividness:        rowFloat(row, "vividness"),
		EpisodeDate:      rowTime(row, "episode_date"),
	}
	return rec, nil
}

// StoreFromDialog extracts an event from dialog and stores it. Unlike
// the factual and semantic engines, an empty extraction still writes
// a record from fallbacks: episodes are lossy but never dropped.
func (e *EpisodicEngine) StoreFromDialog(ctx context.Context, userID, dialog string, importance float64) models.OpResult {
	const op = "store_episodic_memory"

	var (
		raw       *ExtractionResult
		entities  []Entity
		sentiment *Sentiment
	)

	// Extraction, entity recognition and sentiment run in parallel;
	// each is individually allowed to fail.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := e.extractor.Extract(gctx, dialog, episodicSchema)
		if err == nil {
			raw = r
		}
		return nil
	})
	g.Go(func() error {
		ents, err := e.extractor.ExtractEntities(gctx, dialog, 0.5)
		if err == nil {
			entities = ents
		}
		return nil
	})
	g.Go(func() error {
		s, err := e.extractor.AnalyzeSentiment(gctx, dialog)
		if err == nil {
			sentiment = s
		}
		return nil
	})
	_ = g.Wait()

	rec := e.buildRecord(userID, dialog, raw, importance)
	e.augment(rec, entities, sentiment)

	return e.baseEngine.Store(ctx, rec)
}

// buildRecord normalises extraction output into a record, falling
// back to a word-prefix content form when extraction failed
func (e *EpisodicEngine) buildRecord(userID, dialog string, raw *ExtractionResult, importance float64) *models.Memory {
	fields := &models.EpisodicFields{
		EventType:   "conversation",
		EpisodeDate: time.Now().UTC(),
		Vividness:   0.5,
	}
	content := wordPrefix(dialog, 30)
	confidence := 0.5
	var tags []string

	if raw != nil && raw.Success {
		data := raw.Data
		if et := strings.TrimSpace(rowString(data, "event_type")); et != "" {
			fields.EventType = strings.ReplaceAll(strings.ToLower(et), " ", "_")
		}
		if cc := strings.TrimSpace(rowString(data, "clean_content")); cc != "" {
			content = cc
		}
		fields.Location = strings.TrimSpace(rowString(data, "location"))
		fields.EmotionalValence = clamp(rowFloat(data, "emotional_valence"), -1, 1)
		fields.Vividness = clamp(rowFloat(data, "vividness"), 0, 1)
		if imp := rowFloat(data, "importance_score"); imp > 0 {
			importance = clamp(imp, 0, 1)
		}
		confidence = raw.Confidence

		for _, p := range anyStrings(data["participants"]) {
			if !assistantAliases[strings.ToLower(strings.TrimSpace(p))] {
				fields.Participants = append(fields.Participants, p)
			}
		}
		tags = anyStrings(data["topics"])
	}

	if importance <= 0 {
		importance = 0.5
	}

	return &models.Memory{
		UserID:     userID,
		Kind:       models.KindEpisodic,
		Content:    content,
		Importance: importance,
		Confidence: confidence,
		Tags:       tags,
		Episodic:   fields,
	}
}

// augment unions PERSON entities into participants, fills a missing
// location from the first LOCATION entity, and overwrites valence
// from sentiment
func (e *EpisodicEngine) augment(rec *models.Memory, entities []Entity, sentiment *Sentiment) {
	f := rec.Episodic

	have := make(map[string]bool, len(f.Participants))
	for _, p := range f.Participants {
		have[strings.ToLower(p)] = true
	}
	for _, ent := range entities {
		switch ent.Type {
		case "PERSON":
			name := strings.TrimSpace(ent.Name)
			lower := strings.ToLower(name)
			if name == "" || assistantAliases[lower] || have[lower] {
				continue
			}
			have[lower] = true
			f.Participants = append(f.Participants, name)
		case "LOCATION":
			if f.Location == "" {
				f.Location = strings.TrimSpace(ent.Name)
			}
		}
	}

	if sentiment != nil {
		switch sentiment.Label {
		case "positive":
			if sentiment.Score < 0.8 {
				f.EmotionalValence = sentiment.Score
			} else {
				f.EmotionalValence = 0.8
			}
		case "negative":
			if -sentiment.Score > -0.8 {
				f.EmotionalValence = -sentiment.Score
			} else {
				f.EmotionalValence = -0.8
			}
		default:
			f.EmotionalValence = 0
		}
	}
}

// SearchByEventType returns episodes of one event type
func (e *EpisodicEngine) SearchByEventType(ctx context.Context, userID, eventType string, limit int) ([]*models.Memory, error) {
	normalized := strings.ReplaceAll(strings.ToLower(eventType), " ", "_")
	rows, err := e.store.Select(ctx, e.table, models.Filter{
		UserID: userID,
		Equals: map[string]any{"event_type": normalized},
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}
	return e.decodeAll(rows)
}

// SearchByLocation returns episodes at one location
func (e *EpisodicEngine) SearchByLocation(ctx context.Context, userID, location string, limit int) ([]*models.Memory, error) {
	rows, err := e.store.Select(ctx, e.table, models.Filter{
		UserID: userID,
		Equals: map[string]any{"location": location},
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}
	return e.decodeAll(rows)
}

// SearchByParticipant returns episodes naming the participant
func (e *EpisodicEngine) SearchByParticipant(ctx context.Context, userID, participant string, limit int) ([]*models.Memory, error) {
	rows, err := e.store.Select(ctx, e.table, models.Filter{UserID: userID})
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(participant)
	var out []*models.Memory
	for _, row := range rows {
		rec, err := e.decode(row)
		if err != nil {
			continue
		}
		for _, p := range rec.Episodic.Participants {
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

// SearchByTimeframe returns episodes whose episode date falls in [from, to)
func (e *EpisodicEngine) SearchByTimeframe(ctx context.Context, userID string, from, to time.Time, limit int) ([]*models.Memory, error) {
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
		d := rec.Episodic.EpisodeDate
		if !d.Before(from) && d.Before(to) {
			out = append(out, rec)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SearchByEmotionalTone returns episodes matching the tone: positive
// valence > 0.2, negative valence < -0.2, neutral in between
func (e *EpisodicEngine) SearchByEmotionalTone(ctx context.Context, userID, tone string, limit int) ([]*models.Memory, error) {
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
		v := rec.Episodic.EmotionalValence
		match := false
		switch strings.ToLower(tone) {
		case "positive":
			match = v > 0.2
		case "negative":
			match = v < -0.2
		default:
			match = v >= -0.2 && v <= 0.2
		}
		if match {
			out = append(out, rec)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SearchByImportance returns episodes at or above an importance floor
func (e *EpisodicEngine) SearchByImportance(ctx context.Context, userID string, minImportance float64, limit int) ([]*models.Memory, error) {
	rows, err := e.store.Select(ctx, e.table, models.Filter{
		UserID:        userID,
		MinImportance: minImportance,
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}
	return e.decodeAll(rows)
}

// decodeAll decodes a row batch, skipping undecodable rows
func (e *EpisodicEngine) decodeAll(rows []models.Row) ([]*models.Memory, error) {
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

// anyStrings coerces a decoded JSON array into strings
func anyStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// wordPrefix returns the first n words of text
func wordPrefix(text string, n int) string {
	words := strings.Fields(text)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}

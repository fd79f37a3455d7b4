package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memflow/memflow/internal/models"
)

// userMessageSchema is the extraction schema for user turns
var userMessageSchema = Schema{
	Name: "session_user_message",
	Instructions: `Extract lightweight metadata for this single user message:
the topics it raises, questions it asks, requests it makes, entities it
names and its overall tone.`,
	Template: `{
  "topics": ["..."],
  "questions": ["..."],
  "requests": ["..."],
  "entities": ["..."],
  "tone": "..."
}`,
}

// assistantMessageSchema is the extraction schema for assistant turns
var assistantMessageSchema = Schema{
	Name: "session_assistant_message",
	Instructions: `Extract lightweight metadata for this single assistant message:
the topics it covers, information it provides, suggestions it makes,
questions it answers, and whether a follow-up is needed.`,
	Template: `{
  "topics": ["..."],
  "information": ["..."],
  "suggestions": ["..."],
  "questions_answered": ["..."],
  "follow_up_needed": false
}`,
}

// sessionSchema is the extraction schema for other roles (system, tool)
var sessionSchema = Schema{
	Name: "session_message",
	Instructions: `Extract lightweight metadata for this single conversation message:
its intent, the topics it touches and any entities it names.`,
	Template: `{
  "intent": "...",
  "topics": ["..."],
  "entities": ["..."],
  "contains_decision": false,
  "contains_action_item": false
}`,
}

// messageSchema selects the extraction schema for a normalised role
func messageSchema(role string) Schema {
	switch role {
	case "user", "human":
		return userMessageSchema
	case "assistant", "ai":
		return assistantMessageSchema
	default:
		return sessionSchema
	}
}

// summaryFocus lists the aspects every session summary must cover
var summaryFocus = []string{
	"main topics",
	"key decisions",
	"action items",
	"important information",
}

// SessionEngine persists conversation turns and maintains one running
// summary per session. Messages folded into a summary stop being
// summary candidates; the flip happens only after the summary write
// succeeds, so a failed summarisation leaves the candidate set intact
// for the next trigger.
type SessionEngine struct {
	store      Store
	embedder   Embedder
	extractor  Extractor
	summarizer Summarizer
	cfg        *Config
	log        *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-session summarisation locks
}

// NewSessionEngine creates the session memory engine
func NewSessionEngine(store Store, embedder Embedder, extractor Extractor, summarizer Summarizer, cfg *Config, log *zap.Logger) *SessionEngine {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionEngine{
		store:      store,
		embedder:   embedder,
		extractor:  extractor,
		summarizer: summarizer,
		cfg:        cfg,
		log:        log,
		locks:      map[string]*sync.Mutex{},
	}
}

// sessionLock returns the summarisation lock for one session
func (e *SessionEngine) sessionLock(sessionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[sessionID] = l
	}
	return l
}

// StoreMessage persists one conversation turn and triggers
// summarisation when the session has grown past its thresholds.
// Metadata extraction is best-effort: the message is written even when
// the extractor is unavailable.
func (e *SessionEngine) StoreMessage(ctx context.Context, userID, sessionID, role, content string) models.OpResult {
	const op = "store_session_message"

	if strings.TrimSpace(content) == "" {
		return models.Failure(op, "message content is empty")
	}
	if userID == "" || sessionID == "" {
		return models.Failure(op, "user_id and session_id are required")
	}

	role = strings.ToLower(strings.TrimSpace(role))

	metadata := map[string]any{}
	if raw, err := e.extractor.Extract(ctx, content, messageSchema(role)); err != nil {
		e.log.Warn("message metadata extraction unavailable",
			zap.String("operation", op), zap.String("session_id", sessionID), zap.Error(err))
	} else if raw.Success {
		metadata = raw.Data
	}
	if sentiment, err := e.extractor.AnalyzeSentiment(ctx, content); err == nil && sentiment != nil {
		metadata["sentiment"] = sentiment.Label
		metadata["sentiment_score"] = sentiment.Score
	}

	msg := models.SessionMessage{
		ID:                 uuid.NewString(),
		UserID:             userID,
		SessionID:          sessionID,
		Role:               role,
		Content:            content,
		MessageType:        classifyMessage(content),
		MessageMetadata:    metadata,
		IsSummaryCandidate: true,
		CreatedAt:          time.Now().UTC(),
	}

	row := models.Row{
		"id":                   msg.ID,
		"user_id":              msg.UserID,
		"session_id":           msg.SessionID,
		"role":                 msg.Role,
		"content":              msg.Content,
		"message_type":         msg.MessageType,
		"message_metadata":     marshalField(msg.MessageMetadata),
		"is_summary_candidate": true,
		"created_at":           msg.CreatedAt,
	}
	if err := e.store.Insert(ctx, TableSessionMessages, row); err != nil {
		e.log.Error("failed to store session message",
			zap.String("operation", op), zap.String("session_id", sessionID), zap.Error(err))
		return models.Failure(op, err.Error())
	}

	e.bumpSummaryCounter(ctx, userID, sessionID)

	res := models.OpResult{
		Success:   true,
		Operation: op,
		MemoryID:  msg.ID,
		Data:      map[string]any{"session_id": sessionID},
	}

	if e.shouldSummarize(ctx, userID, sessionID) {
		sres := e.SummarizeSession(ctx, userID, sessionID, false, "medium")
		res.Data["summary_triggered"] = true
		res.Data["summary_success"] = sres.Success
	}

	return res
}

// classifyMessage is a coarse message-type heuristic
func classifyMessage(content string) string {
	if strings.Contains(content, "?") {
		return "question"
	}
	return "statement"
}

// bumpSummaryCounter increments messages_since_last_summary on the
// existing summary row, if there is one
func (e *SessionEngine) bumpSummaryCounter(ctx context.Context, userID, sessionID string) {
	summary := e.getSummary(ctx, userID, sessionID)
	if summary == nil {
		return
	}
	changes := models.Row{
		"messages_since_last_summary": summary.MessagesSinceLastSummary + 1,
		"updated_at":                  time.Now().UTC(),
	}
	if err := e.store.Update(ctx, TableSessionSummary, summary.ID, changes); err != nil {
		e.log.Warn("failed to bump summary counter",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// shouldSummarize checks the three summarisation triggers: candidate
// count, candidate byte length, and staleness of an existing summary
func (e *SessionEngine) shouldSummarize(ctx context.Context, userID, sessionID string) bool {
	candidates, err := e.candidateMessages(ctx, userID, sessionID)
	if err != nil {
		return false
	}

	if len(candidates) >= e.cfg.SummaryTriggerCount {
		return true
	}

	total := 0
	for _, m := range candidates {
		total += len(m.Content)
	}
	if total >= e.cfg.MaxSessionLength {
		return true
	}

	if summary := e.getSummary(ctx, userID, sessionID); summary != nil {
		if summary.MessagesSinceLastSummary >= e.cfg.SummaryStaleCount && len(candidates) > 0 {
			return true
		}
	}
	return false
}

// SummarizeSession compresses the session into the running summary.
// Unless forced, it re-checks the triggers under the session lock. The
// transcript covers every message of the session; the candidate set is
// captured before the LLM call and only those messages are flipped
// afterwards, so turns arriving mid-summarisation stay candidates for
// the next pass.
func (e *SessionEngine) SummarizeSession(ctx context.Context, userID, sessionID string, force bool, level string) models.OpResult {
	const op = "summarize_session"

	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if !force && !e.shouldSummarize(ctx, userID, sessionID) {
		return models.OpResult{
			Success:   true,
			Operation: op,
			Message:   "summarization not needed",
			Data:      map[string]any{"skipped": true},
		}
	}

	messages, err := e.sessionMessages(ctx, userID, sessionID)
	if err != nil {
		return models.Failure(op, fmt.Sprintf("failed to load messages: %v", err))
	}
	var candidates []models.SessionMessage
	for _, m := range messages {
		if m.IsSummaryCandidate {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return models.Failure(op, "no messages to summarize")
	}

	transcript := buildTranscript(messages)
	existing := e.getSummary(ctx, userID, sessionID)

	if level == "" {
		level = "medium"
	}
	result, err := e.summarizer.Summarize(ctx, transcript, SummaryOptions{
		Style:       "narrative",
		Length:      level,
		CustomFocus: summaryFocus,
	})
	if err != nil {
		e.log.Error("session summarization failed",
			zap.String("operation", op), zap.String("session_id", sessionID), zap.Error(err))
		return models.Failure(op, fmt.Sprintf("summarization failed: %v", err))
	}
	if !result.Success || strings.TrimSpace(result.Summary) == "" {
		return models.Failure(op, "summarizer produced no summary")
	}

	keyPoints, err := e.summarizer.ExtractKeyPoints(ctx, transcript, 8)
	if err != nil {
		keyPoints = nil
	}

	now := time.Now().UTC()
	metadata := map[string]any{
		"summary_generated_at": now.Format(time.RFC3339Nano),
		"compression_ratio":    result.CompressionRatio,
		"quality_score":        result.QualityScore,
		"summary_length":       result.CharacterCount,
		"summary_style":        "narrative",
		"original_length":      len(transcript),
		"compression_level":    level,
	}

	totalMessages := len(messages)

	var summaryID string
	if existing != nil {
		summaryID = existing.ID
		changes := models.Row{
			"conversation_summary":        result.Summary,
			"key_decisions":               marshalField(keyPoints),
			"total_messages":              totalMessages,
			"messages_since_last_summary": 0,
			"last_summary_at":             now,
			"session_metadata":            marshalField(metadata),
			"updated_at":                  now,
		}
		if err := e.store.Update(ctx, TableSessionSummary, summaryID, changes); err != nil {
			return models.Failure(op, fmt.Sprintf("failed to update summary: %v", err))
		}
	} else {
		summaryID = uuid.NewString()
		row := models.Row{
			"id":                          summaryID,
			"user_id":                     userID,
			"session_id":                  sessionID,
			"conversation_summary":        result.Summary,
			"key_decisions":               marshalField(keyPoints),
			"total_messages":              totalMessages,
			"messages_since_last_summary": 0,
			"last_summary_at":             now,
			"session_metadata":            marshalField(metadata),
			"created_at":                  now,
			"updated_at":                  now,
		}
		if err := e.store.Insert(ctx, TableSessionSummary, row); err != nil {
			return models.Failure(op, fmt.Sprintf("failed to store summary: %v", err))
		}
	}

	ids := make([]string, len(candidates))
	for i, m := range candidates {
		ids[i] = m.ID
	}
	if err := e.store.UpdateMany(ctx, TableSessionMessages, ids, models.Row{"is_summary_candidate": false}); err != nil {
		e.log.Error("failed to flip summary candidates",
			zap.String("session_id", sessionID), zap.Int("count", len(ids)), zap.Error(err))
		return models.Failure(op, fmt.Sprintf("failed to mark messages summarized: %v", err))
	}

	return models.OpResult{
		Success:   true,
		Operation: op,
		MemoryID:  summaryID,
		Message:   fmt.Sprintf("summarized %d messages", len(candidates)),
		Data: map[string]any{
			"messages_summarized": len(candidates),
			"compression_ratio":   result.CompressionRatio,
			"quality_score":       result.QualityScore,
		},
	}
}

// buildTranscript renders session messages as "Role: content" lines
func buildTranscript(messages []models.SessionMessage) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, fmt.Sprintf("%s: %s", displayRole(m.Role), m.Content))
	}
	return strings.Join(lines, "\n")
}

// displayRole maps stored roles to transcript labels
func displayRole(role string) string {
	switch role {
	case "user", "human":
		return "User"
	case "assistant", "ai":
		return "Assistant"
	case "":
		return "Unknown"
	default:
		r := []rune(role)
		r[0] = unicode.ToUpper(r[0])
		return string(r)
	}
}

// GetSessionContext assembles the prompt-construction bundle: the
// running summary (when requested and present) plus the most recent
// messages in chronological order
func (e *SessionEngine) GetSessionContext(ctx context.Context, userID, sessionID string, includeSummaries bool, maxRecent int) (*models.SessionContext, error) {
	messages, err := e.sessionMessages(ctx, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session messages: %w", err)
	}

	active := 0
	for _, m := range messages {
		if m.IsSummaryCandidate {
			active++
		}
	}

	if maxRecent <= 0 {
		maxRecent = 10
	}
	recent := messages
	if len(recent) > maxRecent {
		recent = recent[len(recent)-maxRecent:]
	}

	sc := &models.SessionContext{
		Success:        true,
		SessionID:      sessionID,
		TotalMessages:  len(messages),
		ActiveMessages: active,
		RecentMessages: recent,
	}

	if includeSummaries {
		if summary := e.getSummary(ctx, userID, sessionID); summary != nil {
			sc.SummaryAvailable = true
			sc.Summary = summary
		}
	}
	return sc, nil
}

// Search ranks session messages against the query text. Session
// memories have no stored embedding; similarity is computed pairwise
// against message content, with hits wrapped in session-kind envelopes
// so cross-kind results stay uniform.
func (e *SessionEngine) Search(ctx context.Context, q models.SearchQuery) ([]models.SearchHit, error) {
	topK := q.TopK
	if topK == 0 {
		return []models.SearchHit{}, nil
	}
	if topK < 0 {
		topK = e.cfg.TopKDefault
	}
	threshold := q.Threshold
	if threshold < 0 {
		threshold = e.cfg.SimilarityThreshold
	}

	// Warm the embedder cache for the query text before the pairwise loop
	if _, err := e.embedder.Embed(ctx, q.Text); err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	rows, err := e.store.Select(ctx, TableSessionMessages, models.Filter{
		UserID:        q.UserID,
		CreatedAfter:  q.CreatedAfter,
		CreatedBefore: q.CreatedBefore,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load session messages: %w", err)
	}

	var hits []models.SearchHit
	for _, row := range rows {
		msg := decodeSessionMessage(row)
		sim, err := e.embedder.Similarity(ctx, q.Text, msg.Content)
		if err != nil {
			continue
		}
		if sim < threshold {
			continue
		}
		hits = append(hits, models.SearchHit{
			Memory:     sessionEnvelope(msg),
			Similarity: sim,
		})
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

// Count returns the number of session messages owned by userID
func (e *SessionEngine) Count(ctx context.Context, userID string) (int64, error) {
	return e.store.Count(ctx, TableSessionMessages, userID)
}

// sessionEnvelope wraps a message in the shared memory envelope
func sessionEnvelope(msg models.SessionMessage) *models.Memory {
	return &models.Memory{
		ID:        msg.ID,
		UserID:    msg.UserID,
		Kind:      models.KindSession,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
		UpdatedAt: msg.CreatedAt,
		Context: map[string]any{
			"session_id":   msg.SessionID,
			"role":         msg.Role,
			"message_type": msg.MessageType,
		},
	}
}

// candidateMessages loads the session's summary candidates in
// chronological order
func (e *SessionEngine) candidateMessages(ctx context.Context, userID, sessionID string) ([]models.SessionMessage, error) {
	rows, err := e.store.Select(ctx, TableSessionMessages, models.Filter{
		UserID:    userID,
		SessionID: sessionID,
		Equals:    map[string]any{"is_summary_candidate": true},
	})
	if err != nil {
		return nil, err
	}
	return sortedMessages(rows), nil
}

// sessionMessages loads every message of the session in chronological order
func (e *SessionEngine) sessionMessages(ctx context.Context, userID, sessionID string) ([]models.SessionMessage, error) {
	rows, err := e.store.Select(ctx, TableSessionMessages, models.Filter{
		UserID:    userID,
		SessionID: sessionID,
	})
	if err != nil {
		return nil, err
	}
	return sortedMessages(rows), nil
}

// sortedMessages decodes rows and orders them by creation time
func sortedMessages(rows []models.Row) []models.SessionMessage {
	out := make([]models.SessionMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, decodeSessionMessage(row))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// decodeSessionMessage reconstructs a message from its storage row
func decodeSessionMessage(row models.Row) models.SessionMessage {
	return models.SessionMessage{
		ID:                 rowString(row, "id"),
		UserID:             rowString(row, "user_id"),
		SessionID:          rowString(row, "session_id"),
		Role:               rowString(row, "role"),
		Content:            rowString(row, "content"),
		MessageType:        rowString(row, "message_type"),
		MessageMetadata:    unmarshalMap(rowString(row, "message_metadata")),
		IsSummaryCandidate: rowBool(row, "is_summary_candidate"),
		CreatedAt:          rowTime(row, "created_at"),
	}
}

// getSummary loads the session's summary row, nil when absent
func (e *SessionEngine) getSummary(ctx context.Context, userID, sessionID string) *models.SessionSummary {
	rows, err := e.store.Select(ctx, TableSessionSummary, models.Filter{
		UserID:    userID,
		SessionID: sessionID,
		Limit:     1,
	})
	if err != nil || len(rows) == 0 {
		return nil
	}
	row := rows[0]
	summary := &models.SessionSummary{
		ID:                       rowString(row, "id"),
		UserID:                   rowString(row, "user_id"),
		SessionID:                rowString(row, "session_id"),
		ConversationSummary:      rowString(row, "conversation_summary"),
		KeyDecisions:             unmarshalStrings(rowString(row, "key_decisions")),
		TotalMessages:            rowInt(row, "total_messages"),
		MessagesSinceLastSummary: rowInt(row, "messages_since_last_summary"),
		LastSummaryAt:            rowTime(row, "last_summary_at"),
		SessionMetadata:          unmarshalMap(rowString(row, "session_metadata")),
		CreatedAt:                rowTime(row, "created_at"),
		UpdatedAt:                rowTime(row, "updated_at"),
	}
	return summary
}

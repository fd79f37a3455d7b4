package models

import "time"

// Kind identifies one of the six memory kinds
type Kind string

const (
	KindFactual    Kind = "factual"
	KindEpisodic   Kind = "episodic"
	KindSemantic   Kind = "semantic"
	KindProcedural Kind = "procedural"
	KindWorking    Kind = "working"
	KindSession    Kind = "session"
)

// AllKinds returns every memory kind in registration order
func AllKinds() []Kind {
	return []Kind{
		KindFactual,
		KindEpisodic,
		KindSemantic,
		KindProcedural,
		KindWorking,
		KindSession,
	}
}

// Memory is the common envelope shared by all memory kinds.
// Exactly one of the kind-specific field structs is non-nil and
// matches Kind. Session messages and summaries use their own row
// types below.
type Memory struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Kind        Kind           `json:"kind"`
	Content     string         `json:"content"`
	Embedding   []float32      `json:"embedding,omitempty"`
	Importance  float64        `json:"importance"`
	Confidence  float64        `json:"confidence"`
	AccessCount int            `json:"access_count"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	LastAccess  *time.Time     `json:"last_accessed_at,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Tags        []string       `json:"tags,omitempty"`

	Factual    *FactualFields    `json:"factual,omitempty"`
	Episodic   *EpisodicFields   `json:"episodic,omitempty"`
	Semantic   *SemanticFields   `json:"semantic,omitempty"`
	Procedural *ProceduralFields `json:"procedural,omitempty"`
	Working    *WorkingFields    `json:"working,omitempty"`
}

// FactualFields holds the subject-predicate-object triple of a factual memory
type FactualFields struct {
	FactType           string   `json:"fact_type"`
	Subject            string   `json:"subject"`
	Predicate          string   `json:"predicate"`
	ObjectValue        string   `json:"object_value"`
	Source             string   `json:"source,omitempty"`
	VerificationStatus string   `json:"verification_status"`
	RelatedFacts       []string `json:"related_facts,omitempty"`
}

// EpisodicFields describe a remembered event
type EpisodicFields struct {
	EventType        string    `json:"event_type"`
	Location         string    `json:"location,omitempty"`
	Participants     []string  `json:"participants,omitempty"`
	EmotionalValence float64   `json:"emotional_valence"`
	Vividness        float64   `json:"vividness"`
	EpisodeDate      time.Time `json:"episode_date"`
}

// SemanticFields describe a concept or definition
type SemanticFields struct {
	ConceptType      string         `json:"concept_type"`
	Definition       string         `json:"definition"`
	Properties       map[string]any `json:"properties,omitempty"`
	AbstractionLevel string         `json:"abstraction_level"`
	Category         string         `json:"category"`
	RelatedConcepts  []string       `json:"related_concepts,omitempty"`
}

// ProcedureStep is a single ordered step of a procedural memory
type ProcedureStep struct {
	Number        int      `json:"number"`
	Description   string   `json:"description"`
	Importance    float64  `json:"importance"`
	ToolsNeeded   []string `json:"tools_needed,omitempty"`
	EstimatedTime string   `json:"estimated_time,omitempty"`
}

// ProceduralFields describe a learned skill or workflow
type ProceduralFields struct {
	SkillType          string          `json:"skill_type"`
	Steps              []ProcedureStep `json:"steps"`
	Prerequisites      []string        `json:"prerequisites,omitempty"`
	DifficultyLevel    string          `json:"difficulty_level"`
	SuccessRate        float64         `json:"success_rate"`
	Domain             string          `json:"domain"`
	CurrentStep        string          `json:"current_step,omitempty"`
	ProgressPercentage float64         `json:"progress_percentage,omitempty"`
}

// WorkingFields describe a short-lived task context
type WorkingFields struct {
	TaskID      string         `json:"task_id"`
	TaskContext map[string]any `json:"task_context,omitempty"`
	TTLSeconds  int64          `json:"ttl_seconds"`
	Priority    int            `json:"priority"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

// Active reports whether the working memory has not yet expired
func (w *WorkingFields) Active(now time.Time) bool {
	return now.Before(w.ExpiresAt)
}

// SessionMessage is a single turn persisted for a session
type SessionMessage struct {
	ID                 string         `json:"id"`
	UserID             string         `json:"user_id"`
	SessionID          string         `json:"session_id"`
	Role               string         `json:"role"`
	Content            string         `json:"content"`
	MessageType        string         `json:"message_type"`
	MessageMetadata    map[string]any `json:"message_metadata,omitempty"`
	IsSummaryCandidate bool           `json:"is_summary_candidate"`
	CreatedAt          time.Time      `json:"created_at"`
}

// SessionSummary is the running summary row for a session, at most
// one per session_id
type SessionSummary struct {
	ID                       string         `json:"id"`
	UserID                   string         `json:"user_id"`
	SessionID                string         `json:"session_id"`
	ConversationSummary      string         `json:"conversation_summary"`
	KeyDecisions             []string       `json:"key_decisions,omitempty"`
	TotalMessages            int            `json:"total_messages"`
	MessagesSinceLastSummary int            `json:"messages_since_last_summary"`
	LastSummaryAt            time.Time      `json:"last_summary_at"`
	SessionMetadata          map[string]any `json:"session_metadata,omitempty"`
	CreatedAt                time.Time      `json:"created_at"`
	UpdatedAt                time.Time      `json:"updated_at"`
}

// SessionContext is the context bundle returned for prompt construction
type SessionContext struct {
	Success          bool             `json:"success"`
	SessionID        string           `json:"session_id"`
	TotalMessages    int              `json:"total_messages"`
	ActiveMessages   int              `json:"active_messages"`
	SummaryAvailable bool             `json:"summary_available"`
	Summary          *SessionSummary  `json:"summary,omitempty"`
	RecentMessages   []SessionMessage `json:"recent_messages"`
}

// SearchQuery describes one semantic retrieval request.
// An empty Kinds slice searches all six kinds.
type SearchQuery struct {
	UserID        string     `json:"user_id"`
	Text          string     `json:"text"`
	Kinds         []Kind     `json:"kinds,omitempty"`
	TopK          int        `json:"top_k"`
	Threshold     float64    `json:"threshold"`
	MinImportance float64    `json:"min_importance,omitempty"`
	MinConfidence float64    `json:"min_confidence,omitempty"`
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`
	ActiveOnly    bool       `json:"active_only,omitempty"`
}

// SearchHit is one ranked retrieval result
type SearchHit struct {
	Memory     *Memory `json:"memory"`
	Similarity float64 `json:"similarity"`
	Rank       int     `json:"rank"`
}

// OpResult is the structured outcome of a memory write operation.
// Failures are reported here rather than raised across the engine
// boundary.
type OpResult struct {
	Success   bool           `json:"success"`
	Operation string         `json:"operation"`
	MemoryID  string         `json:"memory_id,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Failure builds a failed OpResult for an operation
func Failure(operation, message string) OpResult {
	return OpResult{Success: false, Operation: operation, Message: message}
}

// Association is a directed typed edge between two memories.
// Symmetry is not implied: (a -> b) does not create (b -> a).
type Association struct {
	FromID   string  `json:"from_id"`
	ToID     string  `json:"to_id"`
	Type     string  `json:"type"`
	Strength float64 `json:"strength"`
}

// Statistics aggregates per-user memory counts across kinds
type Statistics struct {
	UserID          string           `json:"user_id"`
	Total           int64            `json:"total"`
	ByKind          map[Kind]int64   `json:"by_kind"`
	MemoryDiversity int              `json:"memory_diversity"`
}

// Row is one flat storage row: complex fields are serialised to
// strings at the store boundary and reconstructed on the way out
type Row map[string]any

// Filter restricts a row scan. Zero values mean "no restriction".
type Filter struct {
	UserID        string
	SessionID     string
	MinImportance float64
	MinConfidence float64
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	ActiveOnly    bool
	Equals        map[string]any
	Limit         int
}

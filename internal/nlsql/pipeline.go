package nlsql

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// QueryResponse is the end-to-end outcome of one natural-language query
type QueryResponse struct {
	Success   bool              `json:"success"`
	Query     string            `json:"query"`
	Context   *QueryContext     `json:"context,omitempty"`
	Matches   []MetadataMatch   `json:"matches,omitempty"`
	Generated *SQLGenResult     `json:"generated,omitempty"`
	Result    *ExecutionResult  `json:"result,omitempty"`
	Attempts  []FallbackAttempt `json:"attempts,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Pipeline binds the six NL→SQL steps to one source connection.
// DataSourcing (discovery, enrichment, indexing) must run before
// DataQuery (matching, generation, execution) can serve queries.
type Pipeline struct {
	db       *sql.DB
	dialect  string
	embedder Embedder
	llm      LLM
	index    *EmbeddingIndex
	matcher  *Matcher
	gen      *Generator
	cfg      *Config
	log      *zap.Logger

	mu       sync.RWMutex
	enriched *EnrichedMetadata
	executor *Executor
}

// NewPipeline creates the pipeline over one source. indexDir names
// the on-disk embedding index location; empty keeps it in memory.
func NewPipeline(db *sql.DB, dialect string, embedder Embedder, llm LLM, indexDir string, cfg *Config, log *zap.Logger) (*Pipeline, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}

	index, err := OpenEmbeddingIndex(indexDir, embedder, log)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		db:       db,
		dialect:  dialect,
		embedder: embedder,
		llm:      llm,
		index:    index,
		matcher:  NewMatcher(llm, index, log),
		gen:      NewGenerator(llm, log),
		cfg:      cfg,
		log:      log,
	}, nil
}

// DataSourcing runs steps 1-3: metadata discovery, semantic
// enrichment and embedding-index construction. Re-running refreshes
// the pipeline's view of the source.
func (p *Pipeline) DataSourcing(ctx context.Context) (*EnrichedMetadata, error) {
	meta, err := NewDiscoverer(p.db, p.dialect, p.cfg, p.log).Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("metadata discovery failed: %w", err)
	}

	enriched := NewEnricher(p.log).Enrich(meta)

	if _, err := p.index.BuildFromMetadata(ctx, enriched); err != nil {
		return nil, fmt.Errorf("embedding index build failed: %w", err)
	}

	p.mu.Lock()
	p.enriched = enriched
	p.executor = NewExecutor(p.db, p.dialect, meta, p.executorFeedback(), p.cfg, p.log)
	p.mu.Unlock()

	return enriched, nil
}

// executorFeedback carries the feedback buffer across re-sourcing so
// learning survives schema refreshes. Caller holds no lock; this runs
// under the DataSourcing write lock only.
func (p *Pipeline) executorFeedback() *FeedbackBuffer {
	if p.executor != nil {
		return p.executor.Feedback()
	}
	return NewFeedbackBuffer(p.cfg.FeedbackCapacity)
}

// DataQuery runs steps 4-6 for one natural-language query: match
// against the sourced schema, generate SQL, execute with fallbacks
func (p *Pipeline) DataQuery(ctx context.Context, nlQuery string) (*QueryResponse, error) {
	p.mu.RLock()
	enriched := p.enriched
	executor := p.executor
	p.mu.RUnlock()

	if enriched == nil {
		return nil, fmt.Errorf("source not yet processed: run data sourcing first")
	}

	resp := &QueryResponse{Query: nlQuery}

	qc, matches, plan, err := p.matcher.Match(ctx, nlQuery, enriched)
	resp.Context = qc
	resp.Matches = matches
	if err != nil {
		resp.Error = err.Error()
		return resp, nil
	}

	gen, err := p.gen.Generate(ctx, nlQuery, qc, plan, enriched)
	if err != nil {
		resp.Error = err.Error()
		return resp, nil
	}
	resp.Generated = gen

	result, attempts := executor.Execute(ctx, gen, nlQuery)
	resp.Result = result
	resp.Attempts = attempts
	resp.Success = result.Success

	if !result.Success {
		resp.Error = result.Error
	}
	return resp, nil
}

// Insights exposes the feedback aggregates, nil before first sourcing
func (p *Pipeline) Insights() *Insights {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.executor == nil {
		return nil
	}
	return p.executor.Feedback().Insights()
}

// Metadata returns the current enriched view, nil before first sourcing
func (p *Pipeline) Metadata() *EnrichedMetadata {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enriched
}

// Close releases the embedding index
func (p *Pipeline) Close() error {
	return p.index.Close()
}

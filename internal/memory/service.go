package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/memflow/memflow/internal/models"
)

// kindSearcher is the per-kind surface the service fans out over
type kindSearcher interface {
	Search(ctx context.Context, q models.SearchQuery) ([]models.SearchHit, error)
	Count(ctx context.Context, userID string) (int64, error)
}

// StoreRequest is one dispatchable memory write
type StoreRequest struct {
	Kind       models.Kind   `json:"kind"`
	UserID     string        `json:"user_id"`
	Dialog     string        `json:"dialog"`
	Importance float64       `json:"importance,omitempty"`
	TTL        time.Duration `json:"ttl,omitempty"`        // working only
	SessionID  string        `json:"session_id,omitempty"` // session only
	Role       string        `json:"role,omitempty"`       // session only
}

// MemoryService coordinates the six typed engines: kind dispatch on
// writes, cross-kind fan-out on reads, statistics and background
// consolidation.
type MemoryService struct {
	Factual    *FactualEngine
	Episodic   *EpisodicEngine
	Semantic   *SemanticEngine
	Procedural *ProceduralEngine
	Working    *WorkingEngine
	Session    *SessionEngine

	cfg     *Config
	log     *zap.Logger
	tracker AccessTracker
	graph   AssociationGraph

	mu    sync.Mutex
	users map[string]bool // users seen by writes, swept by consolidation

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewMemoryService wires the engine family over shared backends
func NewMemoryService(store Store, embedder Embedder, extractor Extractor, summarizer Summarizer, tracker AccessTracker, graph AssociationGraph, cfg *Config, log *zap.Logger) *MemoryService {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := &MemoryService{
		Factual:    NewFactualEngine(store, embedder, extractor, tracker, graph, cfg, log),
		Episodic:   NewEpisodicEngine(store, embedder, extractor, tracker, graph, cfg, log),
		Semantic:   NewSemanticEngine(store, embedder, extractor, tracker, graph, cfg, log),
		Procedural: NewProceduralEngine(store, embedder, extractor, tracker, graph, cfg, log),
		Working:    NewWorkingEngine(store, embedder, extractor, tracker, graph, cfg, log),
		Session:    NewSessionEngine(store, embedder, extractor, summarizer, cfg, log),
		cfg:        cfg,
		log:        log,
		tracker:    tracker,
		graph:      graph,
		users:      map[string]bool{},
		stop:       make(chan struct{}),
	}

	if cfg.ConsolidationEnabled {
		s.wg.Add(1)
		go s.consolidationLoop()
	}
	return s
}

// searcher returns the fan-out surface for one kind
func (s *MemoryService) searcher(kind models.Kind) kindSearcher {
	switch kind {
	case models.KindFactual:
		return s.Factual
	case models.KindEpisodic:
		return s.Episodic
	case models.KindSemantic:
		return s.Semantic
	case models.KindProcedural:
		return s.Procedural
	case models.KindWorking:
		return s.Working
	case models.KindSession:
		return s.Session
	default:
		return nil
	}
}

// Store dispatches one write to the engine for its kind
func (s *MemoryService) Store(ctx context.Context, req StoreRequest) models.OpResult {
	s.rememberUser(req.UserID)

	switch req.Kind {
	case models.KindFactual:
		return s.Factual.StoreFromDialog(ctx, req.UserID, req.Dialog, req.Importance)
	case models.KindEpisodic:
		return s.Episodic.StoreFromDialog(ctx, req.UserID, req.Dialog, req.Importance)
	case models.KindSemantic:
		return s.Semantic.StoreFromDialog(ctx, req.UserID, req.Dialog, req.Importance)
	case models.KindProcedural:
		return s.Procedural.StoreFromDialog(ctx, req.UserID, req.Dialog, req.Importance)
	case models.KindWorking:
		return s.Working.StoreFromDialog(ctx, req.UserID, req.Dialog, req.TTL, req.Importance)
	case models.KindSession:
		return s.Session.StoreMessage(ctx, req.UserID, req.SessionID, req.Role, req.Dialog)
	default:
		return models.Failure("store_memory", fmt.Sprintf("unknown memory kind: %s", req.Kind))
	}
}

// BatchStore runs a batch of writes concurrently, preserving request
// order in the results
func (s *MemoryService) BatchStore(ctx context.Context, reqs []StoreRequest) []models.OpResult {
	results := make([]models.OpResult, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, req := range reqs {
		g.Go(func() error {
			results[i] = s.Store(gctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Search fans the query out across the requested kinds (all six when
// none are named), merges the per-kind rankings and re-ranks the
// union. A kind whose engine fails drops out of the result rather
// than failing the whole query.
func (s *MemoryService) Search(ctx context.Context, q models.SearchQuery) ([]models.SearchHit, error) {
	if q.TopK == 0 {
		return []models.SearchHit{}, nil
	}
	topK := q.TopK
	if topK < 0 {
		topK = s.cfg.TopKDefault
	}

	kinds := q.Kinds
	if len(kinds) == 0 {
		kinds = models.AllKinds()
	}

	var (
		mu     sync.Mutex
		merged []models.SearchHit
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range kinds {
		engine := s.searcher(kind)
		if engine == nil {
			s.log.Warn("search skipped unknown kind", zap.String("kind", string(kind)))
			continue
		}
		g.Go(func() error {
			// Per-kind queries fetch the full budget so the merged
			// ranking is correct after truncation.
			kq := q
			kq.Kinds = nil
			kq.TopK = topK
			hits, err := engine.Search(gctx, kq)
			if err != nil {
				s.log.Warn("kind search failed",
					zap.String("kind", string(kind)), zap.Error(err))
				return nil
			}
			mu.Lock()
			merged = append(merged, hits...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Similarity > merged[j].Similarity
	})
	if len(merged) > topK {
		merged = merged[:topK]
	}
	for i := range merged {
		merged[i].Rank = i + 1
	}
	return merged, nil
}

// Statistics counts a user's memories across all kinds concurrently
func (s *MemoryService) Statistics(ctx context.Context, userID string) (*models.Statistics, error) {
	stats := &models.Statistics{
		UserID: userID,
		ByKind: make(map[models.Kind]int64, len(models.AllKinds())),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range models.AllKinds() {
		engine := s.searcher(kind)
		g.Go(func() error {
			n, err := engine.Count(gctx, userID)
			if err != nil {
				return fmt.Errorf("failed to count %s memories: %w", kind, err)
			}
			mu.Lock()
			stats.ByKind[kind] = n
			stats.Total += n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, n := range stats.ByKind {
		if n > 0 {
			stats.MemoryDiversity++
		}
	}
	return stats, nil
}

// Consolidate runs one maintenance pass for a user: expired working
// memories are swept and the post-sweep statistics reported
func (s *MemoryService) Consolidate(ctx context.Context, userID string) models.OpResult {
	const op = "consolidate"

	cleanup := s.Working.CleanupExpired(ctx, userID)
	if !cleanup.Success {
		return models.Failure(op, cleanup.Message)
	}

	stats, err := s.Statistics(ctx, userID)
	if err != nil {
		return models.Failure(op, err.Error())
	}

	return models.OpResult{
		Success:   true,
		Operation: op,
		Data: map[string]any{
			"expired_removed":  cleanup.Data["affected"],
			"total_memories":   stats.Total,
			"memory_diversity": stats.MemoryDiversity,
		},
	}
}

// rememberUser registers a user for the consolidation sweep
func (s *MemoryService) rememberUser(userID string) {
	if userID == "" {
		return
	}
	s.mu.Lock()
	s.users[userID] = true
	s.mu.Unlock()
}

// sweepUsers snapshots the registered user set
func (s *MemoryService) sweepUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.users))
	for u := range s.users {
		out = append(out, u)
	}
	return out
}

// consolidationLoop periodically consolidates every user seen by a
// write since startup
func (s *MemoryService) consolidationLoop() {
	defer s.wg.Done()

	interval := s.cfg.ConsolidationInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			for _, userID := range s.sweepUsers() {
				if res := s.Consolidate(ctx, userID); !res.Success {
					s.log.Warn("scheduled consolidation failed",
						zap.String("user_id", userID), zap.String("message", res.Message))
				}
			}
			cancel()
		}
	}
}

// Close stops the consolidation loop and releases the side stores
func (s *MemoryService) Close() error {
	close(s.stop)
	s.wg.Wait()

	var firstErr error
	if s.tracker != nil {
		if err := s.tracker.Close(); err != nil {
			firstErr = fmt.Errorf("failed to close access tracker: %w", err)
		}
	}
	if s.graph != nil {
		if err := s.graph.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close association graph: %w", err)
		}
	}
	return firstErr
}

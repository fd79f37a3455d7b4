package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
)

// ServiceEmbedder implements Embedder against a local
// sentence-transformers HTTP service
type ServiceEmbedder struct {
	apiURL     string
	model      string
	dimensions int
	httpClient *http.Client
}

// NewServiceEmbedder creates an embedder backed by an embedding
// service (typically running on localhost)
func NewServiceEmbedder(apiURL, model string, dimensions int) *ServiceEmbedder {
	return &ServiceEmbedder{
		apiURL:     apiURL,
		model:      model,
		dimensions: dimensions,
		httpClient: &http.Client{},
	}
}

// Embed creates an embedding vector for text
func (e *ServiceEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	requestBody := map[string]any{
		"inputs": []string{text},
		"model":  e.model,
	}

	body, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.apiURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding API error %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("no embeddings generated")
	}

	return result[0], nil
}

// Similarity embeds both texts and scores them by cosine, mapped to [0,1]
func (e *ServiceEmbedder) Similarity(ctx context.Context, a, b string) (float64, error) {
	va, err := e.Embed(ctx, a)
	if err != nil {
		return 0, err
	}
	vb, err := e.Embed(ctx, b)
	if err != nil {
		return 0, err
	}
	return CosineSimilarity(va, vb), nil
}

// Dimensions returns the embedding vector dimensionality
func (e *ServiceEmbedder) Dimensions() int {
	return e.dimensions
}

// HashEmbedder is a deterministic fallback embedder using word
// hashing with position weighting. Used when no embedding service is
// configured, and in tests.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder creates a hash-based embedder
func NewHashEmbedder(dimensions int) *HashEmbedder {
	return &HashEmbedder{dimensions: dimensions}
}

// Embed creates a hash-based embedding
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.ToLower(strings.TrimSpace(text))
	words := strings.Fields(text)

	embedding := make([]float32, e.dimensions)
	for i, word := range words {
		h := fnv.New32a()
		h.Write([]byte(word))
		hash := h.Sum32()
		position := float32(i) / float32(len(words))

		// Earlier words weigh more
		weight := 1.0 / (1.0 + position)
		idx := int(hash % uint32(e.dimensions))
		embedding[idx] += weight
	}

	var magnitude float64
	for _, v := range embedding {
		magnitude += float64(v) * float64(v)
	}
	magnitude = math.Sqrt(magnitude)
	if magnitude > 0 {
		for i := range embedding {
			embedding[i] = float32(float64(embedding[i]) / magnitude)
		}
	}

	return embedding, nil
}

// Similarity scores two texts by cosine over their hash embeddings
func (e *HashEmbedder) Similarity(ctx context.Context, a, b string) (float64, error) {
	va, err := e.Embed(ctx, a)
	if err != nil {
		return 0, err
	}
	vb, err := e.Embed(ctx, b)
	if err != nil {
		return 0, err
	}
	return CosineSimilarity(va, vb), nil
}

// Dimensions returns the embedding vector dimensionality
func (e *HashEmbedder) Dimensions() int {
	return e.dimensions
}

// CachedEmbedder wraps an Embedder with a bounded text-hash -> vector
// cache under a read-mostly lock. Entries are never invalidated; once
// the cache is full, new texts pass through uncached.
type CachedEmbedder struct {
	inner    Embedder
	capacity int

	mu      sync.RWMutex
	entries map[uint64][]float32
}

// NewCachedEmbedder wraps inner with a cache of the given capacity
func NewCachedEmbedder(inner Embedder, capacity int) *CachedEmbedder {
	return &CachedEmbedder{
		inner:    inner,
		capacity: capacity,
		entries:  make(map[uint64][]float32),
	}
}

// Embed returns the cached vector or computes and caches it
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := textHash(text)

	e.mu.RLock()
	vec, ok := e.entries[key]
	e.mu.RUnlock()
	if ok {
		return vec, nil
	}

	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if len(e.entries) < e.capacity {
		e.entries[key] = vec
	}
	e.mu.Unlock()

	return vec, nil
}

// Similarity scores two texts by cosine over cached embeddings
func (e *CachedEmbedder) Similarity(ctx context.Context, a, b string) (float64, error) {
	va, err := e.Embed(ctx, a)
	if err != nil {
		return 0, err
	}
	vb, err := e.Embed(ctx, b)
	if err != nil {
		return 0, err
	}
	return CosineSimilarity(va, vb), nil
}

// Dimensions returns the inner embedder's dimensionality
func (e *CachedEmbedder) Dimensions() int {
	return e.inner.Dimensions()
}

// Len returns the current number of cached entries
func (e *CachedEmbedder) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries)
}

// CosineSimilarity computes cosine similarity mapped to [0,1].
// Mismatched or zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp into [0,1]; anti-correlated vectors are simply dissimilar
	if cos < 0 {
		return 0
	}
	if cos > 1 {
		return 1
	}
	return cos
}

// textHash computes the cache key for a text
func textHash(text string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(text))
	return h.Sum64()
}

package nlsql

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/memflow/memflow/internal/memory"
)

// elementPrefix namespaces every schema-element key in the index
const elementPrefix = "element:"

// IndexedElement is one schema element with its embedding
type IndexedElement struct {
	Key         string    `json:"key"`          // table:orders or column:orders.total
	ElementType string    `json:"element_type"` // table or column
	Name        string    `json:"name"`
	Text        string    `json:"text"` // the description that was embedded
	Vector      []float32 `json:"vector"`
}

// ElementMatch is one index hit
type ElementMatch struct {
	Element    IndexedElement `json:"element"`
	Similarity float64        `json:"similarity"`
}

// EmbeddingIndex stores schema-element embeddings in Badger so
// sourcing survives restarts and matching needs no re-embedding pass
type EmbeddingIndex struct {
	db       *badger.DB
	embedder Embedder
	log      *zap.Logger
}

// OpenEmbeddingIndex opens the index at dir; an empty dir opens an
// in-memory index
func OpenEmbeddingIndex(dir string, embedder Embedder, log *zap.Logger) (*EmbeddingIndex, error) {
	if log == nil {
		log = zap.NewNop()
	}

	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedding index: %w", err)
	}
	return &EmbeddingIndex{db: db, embedder: embedder, log: log}, nil
}

// BuildFromMetadata embeds every table and column of the enriched
// schema and writes the elements to the index. Existing entries for
// re-sourced elements are overwritten.
func (x *EmbeddingIndex) BuildFromMetadata(ctx context.Context, enriched *EnrichedMetadata) (int, error) {
	meta := enriched.Metadata
	indexed := 0

	for _, t := range meta.Tables {
		text := describeTable(t, enriched)
		if err := x.put(ctx, "table:"+t.TableName, "table", t.TableName, text); err != nil {
			return indexed, err
		}
		indexed++
	}
	for _, c := range meta.Columns {
		key := fmt.Sprintf("column:%s.%s", c.TableName, c.ColumnName)
		text := describeColumn(c, enriched)
		if err := x.put(ctx, key, "column", c.TableName+"."+c.ColumnName, text); err != nil {
			return indexed, err
		}
		indexed++
	}

	x.log.Info("embedding index built", zap.Int("elements", indexed))
	return indexed, nil
}

// describeTable renders the text a table is embedded from
func describeTable(t TableInfo, enriched *EnrichedMetadata) string {
	parts := []string{"table " + t.TableName}
	for _, e := range enriched.BusinessEntities {
		if e.Name == t.TableName {
			parts = append(parts, e.EntityType)
			break
		}
	}
	if tags := enriched.SemanticTags[t.TableName]; len(tags) > 0 {
		parts = append(parts, strings.Join(tags, " "))
	}
	if t.Comment != "" {
		parts = append(parts, t.Comment)
	}
	return strings.Join(parts, " ")
}

// describeColumn renders the text a column is embedded from
func describeColumn(c ColumnInfo, enriched *EnrichedMetadata) string {
	parts := []string{fmt.Sprintf("column %s of table %s type %s", c.ColumnName, c.TableName, c.DataType)}
	if tags := enriched.SemanticTags[c.TableName+"."+c.ColumnName]; len(tags) > 0 {
		parts = append(parts, strings.Join(tags, " "))
	}
	if c.Comment != "" {
		parts = append(parts, c.Comment)
	}
	return strings.Join(parts, " ")
}

// put embeds one element description and writes the entry
func (x *EmbeddingIndex) put(ctx context.Context, key, elementType, name, text string) error {
	vec, err := x.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("failed to embed %s: %w", key, err)
	}

	entry := IndexedElement{
		Key:         key,
		ElementType: elementType,
		Name:        name,
		Text:        text,
		Vector:      vec,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal index entry: %w", err)
	}

	return x.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(elementPrefix+key), payload)
	})
}

// Search embeds the query and ranks every indexed element against it
func (x *EmbeddingIndex) Search(ctx context.Context, query string, topN int) ([]ElementMatch, error) {
	if topN <= 0 {
		topN = 10
	}

	queryVec, err := x.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	var matches []ElementMatch
	err = x.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(elementPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var entry IndexedElement
				if err := json.Unmarshal(val, &entry); err != nil {
					return nil // skip undecodable entries
				}
				matches = append(matches, ElementMatch{
					Element:    entry,
					Similarity: memory.CosineSimilarity(queryVec, entry.Vector),
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index scan failed: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if len(matches) > topN {
		matches = matches[:topN]
	}
	return matches, nil
}

// Close closes the index
func (x *EmbeddingIndex) Close() error {
	return x.db.Close()
}

package nlsql

import (
	"context"
	"testing"
)

func openTestIndex(t *testing.T) *EmbeddingIndex {
	t.Helper()
	idx, err := OpenEmbeddingIndex("", testEmbedder(), nil)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestIndexBuildAndSearch(t *testing.T) {
	idx := openTestIndex(t)

	indexed, err := idx.BuildFromMetadata(context.Background(), enrichedShop())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// five tables plus ten columns
	if indexed != 15 {
		t.Errorf("indexed = %d, want 15", indexed)
	}

	all, err := idx.Search(context.Background(), "orders", 100)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(all) != 15 {
		t.Fatalf("matches = %d, want every element ranked", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Similarity > all[i-1].Similarity {
			t.Fatalf("matches not sorted at %d: %v > %v", i, all[i].Similarity, all[i-1].Similarity)
		}
	}

	// querying with an element's own embedded text must rank it first
	target := all[len(all)-1].Element
	hits, err := idx.Search(context.Background(), target.Text, 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if hits[0].Element.Key != target.Key {
		t.Errorf("top hit = %s, want %s", hits[0].Element.Key, target.Key)
	}
	if hits[0].Similarity < 0.999 {
		t.Errorf("self similarity = %v", hits[0].Similarity)
	}
}

func TestIndexSearchDefaultTopN(t *testing.T) {
	idx := openTestIndex(t)
	if _, err := idx.BuildFromMetadata(context.Background(), enrichedShop()); err != nil {
		t.Fatalf("build: %v", err)
	}

	hits, err := idx.Search(context.Background(), "anything", 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 10 {
		t.Errorf("hits = %d, want default cap 10", len(hits))
	}
}

func TestIndexRebuildOverwrites(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := idx.BuildFromMetadata(ctx, enrichedShop()); err != nil {
			t.Fatalf("build %d: %v", i, err)
		}
	}

	hits, err := idx.Search(ctx, "orders", 100)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 15 {
		t.Errorf("hits = %d after rebuild, want no duplicates", len(hits))
	}
}

func TestDescribeTableIncludesEntityType(t *testing.T) {
	enriched := enrichedShop()
	var orders TableInfo
	for _, tb := range enriched.Metadata.Tables {
		if tb.TableName == "orders" {
			orders = tb
		}
	}
	text := describeTable(orders, enriched)
	if text != "table orders transaction" {
		t.Errorf("description = %q", text)
	}
}

package nlsql

import (
	"context"

	"github.com/memflow/memflow/internal/inference"
	"github.com/memflow/memflow/internal/memory"
)

// fakeLLM returns a canned response or error
type fakeLLM struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeLLM) GenerateSync(ctx context.Context, prompt string) (*inference.Result, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return nil, f.err
	}
	return &inference.Result{Response: f.response}, nil
}

// testEmbedder is the deterministic embedder used across nlsql tests
func testEmbedder() Embedder {
	return memory.NewHashEmbedder(64)
}

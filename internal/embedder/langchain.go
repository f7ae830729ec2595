// Package embedder provides rag.Embedder implementations backed by the
// langchaingo embeddings clients (Ollama for local use, OpenAI-compatible
// endpoints for hosted models). The backend is selected once at startup by
// [NewFromEnv]; everything downstream sees only the rag.Embedder interface.
package embedder

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
)

// LangchainEmbedder adapts a langchaingo embeddings.Embedder to the
// rag.Embedder interface. It is safe for concurrent use as long as the
// underlying client is (both langchaingo clients are).
type LangchainEmbedder struct {
	// inner is the langchaingo embedder doing the actual work.
	inner embeddings.Embedder

	// backend is the provider label used in error messages.
	backend string
}

// newLangchainEmbedder wraps client in the langchaingo batching embedder.
func newLangchainEmbedder(client embeddings.EmbedderClient, backend string) (*LangchainEmbedder, error) {
	inner, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("embedder: %s: %w", backend, err)
	}
	return &LangchainEmbedder{inner: inner, backend: backend}, nil
}

// Embed converts a batch of texts into their corresponding embeddings.
// The returned slice is parallel to the input slice.
func (e *LangchainEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := e.inner.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedder: %s embed failed: %w", e.backend, err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedder: %s returned %d vectors for %d texts", e.backend, len(vecs), len(texts))
	}
	return vecs, nil
}

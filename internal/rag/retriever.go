package rag

import (
	"context"
	"fmt"
)

// NewRetriever constructs the appropriate Retriever for the given store and
// user. The variant is selected once, at construction time, by probing the
// store's capabilities: a store that can scope searches to a user yields a
// PipelineRetriever bound to that user, everything else yields a
// DirectRetriever over the whole collection. Callers therefore never need
// call-time fallback logic.
func NewRetriever(embedder Embedder, store VectorStore, user string, defaultTopK int) (Retriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("rag: embedder must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("rag: store must not be nil")
	}
	if defaultTopK <= 0 {
		defaultTopK = 5
	}

	if scoped, ok := store.(UserScopedSearcher); ok && user != "" {
		return &PipelineRetriever{
			embedder:    embedder,
			store:       scoped,
			user:        user,
			defaultTopK: defaultTopK,
		}, nil
	}

	return &DirectRetriever{
		embedder:    embedder,
		store:       store,
		defaultTopK: defaultTopK,
	}, nil
}

// DirectRetriever searches the whole collection: it embeds the query at
// retrieval time and delegates similarity search to the store unscoped.
type DirectRetriever struct {
	// embedder converts query text to a dense vector.
	embedder Embedder

	// store performs the vector similarity search.
	store VectorStore

	// defaultTopK is the number of results to return when the caller passes 0.
	defaultTopK int
}

// Retrieve embeds the query and returns the top-k most relevant documents
// across all users. If topK is 0 the construction-time default is used.
func (r *DirectRetriever) Retrieve(ctx context.Context, query string, topK int) ([]Document, error) {
	if topK <= 0 {
		topK = r.defaultTopK
	}

	vec, err := embedQuery(ctx, r.embedder, query)
	if err != nil {
		return nil, err
	}

	docs, err := r.store.Search(ctx, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("rag: vector search failed: %w", err)
	}
	return docs, nil
}

// PipelineRetriever is the per-user query pipeline: results are restricted to
// documents owned by the user it was constructed for.
type PipelineRetriever struct {
	// embedder converts query text to a dense vector.
	embedder Embedder

	// store performs the user-scoped vector similarity search.
	store UserScopedSearcher

	// user is the owner whose documents are searched.
	user string

	// defaultTopK is the number of results to return when the caller passes 0.
	defaultTopK int
}

// Retrieve embeds the query and returns the top-k most relevant documents
// owned by the pipeline's user. If topK is 0 the construction-time default
// is used.
func (r *PipelineRetriever) Retrieve(ctx context.Context, query string, topK int) ([]Document, error) {
	if topK <= 0 {
		topK = r.defaultTopK
	}

	vec, err := embedQuery(ctx, r.embedder, query)
	if err != nil {
		return nil, err
	}

	docs, err := r.store.SearchUser(ctx, vec, topK, r.user)
	if err != nil {
		return nil, fmt.Errorf("rag: user-scoped vector search failed: %w", err)
	}
	return docs, nil
}

// embedQuery embeds a single query string and validates the result.
func embedQuery(ctx context.Context, embedder Embedder, query string) ([]float32, error) {
	embeddings, err := embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("rag: embedding query failed: %w", err)
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("rag: embedder returned empty result for query")
	}
	return embeddings[0], nil
}

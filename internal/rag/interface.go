// Package rag defines the retrieval interfaces docdex builds on: vector
// storage, document retrieval, and embedding. Concrete implementations
// (Qdrant, langchaingo embedders) satisfy these interfaces so the HTTP and
// ingestion layers never depend on a specific backend.
package rag

import (
	"context"
)

// Document represents one indexed chunk of a stored file.
type Document struct {
	// ID is the unique identifier for this chunk.
	ID string

	// Content is the raw text content of the chunk.
	Content string

	// FileID is the source record ID the chunk was produced from.
	FileID string

	// FileName is the sanitized original filename of the source.
	FileName string

	// User is the owning user of the source record.
	User string

	// Collection is the logical collection the chunk belongs to.
	Collection string

	// Score is the similarity score assigned during retrieval (0.0–1.0).
	// Zero value means the score was not computed.
	Score float32
}

// VectorStore is the interface for persisting and searching chunk embeddings.
// Implementations must be safe to call from multiple goroutines.
type VectorStore interface {
	// Upsert stores or updates a batch of documents with their pre-computed
	// embeddings. The embeddings slice must be parallel to docs —
	// embeddings[i] is the vector for docs[i].
	Upsert(ctx context.Context, docs []Document, embeddings [][]float32) error

	// Search performs a similarity search over the whole collection and
	// returns the top-k most relevant documents for the query embedding.
	Search(ctx context.Context, queryEmbedding []float32, topK int) ([]Document, error)

	// DeleteByFile removes every chunk produced from the given source record.
	DeleteByFile(ctx context.Context, fileID string) error

	// Close releases any resources held by the store.
	Close() error
}

// UserScopedSearcher is an optional capability of a VectorStore: searching
// restricted to a single user's documents. Retriever construction probes for
// it once; backends without the capability fall back to global search.
type UserScopedSearcher interface {
	// SearchUser behaves like VectorStore.Search but only returns chunks
	// whose source record is owned by user.
	SearchUser(ctx context.Context, queryEmbedding []float32, topK int, user string) ([]Document, error)
}

// Embedder is the interface for converting text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Retriever is the high-level search interface used by the HTTP layer.
// Implementations must be safe to call from multiple goroutines.
type Retriever interface {
	// Retrieve returns the top-k most relevant documents for the given query.
	Retrieve(ctx context.Context, query string, topK int) ([]Document, error)
}

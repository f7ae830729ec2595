package server

import (
	"context"
	"fmt"

	"github.com/awerner/docdex-go/internal/rag"
	"github.com/awerner/docdex-go/internal/store"
)

// pingable is any dependency exposing a context-aware reachability check.
type pingable interface {
	Ping(ctx context.Context) error
}

// StorePinger probes the relational store with a round-trip query.
// It satisfies the Pinger interface and is used by GET /api/ready.
type StorePinger struct {
	// store is the SQLite store to probe.
	store *store.SQLiteStore
}

// NewStorePinger constructs a StorePinger for the given store.
func NewStorePinger(st *store.SQLiteStore) *StorePinger {
	return &StorePinger{store: st}
}

// Name returns the dependency label used in readiness responses.
func (p *StorePinger) Name() string { return "sqlite" }

// Ping verifies the database connection is alive.
func (p *StorePinger) Ping(ctx context.Context) error {
	if err := p.store.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// VectorPinger probes the vector store backend (Qdrant's native HealthCheck
// RPC behind rag.QdrantStore.Ping). It satisfies the Pinger interface and is
// used by GET /api/ready.
type VectorPinger struct {
	// target is the vector store to probe.
	target pingable
}

// NewVectorPinger constructs a VectorPinger for the given vector store.
func NewVectorPinger(target pingable) *VectorPinger {
	return &VectorPinger{target: target}
}

// Name returns the dependency label used in readiness responses.
func (p *VectorPinger) Name() string { return "qdrant" }

// Ping delegates to the vector store's health check.
func (p *VectorPinger) Ping(ctx context.Context) error {
	if err := p.target.Ping(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// EmbedderPinger probes the embedding backend with a minimal single-text
// embed request. It satisfies the Pinger interface and is used by
// GET /api/ready.
type EmbedderPinger struct {
	// embedder is the embedding backend to probe.
	embedder rag.Embedder
	// name identifies the backend in readiness responses (e.g. "ollama").
	name string
}

// NewEmbedderPinger constructs an EmbedderPinger for the given embedder and
// backend name.
func NewEmbedderPinger(emb rag.Embedder, name string) *EmbedderPinger {
	return &EmbedderPinger{embedder: emb, name: name}
}

// Name returns the backend label used in readiness responses.
func (p *EmbedderPinger) Name() string { return p.name }

// Ping embeds a single short text to verify the backend answers.
func (p *EmbedderPinger) Ping(ctx context.Context) error {
	vecs, err := p.embedder.Embed(ctx, []string{"ping"})
	if err != nil {
		return fmt.Errorf("embed failed: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return fmt.Errorf("embed returned no vector")
	}
	return nil
}

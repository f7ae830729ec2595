// Package index provides the FileIndex service object: the explicitly
// constructed, passed-by-reference owner of the ingestion resolver, the
// relational store, the vector store, and the embedder. It replaces the
// module-level singleton shape of earlier designs with a defined
// OnCreate/OnStart/Close lifecycle.
package index

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/awerner/docdex-go/internal/ingest"
	"github.com/awerner/docdex-go/internal/rag"
	"github.com/awerner/docdex-go/internal/store"
)

// Config holds the FileIndex settings.
type Config struct {
	// Name is the human-readable index name.
	Name string

	// Collection is the vector store collection backing this index.
	Collection string

	// TempDir is where uploads are staged before indexing.
	TempDir string

	// DataDir is the root of the content-addressed permanent file store.
	DataDir string

	// ChunkSize and ChunkOverlap configure the text splitter.
	ChunkSize    int
	ChunkOverlap int

	// DefaultTopK is the result count used when a search request passes 0.
	DefaultTopK int
}

// FileIndex is the service object tying together all index state.
type FileIndex struct {
	// cfg holds the resolved configuration.
	cfg *Config

	// store persists source records and users.
	store *store.SQLiteStore

	// vectors is the chunk vector store.
	vectors rag.VectorStore

	// embedder converts text to vectors for both ingestion and search.
	embedder rag.Embedder

	// resolver constructs ingestion pipelines.
	resolver *ingest.Resolver
}

// New constructs a FileIndex. Call OnCreate and OnStart before serving.
func New(cfg *Config, st *store.SQLiteStore, vectors rag.VectorStore, embedder rag.Embedder) (*FileIndex, error) {
	if cfg == nil {
		return nil, fmt.Errorf("index: config must not be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("index: store must not be nil")
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}

	resolver, err := ingest.NewResolver(st, vectors, embedder, &ingest.Config{
		Collection:   cfg.Collection,
		DataDir:      cfg.DataDir,
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
	})
	if err != nil {
		return nil, err
	}

	return &FileIndex{
		cfg:      cfg,
		store:    st,
		vectors:  vectors,
		embedder: embedder,
		resolver: resolver,
	}, nil
}

// OnCreate runs the schema migration. Only needed the first time, but safe
// to rerun on every start.
func (x *FileIndex) OnCreate(ctx context.Context) error {
	_ = ctx
	if err := x.store.Migrate(); err != nil {
		return fmt.Errorf("index: on create: %w", err)
	}
	return nil
}

// OnStart prepares the on-disk directories the index writes to.
func (x *FileIndex) OnStart(ctx context.Context) error {
	_ = ctx
	for _, dir := range []string{x.cfg.TempDir, x.cfg.DataDir} {
		if dir == "" {
			return fmt.Errorf("index: temp and data dirs must be configured")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("index: create %s: %w", dir, err)
		}
	}
	return nil
}

// Close releases the vector store connection. The relational store is closed
// by its owner.
func (x *FileIndex) Close() error {
	if x.vectors == nil {
		return nil
	}
	return x.vectors.Close()
}

// TempDir returns the upload staging directory.
func (x *FileIndex) TempDir() string { return x.cfg.TempDir }

// Name returns the index name.
func (x *FileIndex) Name() string { return x.cfg.Name }

// IndexingPipeline resolves the ingestion pipeline for the file at path owned
// by user. Resolution is stateless and cheap — the background indexer
// re-resolves rather than carrying pipeline state across the async boundary.
func (x *FileIndex) IndexingPipeline(path, user string) (*ingest.IndexPipeline, error) {
	return x.resolver.Route(path, user)
}

// Source returns the source record with the given ID.
func (x *FileIndex) Source(ctx context.Context, id string) (*store.Source, error) {
	return x.store.SourceByID(ctx, id)
}

// ListFiles returns all source records. The user argument is passed through
// to the store, which does not apply it as a filter.
func (x *FileIndex) ListFiles(ctx context.Context, user string) ([]*store.Source, error) {
	return x.store.ListSources(ctx, user)
}

// Search retrieves the topK most relevant chunks for query. The retriever
// variant (direct or user-scoped pipeline) is chosen by capability probing in
// rag.NewRetriever, not by error handling here.
func (x *FileIndex) Search(ctx context.Context, query string, topK int, user string) ([]rag.Document, error) {
	retriever, err := rag.NewRetriever(x.embedder, x.vectors, user, x.cfg.DefaultTopK)
	if err != nil {
		return nil, err
	}
	return retriever.Retrieve(ctx, query, topK)
}

// MarkFailed records a failed indexing outcome for the source. Missing
// records are tolerated: the row may have been deleted since scheduling.
func (x *FileIndex) MarkFailed(ctx context.Context, id string) error {
	err := x.store.SetSourceStatus(ctx, id, store.StatusFailed)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

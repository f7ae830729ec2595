// Package ingest implements the file-ingestion pipeline: content-addressed
// storage with dedupe, format-specific document loading, chunking, embedding,
// and vector upsert. Parsing and chunking are delegated to langchaingo's
// document loaders and text splitter; this package owns the call sequence.
package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tmc/langchaingo/documentloaders"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/awerner/docdex-go/internal/rag"
	"github.com/awerner/docdex-go/internal/store"
)

// Config holds the settings shared by every pipeline the resolver produces.
type Config struct {
	// Collection is the logical collection name chunks are tagged with.
	Collection string

	// DataDir is the root of the content-addressed permanent file store.
	// A stored file's bytes live at DataDir/<sha256 hex>.
	DataDir string

	// ChunkSize is the maximum number of characters per chunk.
	// Defaults to 1000 if zero.
	ChunkSize int

	// ChunkOverlap is the number of characters to overlap between consecutive
	// chunks. Defaults to 100 if zero.
	ChunkOverlap int

	// BatchSize is the number of chunks embedded and upserted per round trip.
	// Defaults to 32 if zero.
	BatchSize int
}

// Resolver constructs ingestion pipelines. Resolution is stateless: the same
// inputs always produce an equivalent pipeline, so callers may re-resolve
// freely (the background indexer does).
type Resolver struct {
	// store persists source records.
	store *store.SQLiteStore

	// vectors receives embedded chunks.
	vectors rag.VectorStore

	// embedder converts chunk text to vectors.
	embedder rag.Embedder

	// cfg holds the resolved shared settings.
	cfg *Config
}

// NewResolver constructs a Resolver from the provided dependencies and config.
func NewResolver(st *store.SQLiteStore, vectors rag.VectorStore, embedder rag.Embedder, cfg *Config) (*Resolver, error) {
	if st == nil {
		return nil, fmt.Errorf("ingest: store must not be nil")
	}
	if vectors == nil {
		return nil, fmt.Errorf("ingest: vector store must not be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("ingest: embedder must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 0
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("ingest: data dir must be set")
	}

	return &Resolver{store: st, vectors: vectors, embedder: embedder, cfg: cfg}, nil
}

// Route selects the document loader for path's extension and returns the
// pipeline bound to user. Returns an error for extensions no loader handles —
// the HTTP layer's allow-list normally rejects those first, so hitting this
// indicates a configuration mismatch.
func (r *Resolver) Route(path, user string) (*IndexPipeline, error) {
	ext := strings.ToLower(filepath.Ext(path))
	newLoader, ok := loaderFor(ext)
	if !ok {
		return nil, fmt.Errorf("ingest: no loader registered for %q", ext)
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(r.cfg.ChunkSize),
		textsplitter.WithChunkOverlap(r.cfg.ChunkOverlap),
	)

	return &IndexPipeline{
		store:      r.store,
		vectors:    r.vectors,
		embedder:   r.embedder,
		newLoader:  newLoader,
		splitter:   splitter,
		user:       user,
		collection: r.cfg.Collection,
		dataDir:    r.cfg.DataDir,
		batchSize:  r.cfg.BatchSize,
	}, nil
}

// ContentPath returns the permanent location for the given content address.
func (r *Resolver) ContentPath(address string) string {
	return filepath.Join(r.cfg.DataDir, address)
}

// loaderFactory opens a langchaingo loader over an already-opened file.
type loaderFactory func(f *os.File) (documentloaders.Loader, error)

// loaderFor returns the loader factory for a lowercase extension.
func loaderFor(ext string) (loaderFactory, bool) {
	switch ext {
	case ".txt", ".md", ".log":
		return func(f *os.File) (documentloaders.Loader, error) {
			return documentloaders.NewText(f), nil
		}, true
	case ".csv":
		return func(f *os.File) (documentloaders.Loader, error) {
			return documentloaders.NewCSV(f), nil
		}, true
	case ".html", ".htm":
		return func(f *os.File) (documentloaders.Loader, error) {
			return documentloaders.NewHTML(f), nil
		}, true
	case ".pdf":
		return func(f *os.File) (documentloaders.Loader, error) {
			info, err := f.Stat()
			if err != nil {
				return nil, fmt.Errorf("ingest: stat pdf: %w", err)
			}
			return documentloaders.NewPDF(f, info.Size()), nil
		}, true
	default:
		return nil, false
	}
}

// SupportedExtension reports whether a loader exists for the extension of
// path (matching is case-insensitive).
func SupportedExtension(path string) bool {
	_, ok := loaderFor(strings.ToLower(filepath.Ext(path)))
	return ok
}

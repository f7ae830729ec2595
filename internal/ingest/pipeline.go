package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/awerner/docdex-go/internal/rag"
	"github.com/awerner/docdex-go/internal/store"
	"github.com/awerner/docdex-go/internal/tokens"
)

// IndexPipeline drives one file through store → load → chunk → embed → upsert
// → finish. A pipeline is bound to a user and a loader at resolution time and
// is cheap to construct; nothing in it is shared mutable state.
type IndexPipeline struct {
	// store persists source records.
	store *store.SQLiteStore

	// vectors receives embedded chunks.
	vectors rag.VectorStore

	// embedder converts chunk text to vectors.
	embedder rag.Embedder

	// newLoader opens the format-specific langchaingo loader.
	newLoader loaderFactory

	// splitter chunks loaded documents.
	splitter textsplitter.TextSplitter

	// user is the owning user for records this pipeline creates.
	user string

	// collection tags every chunk produced by this pipeline.
	collection string

	// dataDir is the content-addressed permanent store root.
	dataDir string

	// batchSize bounds how many chunks are embedded per round trip.
	batchSize int
}

// Collection returns the collection name chunks are tagged with.
func (p *IndexPipeline) Collection() string { return p.collection }

// ContentAddress computes the sha256 hex digest of the file at path.
// The digest doubles as the durable storage key and the dedupe identity.
func ContentAddress(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("ingest: open for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("ingest: hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// StoreFile copies tempPath into the content-addressed store and inserts the
// source record with status pending. Returns the new record's ID, or
// store.ErrDuplicateSource when the same content already exists for this
// pipeline's user — the caller resolves that to the existing ID via
// [IndexPipeline.IDIfExists].
func (p *IndexPipeline) StoreFile(ctx context.Context, tempPath string) (string, error) {
	address, size, err := ContentAddress(tempPath)
	if err != nil {
		return "", err
	}

	dst := filepath.Join(p.dataDir, address)
	if err := copyIfAbsent(tempPath, dst); err != nil {
		return "", err
	}

	id, err := p.store.InsertSource(ctx, &store.Source{
		Name: filepath.Base(tempPath),
		Path: address,
		Size: size,
		User: p.user,
	})
	if err != nil {
		// ErrDuplicateSource passes through untouched for dedupe resolution.
		return "", err
	}
	return id, nil
}

// IDIfExists returns the ID of the existing record holding tempPath's content
// for this pipeline's user, or "" when none exists.
func (p *IndexPipeline) IDIfExists(ctx context.Context, tempPath string) (string, error) {
	address, _, err := ContentAddress(tempPath)
	if err != nil {
		return "", err
	}
	src, err := p.store.SourceByAddress(ctx, address, p.user)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return src.ID, nil
}

// DropChunks removes every chunk previously stored for fileID. Indexing runs
// call it before upserting so a retry of a partially-indexed record never
// accumulates duplicate chunks.
func (p *IndexPipeline) DropChunks(ctx context.Context, fileID string) error {
	if err := p.vectors.DeleteByFile(ctx, fileID); err != nil {
		return fmt.Errorf("ingest: drop chunks for %s: %w", fileID, err)
	}
	return nil
}

// ContentPath returns the permanent on-disk location for a content address.
func (p *IndexPipeline) ContentPath(address string) string {
	return filepath.Join(p.dataDir, address)
}

// LoadDocs parses and chunks the file at path, tagging every chunk with the
// file name, file ID, and collection. The loader and splitter are
// langchaingo's; only the tagging is ours.
func (p *IndexPipeline) LoadDocs(ctx context.Context, path, fileID, fileName string) ([]rag.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open for loading: %w", err)
	}
	defer f.Close()

	loader, err := p.newLoader(f)
	if err != nil {
		return nil, err
	}

	chunks, err := loader.LoadAndSplit(ctx, p.splitter)
	if err != nil {
		return nil, fmt.Errorf("ingest: load and split %s: %w", fileName, err)
	}

	docs := make([]rag.Document, 0, len(chunks))
	for _, c := range chunks {
		docs = append(docs, rag.Document{
			ID:         uuid.NewString(),
			Content:    c.PageContent,
			FileID:     fileID,
			FileName:   fileName,
			User:       p.user,
			Collection: p.collection,
		})
	}
	return docs, nil
}

// HandleDocs streams docs through embed → upsert in batches of batchSize, so
// embeddings for a large file are never all resident at once.
func (p *IndexPipeline) HandleDocs(ctx context.Context, docs []rag.Document) error {
	for start := 0; start < len(docs); start += p.batchSize {
		end := start + p.batchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[start:end]

		texts := make([]string, len(batch))
		for i, d := range batch {
			texts[i] = d.Content
		}

		embeddings, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("ingest: embed batch: %w", err)
		}

		if err := p.vectors.Upsert(ctx, batch, embeddings); err != nil {
			return fmt.Errorf("ingest: upsert batch: %w", err)
		}
	}
	return nil
}

// Finish computes the estimated token total over the handled chunks and marks
// the source record indexed. Must only run after HandleDocs has completed —
// the token count describes chunk state that has to exist.
func (p *IndexPipeline) Finish(ctx context.Context, fileID string, docs []rag.Document) error {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	total := tokens.EstimateAll(texts)

	if err := p.store.FinishSource(ctx, fileID, total); err != nil {
		return fmt.Errorf("ingest: finish %s: %w", fileID, err)
	}
	return nil
}

// copyIfAbsent copies src to dst unless dst already exists. Existing content
// is never rewritten: identical bytes hash to the same address, and differing
// bytes at the same address cannot happen short of a hash collision.
func copyIfAbsent(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("ingest: create content dir: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("ingest: open source: %w", err)
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return fmt.Errorf("ingest: create temp copy: %w", err)
	}
	tmpName := out.Name()

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmpName)
		return fmt.Errorf("ingest: copy content: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ingest: close copy: %w", err)
	}

	// Rename is atomic within a directory, so readers never observe a
	// half-written content file.
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ingest: publish content: %w", err)
	}
	return nil
}

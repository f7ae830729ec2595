package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/awerner/docdex-go/internal/embedder"
	"github.com/awerner/docdex-go/internal/index"
	"github.com/awerner/docdex-go/internal/rag"
	"github.com/awerner/docdex-go/internal/store"
)

// Defaults applied when neither env vars nor the YAML config provide a value.
const (
	defaultIndexName      = "default"
	defaultCollection     = "docdex-files"
	defaultFileTypes      = ".txt,.md,.log,.csv,.html,.htm,.pdf"
	defaultMaxFileSizeMB  = 50
	defaultUploadUserName = "api"
)

// stack bundles the wired service objects the serve and ingest commands share.
type stack struct {
	// store is the relational store; the owner must Close it.
	store *store.SQLiteStore
	// vectors is the Qdrant-backed chunk store, closed via idx.Close.
	vectors *rag.QdrantStore
	// idx is the file index service.
	idx *index.FileIndex
	// emb is the embedding backend, also probed by /api/ready.
	emb rag.Embedder
	// embBackend names the embedding provider (ollama, openai).
	embBackend string
}

// buildStack wires the relational store, embedder, vector store, and file
// index from environment variables (which the config layer populates from
// YAML when a config file is present).
func buildStack(ctx context.Context, log *slog.Logger) (*stack, error) {
	dbPath, err := resolveDBPath()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", dbPath, err)
	}
	log.Info("store opened", slog.String("path", dbPath))

	emb, err := embedder.NewFromEnv()
	if err != nil {
		st.Close()
		return nil, err
	}
	backend := embedder.Backend()
	log.Info("embedder initialised", slog.String("provider", backend))

	qdrantHost := getEnvOrDefault("QDRANT_HOST", "localhost")
	qdrantPort := getEnvInt("QDRANT_PORT", 6334)
	collection := getEnvOrDefault("INDEX_COLLECTION", defaultCollection)
	vectorSize := uint64(embedder.DefaultDimensions(backend)) //nolint:gosec // dimensions are bounded

	vectors, err := rag.NewQdrantStore(ctx, &rag.QdrantConfig{
		Host:       qdrantHost,
		Port:       qdrantPort,
		Collection: collection,
		VectorSize: vectorSize,
		APIKey:     os.Getenv("QDRANT_API_KEY"),
		UseTLS:     os.Getenv("QDRANT_TLS") == "true",
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("connect to Qdrant at %s:%d: %w", qdrantHost, qdrantPort, err)
	}
	log.Info("qdrant store ready",
		slog.String("host", qdrantHost),
		slog.Int("port", qdrantPort),
		slog.String("collection", collection),
	)

	idx, err := index.New(&index.Config{
		Name:       getEnvOrDefault("INDEX_NAME", defaultIndexName),
		Collection: collection,
		TempDir:    resolveTempDir(),
		DataDir:    resolveDataDir(),
	}, st, vectors, emb)
	if err != nil {
		vectors.Close()
		st.Close()
		return nil, err
	}

	if err := idx.OnCreate(ctx); err != nil {
		vectors.Close()
		st.Close()
		return nil, err
	}
	if err := idx.OnStart(ctx); err != nil {
		vectors.Close()
		st.Close()
		return nil, err
	}

	return &stack{store: st, vectors: vectors, idx: idx, emb: emb, embBackend: backend}, nil
}

// close releases the stack in dependency order.
func (s *stack) close(log *slog.Logger) {
	if err := s.idx.Close(); err != nil {
		log.Warn("index close failed", slog.Any("error", err))
	}
	if err := s.store.Close(); err != nil {
		log.Warn("store close failed", slog.Any("error", err))
	}
}

// resolveDBPath returns the SQLite path, creating its parent directory.
// DOCDEX_DB overrides the default ~/.docdex/docdex.db.
func resolveDBPath() (string, error) {
	if p := os.Getenv("DOCDEX_DB"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".docdex")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return filepath.Join(dir, "docdex.db"), nil
}

// resolveTempDir returns the upload staging directory.
func resolveTempDir() string {
	if p := os.Getenv("UPLOAD_TEMP_DIR"); p != "" {
		return p
	}
	return filepath.Join(os.TempDir(), "docdex-uploads")
}

// resolveDataDir returns the content-addressed file store root.
func resolveDataDir() string {
	if p := os.Getenv("DOCDEX_DATA_DIR"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "docdex-data")
	}
	return filepath.Join(home, ".docdex", "data")
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvFloat returns the float value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

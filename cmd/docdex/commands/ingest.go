package commands

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/awerner/docdex-go/internal/indexer"
	"github.com/awerner/docdex-go/internal/logging"
	"github.com/awerner/docdex-go/internal/store"
)

// NewIngestCmd constructs the `docdex ingest` command, which indexes local
// files from the command line without going through the HTTP server.
func NewIngestCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "ingest <file> [file...]",
		Short: "Index local files into the docdex vector store",
		Long: `Index one or more local files directly, without the HTTP server.

Each file is deduplicated by content, chunked, embedded, and upserted into
the Qdrant collection — the same pipeline uploads go through. Files whose
content is already indexed for the same user are skipped.

Required environment variables:
  QDRANT_HOST          Qdrant server hostname (default: localhost)
  QDRANT_PORT          Qdrant gRPC port (default: 6334)
  INDEX_COLLECTION     Collection name (default: docdex-files)
  EMBEDDING_PROVIDER   Embedding backend: ollama, openai (default: ollama)
  EMBEDDING_*          Backend-specific overrides (model, base URL, API key)

Examples:
  docdex ingest notes.md
  docdex ingest --user alice docs/*.pdf`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			stk, err := buildStack(ctx, log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer stk.close(log)

			worker, err := indexer.New(stk.idx, &indexer.Config{Logger: log})
			if err != nil {
				return fmt.Errorf("ingest: create indexing worker: %w", err)
			}
			defer worker.Close()

			scheduled := 0
			for _, path := range args {
				// Stage a copy in a per-file directory: the worker consumes
				// the staged file on success and must never touch the user's
				// original.
				tempPath := filepath.Join(stk.idx.TempDir(), uuid.NewString(), filepath.Base(path))
				if err := copyFile(path, tempPath); err != nil {
					return fmt.Errorf("ingest: stage %s: %w", path, err)
				}

				pipeline, err := stk.idx.IndexingPipeline(tempPath, user)
				if err != nil {
					discardStaged(tempPath)
					log.Warn("skipping unsupported file", slog.String("path", path))
					continue
				}

				fileID, err := pipeline.StoreFile(ctx, tempPath)
				if errors.Is(err, store.ErrDuplicateSource) {
					// The job still runs against the existing record so a
					// previously failed indexing run gets retried; the worker
					// skips records that already indexed cleanly.
					existing, lookupErr := pipeline.IDIfExists(ctx, tempPath)
					if lookupErr != nil || existing == "" {
						discardStaged(tempPath)
						return fmt.Errorf("ingest: resolve duplicate %s: %w", path, lookupErr)
					}
					log.Info("duplicate content, reusing record",
						slog.String("path", path),
						slog.String("file_id", existing),
					)
					fileID = existing
				} else if err != nil {
					discardStaged(tempPath)
					return fmt.Errorf("ingest: store %s: %w", path, err)
				}

				if err := worker.Schedule(indexer.Job{
					FileID:   fileID,
					TempPath: tempPath,
					UserID:   user,
				}); err != nil {
					return fmt.Errorf("ingest: %w", err)
				}
				scheduled++
			}

			log.Info("indexing scheduled", slog.Int("files", scheduled))
			worker.Wait()
			log.Info("ingestion complete", slog.Int("files", scheduled))
			return nil
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", defaultUploadUserName, "Owner recorded for the ingested files")

	return cmd
}

// copyFile copies src to dst, creating dst's directory and truncating dst if
// it exists.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// discardStaged removes a staged copy and its per-file staging directory.
func discardStaged(tempPath string) {
	os.Remove(tempPath)
	os.Remove(filepath.Dir(tempPath))
}

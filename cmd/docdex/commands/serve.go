package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/awerner/docdex-go/internal/config"
	"github.com/awerner/docdex-go/internal/indexer"
	"github.com/awerner/docdex-go/internal/logging"
	"github.com/awerner/docdex-go/internal/server"
)

// NewServeCmd constructs the `docdex serve` command, which starts the HTTP
// server and the background indexing worker.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the docdex HTTP server",
		Long: `Start the docdex HTTP server on localhost.

The server accepts file uploads, indexes them asynchronously into the Qdrant
vector store, and answers semantic search queries against the indexed chunks.

Examples:
  docdex serve
  docdex serve --port 9000
  EMBEDDING_PROVIDER=openai docdex serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			log.Info("serve starting", slog.String("embedding_provider", os.Getenv("EMBEDDING_PROVIDER")))

			// Flags win over env; env (possibly filled from YAML) wins over
			// the built-in defaults.
			if !cmd.Flags().Changed("host") {
				host = getEnvOrDefault("DOCDEX_HOST", host)
			}
			if !cmd.Flags().Changed("port") {
				port = getEnvInt("DOCDEX_PORT", port)
			}

			stk, err := buildStack(ctx, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer stk.close(log)

			worker, err := indexer.New(stk.idx, &indexer.Config{
				PoolSize: getEnvInt("INDEX_POOL_SIZE", 0),
				Logger:   log,
				Registry: prometheus.DefaultRegisterer,
			})
			if err != nil {
				return fmt.Errorf("serve: create indexing worker: %w", err)
			}
			defer worker.Close()

			allowed := config.AllowedExtensions(
				getEnvOrDefault("INDEX_SUPPORTED_FILE_TYPES", defaultFileTypes))
			maxBytes := int64(getEnvInt("INDEX_MAX_FILE_SIZE_MB", defaultMaxFileSizeMB)) << 20

			srv, err := server.New(stk.idx, worker, stk.store, &server.Config{
				Host:   host,
				Port:   port,
				Logger: log,
				Pingers: []server.Pinger{
					server.NewStorePinger(stk.store),
					server.NewVectorPinger(stk.vectors),
					server.NewEmbedderPinger(stk.emb, stk.embBackend),
				},
				APIKey:            os.Getenv("DOCDEX_API_KEY"),
				RateLimit:         getEnvFloat("DOCDEX_RATE_LIMIT", 0),
				RateBurst:         getEnvInt("DOCDEX_RATE_BURST", 0),
				AllowedExtensions: allowed,
				MaxUploadBytes:    maxBytes,
				TempDir:           stk.idx.TempDir(),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			err = srv.Start(ctx)

			// Let in-flight indexing jobs land before tearing the stack down.
			log.Info("draining background indexing jobs")
			worker.Wait()

			return err
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8000, "TCP port to listen on")

	return cmd
}

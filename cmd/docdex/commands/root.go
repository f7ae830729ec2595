// Package commands defines all Cobra CLI commands for the docdex binary.
package commands

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/awerner/docdex-go/internal/audit"
	"github.com/awerner/docdex-go/internal/config"
	"github.com/awerner/docdex-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "docdex",
		Short: "docdex — a self-hosted document index with semantic search",
		Long: `docdex indexes your documents into a searchable knowledge base.

Uploaded files are deduplicated by content, chunked, embedded, and stored in
a Qdrant vector collection. Queries retrieve the most relevant chunks via
embedding similarity, optionally scoped to the uploading user.

The embedding backend is selected via the EMBEDDING_PROVIDER environment
variable or a YAML config file (~/.docdex/config.yaml).
See 'docdex --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// A local .env is a convenience for development; absence is normal.
			_ = godotenv.Load()

			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.docdex/config.yaml)")

	root.AddCommand(
		NewServeCmd(),
		NewIngestCmd(),
		NewVersionCmd(),
	)

	return root
}

// Command docdex is the entry point for the docdex file indexing service.
// It provides a CLI interface (via Cobra) and an HTTP server exposing
// upload, search, and file management endpoints.
package main

import (
	"fmt"
	"os"

	"github.com/awerner/docdex-go/cmd/docdex/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Package cli wires configuration, telemetry and the dispatcher into the
// batchinfer command line.
package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd builds the command tree. Each call returns fresh flag state.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "batchinfer",
		Short: "Batch inference dispatcher",
		Long: `batchinfer sends a manifest of prompts to an LLM endpoint over a bounded
worker pool, retries rejected or failed calls with exponential backoff, and
writes every job's outcome to results and diagnostics sinks.`,
		SilenceUsage: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newCheckCmd())
	return root
}

func Execute() {
	if err := NewRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// Package commands implements stagectl's cobra command tree: a thin RPC
// client over mesh.AdminClient for inspecting a running stagertd node
// (SPEC_FULL.md §D.5), grounded in the teacher's substrate CLI structure
// (cmd/substrate/commands).
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// adminAddr is the target node's admin gRPC address.
	adminAddr string

	// outputFormat controls output format (text, json).
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "stagectl",
	Short: "Inspect and operate a running stagertd node",
	Long: `stagectl talks to a stagertd node's admin endpoint to list live
stages, inspect timers, and tail dropped messages.`,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&adminAddr, "addr", "localhost:9101",
		"stagertd admin gRPC address",
	)
	rootCmd.PersistentFlags().StringVar(
		&outputFormat, "format", "text",
		"Output format: text, json",
	)

	rootCmd.AddCommand(stagesCmd)
	rootCmd.AddCommand(timersCmd)
	rootCmd.AddCommand(deadLettersCmd)
}

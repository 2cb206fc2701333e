// Package cli wires cobra commands for the okcvm binary: serve starts the
// HTTP Surface, validate-manifest checks the built-in Tool Specification
// manifest without starting a server. Grounded on server.py's Typer CLI.
package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the okcvm root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "okcvm",
		Short:         "OK Computer Virtual Machine orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newValidateManifestCmd())
	return cmd
}

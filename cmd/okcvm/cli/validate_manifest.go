package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/okcvm/okcvm/toolkit"
	"github.com/okcvm/okcvm/toolregistry"
)

func newValidateManifestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-manifest",
		Short: "Validate the built-in tool manifest's schemas without starting a server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			manifest, err := toolkit.DefaultManifest()
			if err != nil {
				return fmt.Errorf("okcvm: %w", err)
			}
			registry := toolregistry.New()
			if err := registry.Load(manifest); err != nil {
				return fmt.Errorf("okcvm: manifest invalid: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "manifest OK: %d tools\n", len(manifest.Functions))
			return nil
		},
	}
}

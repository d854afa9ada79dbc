// Package commands defines the CLI command structure and flag bindings.
package commands

import "github.com/spf13/cobra"

// Root returns the root command for the gpufleet CLI.
func Root() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gpufleet",
		Short: "Orchestrate GPU instances serving LLM inference",
	}

	cmd.AddCommand(Serve())
	cmd.AddCommand(Migrate())
	cmd.AddCommand(Submit())
	cmd.AddCommand(Version())

	return cmd
}

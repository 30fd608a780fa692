package cmd

import (
	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// NewRootCmd creates the oesd command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "oesd",
		Short: "Order entry system daemon",
		Long: `oesd runs the order entry system: a continuous double-auction matching
engine with lit and dark books, an account ledger, and an HTTP/websocket API.

Configuration comes from the environment; see 'oesd serve --help'.`,
	}

	rootCmd.AddCommand(
		NewServeCmd(),
		NewVersionCmd(),
	)
	return rootCmd
}

// NewVersionCmd prints the build version.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(Version)
		},
	}
}

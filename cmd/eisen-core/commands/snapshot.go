package commands

import (
	"errors"

	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "One-shot parser export (handled by the symbol-graph tool)",
	Long: `The snapshot subcommand is reserved for the symbol-graph collaborator,
which exports a one-shot parse of the workspace. This binary only
proxies and observes; invoke the symbol-graph tool directly for
snapshot exports.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return errors.New("snapshot is served by the symbol-graph tool, not by this binary")
	},
}

package cmd

import (
	"fmt"

	"github.com/netly/cnagent/internal/agent"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of cnagent",
	// no config or logger needed
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "cnagent version: %s\n", agent.Version)
	},
}

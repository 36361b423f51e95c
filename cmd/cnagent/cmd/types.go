package cmd

import (
	"context"
	"fmt"

	"github.com/netly/cnagent/internal/agent"
	"github.com/spf13/cobra"
)

var typesCmd = &cobra.Command{
	Use:   "types",
	Short: "List the task types this node can run",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := agent.New(offline(cfg), log)
		if err != nil {
			return err
		}
		defer a.Shutdown(context.Background())

		for _, t := range a.Types() {
			fmt.Fprintln(cmd.OutOrStdout(), t)
		}
		return nil
	},
}

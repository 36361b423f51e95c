package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/netly/cnagent/internal/agent"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent: local API, heartbeat loop and task runtime",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := agent.New(cfg, log)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Infow("starting cnagent", "version", agent.Version, "address", cfg.Server.Address())
		return a.Serve(ctx)
	},
}

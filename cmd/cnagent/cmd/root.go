package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/netly/cnagent/config"
	"github.com/netly/cnagent/internal/logger"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	envFile  string
	logLevel string

	cfg *config.Config
	log *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "cnagent",
	Short: "cnagent runs operational tasks on a compute node.",
	Long: `cnagent accepts task requests from a local HTTP API, a job file or an
upstream job server, runs them with per-resource ordering and reports their
progress and outcome.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to load %s: %w", envFile, err)
			}
		}

		loaded, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logLevel != "" {
			loaded.Logger.Level = logLevel
		}

		l, err := logger.New(loaded.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		cfg, log = loaded, l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ./cnagent.yaml or /etc/cnagent/cnagent.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logger.level")

	rootCmd.AddCommand(serveCmd, runCmd, typesCmd, versionCmd)
}
